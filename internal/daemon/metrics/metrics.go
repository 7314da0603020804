// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// webhooksReceived tracks webhook deliveries by event and outcome
	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_webhooks_total",
			Help: "Total webhook deliveries by event name and result",
		},
		[]string{"event", "result"},
	)

	// runsFinished tracks completed workflow runs by result
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_runs_total",
			Help: "Total finished workflow runs by result",
		},
		[]string{"result"},
	)

	// jobsFinished tracks completed jobs by result
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_jobs_total",
			Help: "Total finished jobs by result",
		},
		[]string{"result"},
	)

	// jobsDispatched tracks jobs handed to agents
	jobsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_jobs_dispatched_total",
			Help: "Total jobs delivered to agents",
		},
	)

	// activeSessions tracks live agent long-poll sessions
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_active_sessions",
			Help: "Number of live agent sessions",
		},
	)

	// activeRuns tracks workflow runs currently executing
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_active_runs",
			Help: "Number of workflow runs in progress",
		},
	)

	// logLines tracks log lines ingested from agents
	logLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_log_lines_total",
			Help: "Total job log lines ingested",
		},
	)
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWebhook increments the webhook counter.
// result should be one of: accepted, skipped, rejected, failed
func RecordWebhook(event, result string) {
	webhooksReceived.WithLabelValues(event, result).Inc()
}

// RecordRunFinished increments the finished-run counter.
func RecordRunFinished(result string) {
	runsFinished.WithLabelValues(result).Inc()
	activeRuns.Dec()
}

// RecordRunStarted increments the in-progress run gauge.
func RecordRunStarted() {
	activeRuns.Inc()
}

// RecordJobFinished increments the finished-job counter.
func RecordJobFinished(result string) {
	jobsFinished.WithLabelValues(result).Inc()
}

// RecordJobDispatched increments the dispatched-job counter.
func RecordJobDispatched() {
	jobsDispatched.Inc()
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordLogLines adds ingested log lines to the counter.
func RecordLogLines(n int) {
	logLines.Add(float64(n))
}
