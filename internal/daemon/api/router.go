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

// Package api provides the HTTP API for the daemon: the agent
// long-poll protocol, webhook ingress, event streams and the
// registration surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/daemon/metrics"
)

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	version string
}

// NewRouter creates the router with the always-on endpoints
// registered. Resource handlers add their routes via Mux.
func NewRouter(version string, logger *slog.Logger) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		version: version,
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.Handle("GET /metrics", metrics.Handler())
	r.mux.HandleFunc("GET /{$}", r.handleRoot)

	return r
}

// Mux returns the underlying ServeMux for registering routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	r.mux.ServeHTTP(rec, req)

	r.logger.Info("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", rec.status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// statusRecorder captures the response status for the request log.
// Flush is forwarded so SSE streams keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "foremand",
		"version": r.version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.version,
	})
}
