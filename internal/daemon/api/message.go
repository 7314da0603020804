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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/daemon/auth"
	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/daemon/metrics"
	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/internal/events"
	"github.com/tombee/foreman/internal/workflow"
)

// MessageHandler serves the agent-facing message protocol: the job
// long-poll, message acknowledgement, result reporting, cancellation
// and run status queries.
type MessageHandler struct {
	logger      *slog.Logger
	coordinator *dispatch.Coordinator
	compiler    *workflow.Compiler
	broker      *events.Broker
	tokenSecret []byte
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(logger *slog.Logger, coordinator *dispatch.Coordinator, compiler *workflow.Compiler, broker *events.Broker, tokenSecret []byte) *MessageHandler {
	return &MessageHandler{
		logger:      logger,
		coordinator: coordinator,
		compiler:    compiler,
		broker:      broker,
		tokenSecret: tokenSecret,
	}
}

// RegisterRoutes registers the message protocol routes on the router.
func (h *MessageHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{owner}/{repo}/_apis/v1/Message/{poolId}", h.handlePoll)
	mux.HandleFunc("DELETE /{owner}/{repo}/_apis/v1/Message/{poolId}/{messageId}", h.handleAck)
	mux.Handle("POST /{owner}/{repo}/_apis/v1/Message/finish",
		auth.JobToken(h.tokenSecret)(http.HandlerFunc(h.handleFinish)))
	mux.HandleFunc("POST /{owner}/{repo}/_apis/v1/Message/cancel/{id}", h.handleCancelJob)
	mux.HandleFunc("POST /{owner}/{repo}/_apis/v1/Message/cancelWorkflow/{runid}", h.handleCancelRun)
	mux.HandleFunc("GET /{owner}/{repo}/_apis/v1/Message/WorkflowStatus/{runid}", h.handleWorkflowStatus)
	mux.HandleFunc("GET /{owner}/{repo}/_apis/v1/Message", h.handleListJobs)
}

// handlePoll blocks until a message is ready for the session or the
// poll bound elapses. An empty poll is a 204; agents poll again.
func (h *MessageHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("sessionId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "sessionId query parameter must be a GUID")
		return
	}

	env, err := h.coordinator.GetMessage(r.Context(), sessionID, requestBaseURL(r))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller went away; the drop arm requeues the job.
			return
		}
		httputil.WriteErr(w, err)
		return
	}
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if env.MessageType == dispatch.MessageTypeJobRequest {
		metrics.RecordJobDispatched()
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

// handleAck confirms delivery of an in-flight message, disarming the
// requeue that would otherwise fire on the session's next poll.
func (h *MessageHandler) handleAck(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("sessionId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "sessionId query parameter must be a GUID")
		return
	}
	messageID, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "message id must be an integer")
		return
	}
	if err := h.coordinator.AckMessage(sessionID, messageID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FinishRequest is an agent's terminal report for its job.
type FinishRequest struct {
	JobID   uuid.UUID         `json:"jobId"`
	Result  dispatch.Result   `json:"result"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// handleFinish records a job result reported by the agent that owns
// the job token.
func (h *MessageHandler) handleFinish(w http.ResponseWriter, r *http.Request) {
	jobID, ok := auth.JobIDFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing job token")
		return
	}

	var req FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.JobID != uuid.Nil && req.JobID != jobID {
		httputil.WriteError(w, http.StatusForbidden, "job token does not match the reported job")
		return
	}
	if !req.Result.Terminal() {
		httputil.WriteError(w, http.StatusBadRequest, "result must be terminal")
		return
	}

	job, err := h.coordinator.Job(jobID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	h.coordinator.Complete(job, req.Result, req.Outputs)
	metrics.RecordJobFinished(req.Result.String())
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelJob cancels one job by GUID. Queued jobs complete as
// canceled immediately; claimed jobs are told on their agent's next
// poll.
func (h *MessageHandler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "job id must be a GUID")
		return
	}
	if err := h.coordinator.CancelJob(id); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelRun cancels every job of a workflow run.
func (h *MessageHandler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("runid"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "run id must be an integer")
		return
	}
	if err := h.compiler.CancelRun(runID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkflowStatus reports the finished event of a run, or 204
// while the run is still in flight.
func (h *MessageHandler) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("runid"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "run id must be an integer")
		return
	}
	if view, ok := h.broker.Finished(runID); ok {
		httputil.WriteJSON(w, http.StatusOK, view)
		return
	}
	if _, err := h.compiler.Run(runID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobSummary describes one dispatch job in a listing.
type JobSummary struct {
	ID          uuid.UUID `json:"id"`
	RequestID   int64     `json:"requestId"`
	TimelineID  uuid.UUID `json:"timelineId"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	Repo        string    `json:"repo"`
	Workflow    string    `json:"workflow"`
	EventName   string    `json:"eventName"`
	RunID       int64     `json:"runId"`
	Attempt     int       `json:"attempt"`
	Result      string    `json:"result"`
	Labels      []string  `json:"labels,omitempty"`
	Errors      []string  `json:"errors,omitempty"`
}

// JobListResponse is the job listing payload. Pending holds graph
// nodes still waiting on dependencies when depending=1 is requested.
type JobListResponse struct {
	Jobs    []JobSummary          `json:"jobs"`
	Pending []workflow.JobListing `json:"pending,omitempty"`
}

// handleListJobs lists dispatch jobs, filtered by repository and run
// id. depending=1 additionally lists not-yet-evaluated graph nodes.
func (h *MessageHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dispatch.JobFilter{Repo: q.Get("repo")}
	if filter.Repo == "" {
		filter.Repo = r.PathValue("owner") + "/" + r.PathValue("repo")
	}
	if v := q.Get("runid"); v != "" {
		runID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "runid must be an integer")
			return
		}
		filter.RunID = runID
	}

	resp := JobListResponse{Jobs: []JobSummary{}}
	for _, job := range h.coordinator.Jobs(filter) {
		resp.Jobs = append(resp.Jobs, JobSummary{
			ID:          job.ID,
			RequestID:   job.RequestID,
			TimelineID:  job.TimelineID,
			Name:        job.Name,
			DisplayName: job.DisplayName,
			Repo:        job.Repo,
			Workflow:    job.WorkflowName,
			EventName:   job.EventName,
			RunID:       job.RunID,
			Attempt:     job.Attempt,
			Result:      job.Result().String(),
			Labels:      job.Labels,
			Errors:      job.Errors(),
		})
	}

	if q.Get("depending") == "1" {
		for _, run := range h.compiler.Runs() {
			if run.Repo != filter.Repo {
				continue
			}
			if filter.RunID != 0 && run.ID != filter.RunID {
				continue
			}
			resp.Pending = append(resp.Pending, run.PendingJobs()...)
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// requestBaseURL reconstructs the URL agents should call back on, so
// the job message carries an address reachable from the agent's side
// of the connection.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
