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
	"encoding/json"
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
)

// StreamHandler serves the event and console-log surface: SSE streams
// for watchers, log line ingestion from agents and stored log reads.
type StreamHandler struct {
	logger      *slog.Logger
	broker      *events.Broker
	timelines   *events.TimelineStore
	registry    *dispatch.Registry
	tokenSecret []byte
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(logger *slog.Logger, broker *events.Broker, timelines *events.TimelineStore, registry *dispatch.Registry, tokenSecret []byte) *StreamHandler {
	return &StreamHandler{
		logger:      logger,
		broker:      broker,
		timelines:   timelines,
		registry:    registry,
		tokenSecret: tokenSecret,
	}
}

// RegisterRoutes registers the stream routes on the router.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{owner}/{repo}/_apis/v1/Message/event", h.handleEvents)
	mux.HandleFunc("GET /{owner}/{repo}/_apis/v1/TimeLineWebConsoleLog", h.handleLogStream)
	mux.HandleFunc("GET /{owner}/{repo}/_apis/v1/TimeLineWebConsoleLog/{timelineId}/{recordId}", h.handleGetLines)
	mux.Handle("POST /{owner}/{repo}/_apis/v1/TimeLineWebConsoleLog/{timelineId}/{recordId}",
		auth.JobToken(h.tokenSecret)(http.HandlerFunc(h.handleAppendLines)))
}

// handleEvents streams job and workflow state changes as SSE. The
// filter query narrows to repositories matching a ** glob; it
// defaults to the repository in the path.
func (h *StreamHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := events.Filter{RepoGlob: r.URL.Query().Get("filter")}
	if filter.RepoGlob == "" {
		filter.RepoGlob = r.PathValue("owner") + "/" + r.PathValue("repo")
	}
	if v := r.URL.Query().Get("runid"); v != "" {
		runID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "runid must be an integer")
			return
		}
		filter.RunID = runID
	}
	h.broker.ServeStream(w, r, filter)
}

// handleLogStream streams console lines and completion events for one
// run as SSE.
func (h *StreamHandler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.URL.Query().Get("runid"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "runid query parameter must be an integer")
		return
	}
	h.broker.ServeStream(w, r, events.Filter{RunID: runID})
}

// handleGetLines returns the stored console lines of one timeline
// record.
func (h *StreamHandler) handleGetLines(w http.ResponseWriter, r *http.Request) {
	timelineID, err := uuid.Parse(r.PathValue("timelineId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "timeline id must be a GUID")
		return
	}
	recordID, err := uuid.Parse(r.PathValue("recordId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "record id must be a GUID")
		return
	}

	lines, err := h.timelines.Lines(timelineID, recordID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timelineId": timelineID,
		"recordId":   recordID,
		"lines":      lines,
	})
}

// AppendLinesRequest carries console lines from an agent.
type AppendLinesRequest struct {
	Lines []string `json:"lines"`
}

// handleAppendLines ingests console lines for a timeline record. The
// job token must belong to the job that owns the timeline.
func (h *StreamHandler) handleAppendLines(w http.ResponseWriter, r *http.Request) {
	timelineID, err := uuid.Parse(r.PathValue("timelineId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "timeline id must be a GUID")
		return
	}
	recordID, err := uuid.Parse(r.PathValue("recordId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "record id must be a GUID")
		return
	}

	var req AppendLinesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Lines) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "lines must not be empty")
		return
	}

	job, err := h.registry.JobByTimeline(timelineID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if jobID, ok := auth.JobIDFromContext(r.Context()); !ok || jobID != job.ID {
		httputil.WriteError(w, http.StatusForbidden, "job token does not own this timeline")
		return
	}

	ev := h.timelines.Append(timelineID, recordID, job.RunID, req.Lines)
	metrics.RecordLogLines(len(req.Lines))
	httputil.WriteJSON(w, http.StatusOK, ev)
}
