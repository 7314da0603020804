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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/daemon/agents"
	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/daemon/metrics"
	"github.com/tombee/foreman/internal/dispatch"
)

// SessionHandler opens and closes agent long-poll sessions.
type SessionHandler struct {
	logger   *slog.Logger
	registry *dispatch.Registry
	store    *agents.Store
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(logger *slog.Logger, registry *dispatch.Registry, store *agents.Store) *SessionHandler {
	return &SessionHandler{logger: logger, registry: registry, store: store}
}

// RegisterRoutes registers the session routes on the router.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /{owner}/{repo}/_apis/v1/Session", h.handleCreate)
	mux.HandleFunc("DELETE /{owner}/{repo}/_apis/v1/Session/{sessionId}", h.handleDelete)
}

// CreateSessionRequest asks for a session for a registered agent.
type CreateSessionRequest struct {
	AgentID uuid.UUID `json:"agentId"`
}

// SessionResponse is the created session: the id the agent polls with
// and the base64 AES key its messages are sealed with.
type SessionResponse struct {
	SessionID     uuid.UUID `json:"sessionId"`
	EncryptionKey string    `json:"encryptionKey"`
	AgentName     string    `json:"agentName"`
}

// handleCreate opens a session for a registered agent. One session
// per agent; a second create fails until the first is deleted or
// expires idle.
func (h *SessionHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	reg, err := h.store.Get(r.Context(), req.AgentID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	sess, err := h.registry.CreateSession(reg.Agent())
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	metrics.SetActiveSessions(len(h.registry.Sessions()))

	httputil.WriteJSON(w, http.StatusCreated, SessionResponse{
		SessionID:     sess.ID,
		EncryptionKey: base64.StdEncoding.EncodeToString(sess.Key),
		AgentName:     reg.Name,
	})
}

// handleDelete closes a session. Deleting an unknown session is a
// no-op so agents can tear down blindly.
func (h *SessionHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "session id must be a GUID")
		return
	}
	h.registry.DeleteSession(sessionID)
	metrics.SetActiveSessions(len(h.registry.Sessions()))
	w.WriteHeader(http.StatusNoContent)
}
