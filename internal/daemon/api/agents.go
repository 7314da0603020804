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

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/daemon/agents"
	"github.com/tombee/foreman/internal/daemon/auth"
	"github.com/tombee/foreman/internal/daemon/httputil"
)

// AgentHandler manages the agent roster. All routes require the
// shared registration token.
type AgentHandler struct {
	logger            *slog.Logger
	store             *agents.Store
	registrationToken string
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(logger *slog.Logger, store *agents.Store, registrationToken string) *AgentHandler {
	return &AgentHandler{logger: logger, store: store, registrationToken: registrationToken}
}

// RegisterRoutes registers the agent roster routes on the router.
func (h *AgentHandler) RegisterRoutes(mux *http.ServeMux) {
	guard := auth.RegistrationToken(h.registrationToken)
	mux.Handle("POST /{owner}/{repo}/_apis/v1/Agent", guard(http.HandlerFunc(h.handleRegister)))
	mux.Handle("GET /{owner}/{repo}/_apis/v1/Agent", guard(http.HandlerFunc(h.handleList)))
	mux.Handle("DELETE /{owner}/{repo}/_apis/v1/Agent/{id}", guard(http.HandlerFunc(h.handleDelete)))
}

// RegisterAgentRequest enrols an agent with its capability labels.
type RegisterAgentRequest struct {
	Name      string   `json:"name"`
	Labels    []string `json:"labels"`
	Ephemeral bool     `json:"ephemeral,omitempty"`
}

// handleRegister enrols an agent. Re-registering an existing name
// updates its labels and keeps its id.
func (h *AgentHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	reg, err := h.store.Register(r.Context(), req.Name, req.Labels, req.Ephemeral)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	h.logger.Info("agent registered",
		slog.String("agent", reg.Name),
		slog.Any("labels", reg.Labels),
		slog.Bool("ephemeral", reg.Ephemeral),
	)
	httputil.WriteJSON(w, http.StatusCreated, reg)
}

// handleList lists registered agents.
func (h *AgentHandler) handleList(w http.ResponseWriter, r *http.Request) {
	regs, err := h.store.List(r.Context())
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, regs)
}

// handleDelete removes an agent registration.
func (h *AgentHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "agent id must be a GUID")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
