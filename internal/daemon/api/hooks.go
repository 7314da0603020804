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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/foreman/internal/daemon/auth"
	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/daemon/metrics"
	"github.com/tombee/foreman/internal/daemon/webhook"
	"github.com/tombee/foreman/internal/workflow"
)

// maxHookBody bounds webhook payload and multipart sizes.
const maxHookBody = 25 << 20

// WorkflowFile is one workflow definition resolved for a trigger.
type WorkflowFile struct {
	Path    string
	Content []byte
}

// WorkflowSource lists the workflow files of a repository at a ref,
// usually by asking the forge's contents API.
type WorkflowSource interface {
	ListWorkflows(ctx context.Context, repo, ref string) ([]WorkflowFile, error)
}

// HookHandler turns forge webhook deliveries into workflow runs.
type HookHandler struct {
	logger   *slog.Logger
	compiler *workflow.Compiler
	source   WorkflowSource
	secret   string
	secrets  map[string]string
	limiter  *auth.RateLimiter
}

// NewHookHandler creates the webhook ingress handler. secret is the
// shared HMAC secret; empty disables signature checks. secrets are
// the configured workflow secrets handed to every compile.
func NewHookHandler(logger *slog.Logger, compiler *workflow.Compiler, source WorkflowSource, secret string, secrets map[string]string, limiter *auth.RateLimiter) *HookHandler {
	return &HookHandler{
		logger:   logger,
		compiler: compiler,
		source:   source,
		secret:   secret,
		secrets:  secrets,
		limiter:  limiter,
	}
}

// RegisterRoutes registers the ingress routes on the router.
func (h *HookHandler) RegisterRoutes(mux *http.ServeMux) {
	ingress := http.Handler(http.HandlerFunc(h.handleWebhook))
	schedule := http.Handler(http.HandlerFunc(h.handleSchedule))
	if h.limiter != nil {
		ingress = h.limiter.Middleware(ingress)
		schedule = h.limiter.Middleware(schedule)
	}
	mux.Handle("POST /{owner}/{repo}/_apis/v1/Message", ingress)
	mux.Handle("POST /{owner}/{repo}/_apis/v1/Message/schedule", schedule)
}

// HookFileResponse is the compile outcome of one workflow file.
type HookFileResponse struct {
	Path string `json:"path"`
	*workflow.HookResponse
}

// handleWebhook ingests one forge event delivery: verify the
// signature, resolve the repository's workflow files at the pushed
// ref and compile each against the event.
func (h *HookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	repo := r.PathValue("owner") + "/" + r.PathValue("repo")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event := webhook.ParseEvent(r)
	if event == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing event header")
		return
	}

	if h.secret != "" {
		if err := webhook.Verify(r, body, h.secret); err != nil {
			metrics.RecordWebhook(event, "rejected")
			httputil.WriteError(w, http.StatusForbidden, err.Error())
			return
		}
	}

	payload, err := webhook.ExtractPayload(body)
	if err != nil {
		metrics.RecordWebhook(event, "rejected")
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	trigger := triggerFromPayload(event, payload)
	ref := trigger.Ref
	if sha := webhook.Sha(payload); sha != "" {
		ref = sha
	}

	if h.source == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "no forge configured for workflow resolution")
		return
	}

	files, err := h.source.ListWorkflows(r.Context(), repo, ref)
	if err != nil {
		metrics.RecordWebhook(event, "failed")
		httputil.WriteError(w, http.StatusBadGateway, fmt.Sprintf("failed to resolve workflows: %v", err))
		return
	}

	h.compileAll(w, r, repo, trigger, payload, files)
}

// handleSchedule is the ingress variant for callers that already hold
// the workflow file contents: a multipart form of files plus an
// optional event name and JSON payload. No forge round trip happens.
func (h *HookHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	repo := r.PathValue("owner") + "/" + r.PathValue("repo")

	if err := r.ParseMultipartForm(maxHookBody); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}

	event := r.FormValue("event")
	if event == "" {
		event = "push"
	}

	payload := map[string]interface{}{}
	if raw := r.FormValue("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
			return
		}
	}

	var files []WorkflowFile
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s: %v", fh.Filename, err))
				return
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s: %v", fh.Filename, err))
				return
			}
			files = append(files, WorkflowFile{Path: fh.Filename, Content: content})
		}
	}
	if len(files) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "no workflow files in form")
		return
	}

	h.compileAll(w, r, repo, triggerFromPayload(event, payload), payload, files)
}

// compileAll runs every resolved workflow file against the trigger
// and reports the per-file outcomes.
func (h *HookHandler) compileAll(w http.ResponseWriter, r *http.Request, repo string, trigger *workflow.TriggerEvent, payload map[string]interface{}, files []WorkflowFile) {
	q := r.URL.Query()
	selected := q.Get("job")
	listMode := q.Get("list") != "" && q.Get("list") != "0"
	matrixFilter := parseMatrixFilter(q["matrix"])
	envOverrides := parsePairs(q["env"])
	secretOverrides := parsePairs(q["secret"])

	responses := make([]HookFileResponse, 0, len(files))
	for _, file := range files {
		resp := h.compiler.Compile(&workflow.CompileInput{
			Repo:            repo,
			Path:            file.Path,
			Ref:             trigger.Ref,
			Sha:             webhook.Sha(payload),
			Document:        file.Content,
			Event:           trigger,
			Payload:         payload,
			SelectedJob:     selected,
			ListMode:        listMode,
			MatrixFilter:    matrixFilter,
			EnvOverrides:    envOverrides,
			SecretOverrides: secretOverrides,
			Secrets:         h.secrets,
		})
		responses = append(responses, HookFileResponse{Path: file.Path, HookResponse: resp})

		switch {
		case resp.Failed:
			metrics.RecordWebhook(trigger.Name, "failed")
		case resp.Skipped:
			metrics.RecordWebhook(trigger.Name, "skipped")
		default:
			metrics.RecordWebhook(trigger.Name, "accepted")
			if !listMode {
				metrics.RecordRunStarted()
			}
		}
	}

	httputil.WriteJSON(w, http.StatusOK, responses)
}

// triggerFromPayload builds the trigger event the compiler matches
// workflows against from a forge payload.
func triggerFromPayload(event string, payload map[string]interface{}) *workflow.TriggerEvent {
	trigger := &workflow.TriggerEvent{
		Name:         event,
		Action:       webhook.Action(payload),
		Ref:          webhook.Ref(payload),
		ChangedFiles: webhook.ChangedFiles(payload),
	}
	if inputs, ok := payload["inputs"].(map[string]interface{}); ok {
		trigger.Inputs = inputs
	}
	return trigger
}

// parseMatrixFilter turns repeated key:value query values into the
// compiler's matrix filter. Repeated keys accumulate.
func parseMatrixFilter(values []string) map[string][]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string][]string)
	for _, v := range values {
		key, val, ok := strings.Cut(v, ":")
		if !ok || key == "" {
			continue
		}
		out[key] = append(out[key], val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parsePairs turns repeated KEY=VALUE query values into a map.
func parsePairs(values []string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, v := range values {
		key, val, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			continue
		}
		out[key] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
