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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foreman/internal/daemon/agents"
	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/internal/events"
	"github.com/tombee/foreman/internal/workflow"
)

var testTokenSecret = []byte("test-token-secret")

const testWorkflow = `on: push
jobs:
  build:
    runs-on: linux
    steps:
      - run: make
`

type allLabels struct{}

func (allLabels) Covers([]string) bool { return true }
func (allLabels) Available() []string  { return nil }

type fakeSource struct {
	files []WorkflowFile
	err   error
}

func (f fakeSource) ListWorkflows(ctx context.Context, repo, ref string) ([]WorkflowFile, error) {
	return f.files, f.err
}

type testStack struct {
	router      *Router
	registry    *dispatch.Registry
	coordinator *dispatch.Coordinator
	compiler    *workflow.Compiler
	broker      *events.Broker
	timelines   *events.TimelineStore
	store       *agents.Store
}

func newTestStack(t *testing.T, source WorkflowSource) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := dispatch.NewRegistry(logger)
	queues := dispatch.NewQueueMap()
	hub := dispatch.NewHub()
	coordinator := dispatch.NewCoordinator(logger, registry, queues, hub)
	coordinator.SetPollBound(150 * time.Millisecond)
	coordinator.SetSettleDelay(time.Millisecond)

	broker := events.NewBroker(logger)
	timelines := events.NewTimelineStore(broker)
	compiler := workflow.NewCompiler(logger, coordinator, hub, testTokenSecret, workflow.Options{
		Events:   broker,
		Capacity: allLabels{},
	})

	store, err := agents.New(agents.Config{Path: filepath.Join(t.TempDir(), "agents.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := NewRouter("test", logger)
	NewMessageHandler(logger, coordinator, compiler, broker, testTokenSecret).RegisterRoutes(router.Mux())
	NewStreamHandler(logger, broker, timelines, registry, testTokenSecret).RegisterRoutes(router.Mux())
	NewSessionHandler(logger, registry, store).RegisterRoutes(router.Mux())
	NewAgentHandler(logger, store, "reg-token").RegisterRoutes(router.Mux())
	NewHookHandler(logger, compiler, source, "", nil, nil).RegisterRoutes(router.Mux())

	return &testStack{
		router:      router,
		registry:    registry,
		coordinator: coordinator,
		compiler:    compiler,
		broker:      broker,
		timelines:   timelines,
		store:       store,
	}
}

func (s *testStack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func newDispatchJob(name string, labels []string) *dispatch.Job {
	job := dispatch.NewJob(name, labels)
	job.Repo = "acme/app"
	job.RunID = 1
	job.Message = &dispatch.MessageBuilder{
		Definition:  map[string]interface{}{"steps": []interface{}{}},
		TokenSecret: testTokenSecret,
	}
	return job
}

func mintJobToken(t *testing.T, jobID uuid.UUID) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "agent-job",
		"job": jobID.String(),
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testTokenSecret)
	require.NoError(t, err)
	return signed
}

func TestPollDeliversJobAndAck(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	sess, err := s.registry.CreateSession(dispatch.Agent{ID: uuid.New(), Name: "agent-1", Labels: []string{"linux"}})
	require.NoError(t, err)

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Enqueue(job)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message/1?sessionId="+sess.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env dispatch.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, dispatch.MessageTypeJobRequest, env.MessageType)
	assert.NotEmpty(t, env.Body)
	assert.NotEmpty(t, env.IV)

	rec = s.do(httptest.NewRequest(http.MethodDelete,
		"/acme/app/_apis/v1/Message/1/"+itoa(env.MessageID)+"?sessionId="+sess.ID.String(), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestPollUnknownSession(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message/1?sessionId="+uuid.NewString(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPollBadSessionID(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message/1?sessionId=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollEmptyReturnsNoContent(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	sess, err := s.registry.CreateSession(dispatch.Agent{ID: uuid.New(), Name: "agent-1", Labels: []string{"linux"}})
	require.NoError(t, err)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message/1?sessionId="+sess.ID.String(), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestFinishRecordsResult(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Register(job)

	body, _ := json.Marshal(map[string]interface{}{
		"result":  "succeeded",
		"outputs": map[string]string{"version": "1.2.3"},
	})
	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/finish", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintJobToken(t, job.ID))
	rec := s.do(req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, dispatch.ResultSucceeded, job.Result())
	assert.Equal(t, "1.2.3", job.Outputs()["version"])
}

func TestFinishRequiresToken(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	body := strings.NewReader(`{"result":"succeeded"}`)
	rec := s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/finish", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFinishRejectsMismatchedJob(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Register(job)

	body, _ := json.Marshal(map[string]interface{}{
		"jobId":  uuid.NewString(),
		"result": "succeeded",
	})
	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/finish", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintJobToken(t, job.ID))
	rec := s.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, job.Result().Terminal())
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Enqueue(job)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/cancel/"+job.ID.String(), nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, dispatch.ResultCanceled, job.Result())

	rec = s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/cancel/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowStatus(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message/WorkflowStatus/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.broker.WorkflowEvent(workflow.WorkflowView{
		RunID:  42,
		Repo:   "acme/app",
		Status: "completed",
		Result: "succeeded",
	})
	rec = s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message/WorkflowStatus/42", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view workflow.WorkflowView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "succeeded", view.Result)
}

func TestListJobsFilters(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	ours := newDispatchJob("build", []string{"linux"})
	s.coordinator.Register(ours)

	other := newDispatchJob("deploy", []string{"linux"})
	other.Repo = "acme/other"
	s.coordinator.Register(other)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Message", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "build", resp.Jobs[0].Name)
	assert.Equal(t, "pending", resp.Jobs[0].Result)
}

func TestWebhookStartsRun(t *testing.T) {
	source := fakeSource{files: []WorkflowFile{{Path: ".github/workflows/ci.yml", Content: []byte(testWorkflow)}}}
	s := newTestStack(t, source)

	payload := `{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"acme/app","default_branch":"main"}}`
	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message", strings.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var responses []HookFileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 1)
	assert.Equal(t, ".github/workflows/ci.yml", responses[0].Path)
	assert.False(t, responses[0].Failed, "errors: %v", responses[0].Errors)
	assert.False(t, responses[0].Skipped)
	require.NotZero(t, responses[0].RunID)

	jobs := s.coordinator.Jobs(dispatch.JobFilter{Repo: "acme/app"})
	require.Len(t, jobs, 1)
	assert.Equal(t, "build", jobs[0].Name)

	// The run has an unclaimed job, so its status is still pending.
	rec = s.do(httptest.NewRequest(http.MethodGet,
		"/acme/app/_apis/v1/Message/WorkflowStatus/"+itoa(responses[0].RunID), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebhookListMode(t *testing.T) {
	source := fakeSource{files: []WorkflowFile{{Path: ".github/workflows/ci.yml", Content: []byte(testWorkflow)}}}
	s := newTestStack(t, source)

	payload := `{"ref":"refs/heads/main","repository":{"full_name":"acme/app"}}`
	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message?list=1", strings.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var responses []HookFileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 1)
	require.Len(t, responses[0].Jobs, 1)
	assert.Equal(t, "build", responses[0].Jobs[0].Name)
	assert.Empty(t, s.coordinator.Jobs(dispatch.JobFilter{Repo: "acme/app"}))
}

func TestWebhookRequiresEventHeader(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	rec := s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSignatureCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newTestStack(t, fakeSource{})
	handler := NewHookHandler(logger, s.compiler, fakeSource{}, "hook-secret", nil, nil)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	payload := []byte(`{"ref":"refs/heads/main"}`)

	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(payload)
	req = httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScheduleMultipart(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", ".github/workflows/nightly.yml")
	require.NoError(t, err)
	_, err = part.Write([]byte(testWorkflow))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("event", "push"))
	require.NoError(t, mw.WriteField("payload", `{"ref":"refs/heads/main","repository":{"full_name":"acme/app"}}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/schedule", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var responses []HookFileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 1)
	assert.NotZero(t, responses[0].RunID)
}

func TestScheduleRejectsEmptyForm(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("event", "push"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Message/schedule", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	reg, err := s.store.Register(context.Background(), "agent-1", []string{"linux"}, false)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"agentId": reg.ID.String()})
	rec := s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Session", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "agent-1", resp.AgentName)
	key, err := base64.StdEncoding.DecodeString(resp.EncryptionKey)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// One session per agent.
	rec = s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Session", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/acme/app/_apis/v1/Session/"+resp.SessionID.String(), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Session", bytes.NewReader(body)))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSessionUnknownAgent(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	body, _ := json.Marshal(map[string]string{"agentId": uuid.NewString()})
	rec := s.do(httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Session", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentRegistration(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	body := `{"name":"runner-7","labels":["self-hosted","linux"],"ephemeral":true}`

	req := httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Agent", strings.NewReader(body))
	rec := s.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/acme/app/_apis/v1/Agent", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer reg-token")
	rec = s.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var reg agents.Registration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.True(t, reg.Ephemeral)

	req = httptest.NewRequest(http.MethodGet, "/acme/app/_apis/v1/Agent", nil)
	req.Header.Set("Authorization", "Bearer reg-token")
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []agents.Registration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	req = httptest.NewRequest(http.MethodDelete, "/acme/app/_apis/v1/Agent/"+reg.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer reg-token")
	rec = s.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConsoleLogRoundTrip(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Register(job)
	recordID := uuid.New()

	body := `{"lines":["checking out","building"]}`
	req := httptest.NewRequest(http.MethodPost,
		"/acme/app/_apis/v1/TimeLineWebConsoleLog/"+job.TimelineID.String()+"/"+recordID.String(),
		strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+mintJobToken(t, job.ID))
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ev events.LogEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, int64(1), ev.StartLine)
	assert.Len(t, ev.Lines, 2)

	rec = s.do(httptest.NewRequest(http.MethodGet,
		"/acme/app/_apis/v1/TimeLineWebConsoleLog/"+job.TimelineID.String()+"/"+recordID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "checking out")
}

func TestConsoleLogWrongToken(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Register(job)

	intruder := newDispatchJob("other", []string{"linux"})
	s.coordinator.Register(intruder)

	req := httptest.NewRequest(http.MethodPost,
		"/acme/app/_apis/v1/TimeLineWebConsoleLog/"+job.TimelineID.String()+"/"+uuid.NewString(),
		strings.NewReader(`{"lines":["nope"]}`))
	req.Header.Set("Authorization", "Bearer "+mintJobToken(t, intruder.ID))
	rec := s.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConsoleLogUnknownTimeline(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	job := newDispatchJob("build", []string{"linux"})
	s.coordinator.Register(job)

	req := httptest.NewRequest(http.MethodPost,
		"/acme/app/_apis/v1/TimeLineWebConsoleLog/"+uuid.NewString()+"/"+uuid.NewString(),
		strings.NewReader(`{"lines":["hello"]}`))
	req.Header.Set("Authorization", "Bearer "+mintJobToken(t, job.ID))
	rec := s.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRootAndHealth(t *testing.T) {
	s := newTestStack(t, fakeSource{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "foremand")

	rec = s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
