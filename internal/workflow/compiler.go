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

// Package workflow compiles workflow documents into live job graphs:
// trigger matching, needs resolution, matrix fan-out, conditional
// evaluation and reusable workflow composition, feeding concrete jobs
// to the dispatcher and consuming completion events back into the
// graph.
package workflow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/token"
)

// Capacity answers whether any registered agent covers a label set,
// so jobs nobody can run fail fast instead of queuing forever.
type Capacity interface {
	Covers(labels []string) bool
	// Available returns the label sets of registered agents, for
	// error messages.
	Available() []string
}

// FileResolver fetches workflow file content for reusable workflow
// references.
type FileResolver interface {
	Resolve(repo, ref, path string) ([]byte, error)
}

// JobView is the event payload published when a job's state changes.
type JobView struct {
	ID          uuid.UUID `json:"id,omitempty"`
	TimelineID  uuid.UUID `json:"timelineId,omitempty"`
	RunID       int64     `json:"runId"`
	Repo        string    `json:"repo"`
	Workflow    string    `json:"workflow"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	Result      string    `json:"result"`
	Errors      []string  `json:"errors,omitempty"`
}

// WorkflowView is the event payload published when a run's state
// changes.
type WorkflowView struct {
	RunID     int64  `json:"runId"`
	RunNumber int64  `json:"runNumber"`
	Repo      string `json:"repo"`
	Workflow  string `json:"workflow"`
	EventName string `json:"eventName"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
}

// EventSink receives job and workflow state events for streaming to
// watchers.
type EventSink interface {
	JobEvent(JobView)
	WorkflowEvent(WorkflowView)
}

// StatusUpdate is a best-effort external status-check notification.
type StatusUpdate struct {
	Repo     string
	Sha      string
	RunID    int64
	JobName  string
	Workflow string
	Result   dispatch.Result
}

// StatusNotifier delivers status updates to an external forge.
// Implementations must never block job progression.
type StatusNotifier interface {
	Notify(StatusUpdate)
}

// Compiler turns workflow documents plus trigger events into live
// runs. One compiler serves all repositories of a server instance.
type Compiler struct {
	logger      *slog.Logger
	eval        *token.Evaluator
	coordinator *dispatch.Coordinator
	hub         *dispatch.Hub
	counters    *Counters

	events   EventSink
	checks   StatusNotifier
	capacity Capacity
	files    FileResolver

	tokenSecret []byte
	platformMap map[string][]string

	runsMu sync.RWMutex
	runs   map[int64]*Run
}

// Options configures optional compiler collaborators.
type Options struct {
	Events      EventSink
	Checks      StatusNotifier
	Capacity    Capacity
	Files       FileResolver
	PlatformMap map[string][]string
}

// NewCompiler wires a compiler to the dispatcher.
func NewCompiler(logger *slog.Logger, coordinator *dispatch.Coordinator, hub *dispatch.Hub, tokenSecret []byte, opts Options) *Compiler {
	platform := make(map[string][]string, len(opts.PlatformMap))
	for k, v := range opts.PlatformMap {
		platform[strings.ToLower(k)] = v
	}
	return &Compiler{
		logger:      logger,
		eval:        token.NewEvaluator(),
		coordinator: coordinator,
		hub:         hub,
		counters:    NewCounters(),
		events:      opts.Events,
		checks:      opts.Checks,
		capacity:    opts.Capacity,
		files:       opts.Files,
		tokenSecret: tokenSecret,
		platformMap: platform,
		runs:        make(map[int64]*Run),
	}
}

// CompileInput is one trigger against one workflow file.
type CompileInput struct {
	Repo     string
	Path     string
	Ref      string
	Sha      string
	Document []byte

	Event *TriggerEvent
	// Payload is the raw webhook payload, exposed as github.event.
	Payload map[string]interface{}

	// SelectedJob prunes the graph to one job and its needs closure.
	SelectedJob string
	// ListMode reports the jobs that would run without running them.
	ListMode bool

	MatrixFilter    map[string][]string
	EnvOverrides    map[string]string
	SecretOverrides map[string]string
	// Secrets resolved for the repository, before overrides.
	Secrets map[string]string
}

// JobListing describes one job in list mode.
type JobListing struct {
	Name  string   `json:"name"`
	Needs []string `json:"needs,omitempty"`
}

// HookResponse reports the outcome of processing one trigger.
type HookResponse struct {
	RunID     int64        `json:"runId,omitempty"`
	RunNumber int64        `json:"runNumber,omitempty"`
	Skipped   bool         `json:"skipped"`
	Failed    bool         `json:"failed"`
	Errors    []string     `json:"errors,omitempty"`
	Jobs      []JobListing `json:"jobs,omitempty"`
}

func skippedResponse() *HookResponse {
	return &HookResponse{Skipped: true}
}

func failedResponse(err error) *HookResponse {
	return &HookResponse{Failed: true, Errors: []string{err.Error()}}
}

// Compile processes one trigger: parse, match, validate, build the
// graph and start the run. Authoring errors come back aggregated in
// the response; an unmatched trigger is a skip, not an error.
func (c *Compiler) Compile(in *CompileInput) *HookResponse {
	resp, _ := c.compile(in, nil)
	return resp
}

func (c *Compiler) compile(in *CompileInput, onFinished func(*Run)) (*HookResponse, *Run) {
	doc, err := token.Parse(in.Document)
	if err != nil {
		return failedResponse(err), nil
	}
	if _, merr := doc.AsMapping(); merr != nil {
		return failedResponse(&errors.ValidationError{
			Field:   "workflow",
			Message: "workflow document must be a mapping",
		}), nil
	}

	on := firstOf(doc, "on")
	matched, inputs, err := MatchTrigger(on, in.Event)
	if err != nil {
		return failedResponse(err), nil
	}
	if !matched {
		return skippedResponse(), nil
	}

	// schedule crons are validated on every compile so authoring
	// errors surface even when the trigger is a different event.
	if on.Kind() == token.KindMapping {
		if sched, ok := on.Get("schedule"); ok {
			if err := ValidateCrons(sched); err != nil {
				return failedResponse(err), nil
			}
		}
	}

	items, err := BuildGraph(firstOf(doc, "jobs"))
	if err != nil {
		return failedResponse(err), nil
	}
	if err := ResolveDependencies(items); err != nil {
		return failedResponse(err), nil
	}

	if in.SelectedJob != "" {
		items = PruneToJob(items, in.SelectedJob)
		if len(items) == 0 {
			return skippedResponse(), nil
		}
	}

	if in.ListMode {
		resp := &HookResponse{}
		for _, item := range items {
			resp.Jobs = append(resp.Jobs, JobListing{Name: item.Name, Needs: item.Needs})
		}
		return resp, nil
	}

	name := in.Path
	if nameTok, ok := doc.Get("name"); ok && !nameTok.IsNull() {
		name = nameTok.Scalar()
	}

	run := &Run{
		ID:           c.counters.NextRunID(in.Repo),
		Number:       c.counters.NextRunNumber(in.Repo, in.Path),
		Attempt:      1,
		Repo:         in.Repo,
		Path:         in.Path,
		Name:         name,
		EventName:    in.Event.Name,
		Ref:          in.Ref,
		Sha:          in.Sha,
		compiler:     c,
		logger:       c.logger,
		items:        items,
		byName:       make(map[string]*JobItem, len(items)),
		owner:        make(map[uuid.UUID]*JobItem),
		inputs:       inputs,
		secrets:      mergeStringMaps(in.Secrets, in.SecretOverrides),
		env:          mergeStringMaps(nil, in.EnvOverrides),
		matrixFilter: in.MatrixFilter,
		finished:     make(chan struct{}),
		onFinished:   onFinished,
	}
	for _, item := range items {
		run.byName[item.Name] = item
	}
	run.githubCtx = c.githubContext(in, run)

	c.runsMu.Lock()
	c.runs[run.ID] = run
	c.runsMu.Unlock()

	if c.events != nil {
		c.events.WorkflowEvent(WorkflowView{
			RunID:     run.ID,
			RunNumber: run.Number,
			Repo:      run.Repo,
			Workflow:  run.Name,
			EventName: run.EventName,
			Status:    "in_progress",
		})
	}

	c.logger.Info("workflow run started",
		slog.Int64("run_id", run.ID),
		slog.String("repo", run.Repo),
		slog.String("workflow", run.Name),
		slog.String("event", run.EventName),
	)

	run.Start()

	return &HookResponse{RunID: run.ID, RunNumber: run.Number}, run
}

func mergeStringMaps(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// githubContext assembles the github expression context for a run.
func (c *Compiler) githubContext(in *CompileInput, run *Run) map[string]interface{} {
	owner := in.Repo
	if idx := strings.IndexByte(in.Repo, '/'); idx > 0 {
		owner = in.Repo[:idx]
	}
	refName := in.Ref
	refName = strings.TrimPrefix(refName, "refs/heads/")
	refName = strings.TrimPrefix(refName, "refs/tags/")

	return map[string]interface{}{
		"repository":       in.Repo,
		"repository_owner": owner,
		"ref":              in.Ref,
		"ref_name":         refName,
		"sha":              in.Sha,
		"event_name":       in.Event.Name,
		"event":            in.Payload,
		"run_id":           run.ID,
		"run_number":       run.Number,
		"run_attempt":      run.Attempt,
		"workflow":         run.Name,
	}
}

// Run returns a live run by ID.
func (c *Compiler) Run(id int64) (*Run, error) {
	c.runsMu.RLock()
	defer c.runsMu.RUnlock()
	run, ok := c.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: fmt.Sprintf("%d", id)}
	}
	return run, nil
}

// Runs returns a snapshot of live runs.
func (c *Compiler) Runs() []*Run {
	c.runsMu.RLock()
	defer c.runsMu.RUnlock()
	out := make([]*Run, 0, len(c.runs))
	for _, r := range c.runs {
		out = append(out, r)
	}
	return out
}

// CancelRun cancels every job of a live run.
func (c *Compiler) CancelRun(id int64) error {
	run, err := c.Run(id)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// runFinished drops a run from the live table once its graph is fully
// evaluated.
func (c *Compiler) runFinished(run *Run) {
	c.runsMu.Lock()
	delete(c.runs, run.ID)
	c.runsMu.Unlock()
}

// startReusable compiles a referenced workflow as a nested
// workflow_call run. Local references have the form
// "./.github/workflows/name.yml"; cross-repository references are
// "owner/repo/path@ref".
func (c *Compiler) startReusable(parent *Run, ref string, inputs map[string]interface{}, secrets map[string]string, done func(dispatch.Result, map[string]string)) error {
	if c.files == nil {
		return &errors.ValidationError{
			Field:   "uses",
			Message: "reusable workflows are not configured on this server",
		}
	}

	repo, gitRef, path := parent.Repo, parent.Ref, strings.TrimPrefix(ref, "./")
	if !strings.HasPrefix(ref, "./") {
		spec := ref
		if at := strings.LastIndexByte(spec, '@'); at > 0 {
			gitRef = spec[at+1:]
			spec = spec[:at]
		}
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) != 3 {
			return &errors.ValidationError{
				Field:   "uses",
				Message: fmt.Sprintf("invalid workflow reference %q", ref),
			}
		}
		repo = parts[0] + "/" + parts[1]
		path = parts[2]
	}

	content, err := c.files.Resolve(repo, gitRef, path)
	if err != nil {
		return errors.Wrapf(err, "fetching reusable workflow %s", ref)
	}

	resp, _ := c.compile(&CompileInput{
		Repo:     repo,
		Path:     path,
		Ref:      parent.Ref,
		Sha:      parent.Sha,
		Document: content,
		Event: &TriggerEvent{
			Name:    "workflow_call",
			Inputs:  inputs,
			Secrets: secrets,
		},
		Payload: parent.eventPayload(),
		Secrets: secrets,
	}, func(finished *Run) {
		done(finished.Result(), c.reusableOutputs(content, finished, finished.collectOutputs()))
	})
	if resp.Failed {
		return errors.New(strings.Join(resp.Errors, ". "))
	}
	if resp.Skipped {
		return &errors.ValidationError{
			Field:   "uses",
			Message: fmt.Sprintf("workflow %q does not declare a workflow_call trigger", ref),
		}
	}
	return nil
}

// reusableOutputs evaluates the called workflow's declared
// workflow_call outputs against its finished jobs.
func (c *Compiler) reusableOutputs(content []byte, nested *Run, fallback map[string]string) map[string]string {
	if nested == nil {
		return fallback
	}
	doc, err := token.Parse(content)
	if err != nil {
		return fallback
	}
	on := firstOf(doc, "on")
	if on.IsNull() || on.Kind() != token.KindMapping {
		return fallback
	}
	call := firstOf(on, "workflow_call")
	if call.IsNull() {
		return fallback
	}
	declared := firstOf(call, "outputs")
	if declared.IsNull() {
		return fallback
	}

	jobsCtx := make(map[string]interface{}, len(nested.items))
	for _, item := range nested.items {
		jobsCtx[item.Name] = map[string]interface{}{
			"result":  contextResult(item.Status()),
			"outputs": item.outputs(),
		}
	}
	ctx := map[string]interface{}{"jobs": jobsCtx}

	out := make(map[string]string)
	declared.Each(func(key string, def *token.Token) {
		valueTok, ok := def.Get("value")
		if !ok {
			return
		}
		expanded, err := c.eval.ExpandString(valueTok.Scalar(), ctx)
		if err != nil {
			return
		}
		out[key] = expanded.Scalar()
	})
	return out
}
