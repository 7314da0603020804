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

package workflow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/pkg/token"
)

// Run is one live workflow run: the job dependency graph for a single
// trigger, alive until every item has a terminal state. Runs are never
// persisted; a restart loses them.
type Run struct {
	ID        int64
	Number    int64
	Attempt   int
	Repo      string
	Path      string
	Name      string
	EventName string
	Ref       string
	Sha       string

	compiler *Compiler
	logger   *slog.Logger

	items  []*JobItem
	byName map[string]*JobItem
	owner  map[uuid.UUID]*JobItem

	githubCtx    map[string]interface{}
	inputs       map[string]interface{}
	secrets      map[string]string
	env          map[string]string
	matrixFilter map[string][]string

	// Completion events from the hub are queued and replayed by a
	// single-flight drain so graph mutation is serialized per run.
	drainMu   sync.Mutex
	pendingMu sync.Mutex
	pending   []*dispatch.CompletionEvent

	unsubscribe func()
	cancelled   atomic.Bool

	finishedOnce sync.Once
	finished     chan struct{}
	result       dispatch.Result

	// onFinished, when set, receives the finished run in addition to
	// the global workflow event. Reusable-workflow callers use it as
	// their completion continuation.
	onFinished func(run *Run)
}

// Finished returns a channel closed when the run reaches a terminal
// state.
func (r *Run) Finished() <-chan struct{} {
	return r.finished
}

// Result returns the aggregate run result, valid after Finished.
func (r *Run) Result() dispatch.Result {
	return r.result
}

// PendingJobs lists graph items whose needs closure has not resolved
// yet, so no concrete job exists for them.
func (r *Run) PendingJobs() []JobListing {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	var out []JobListing
	for _, item := range r.items {
		if !item.evaluated {
			out = append(out, JobListing{Name: item.Name, Needs: item.Needs})
		}
	}
	return out
}

// Cancel requests cancellation of every job in the run. Unclaimed jobs
// complete as canceled immediately; claimed jobs are notified through
// their agents.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
	for _, item := range r.items {
		for _, job := range item.childs {
			_ = r.compiler.coordinator.CancelJob(job.ID)
		}
	}
}

// Start subscribes the run to completion events and performs the
// kickoff evaluation: every item with no outstanding needs is
// evaluated while the drain lock is held, so a storm of completions
// arriving mid-kickoff queues up and replays afterwards instead of
// interleaving.
func (r *Run) Start() {
	r.unsubscribe = r.compiler.hub.Subscribe(r.enqueueCompletion)

	r.drainMu.Lock()
	for _, item := range r.items {
		if len(item.outstanding) == 0 && !item.evaluated {
			r.evaluate(item)
		}
	}
	r.drainLocked()
	r.drainMu.Unlock()
	r.drainIfPending()
}

func (r *Run) enqueueCompletion(ev *dispatch.CompletionEvent) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, ev)
	r.pendingMu.Unlock()
	r.drainIfPending()
}

// drainIfPending is the single-flight drain: the caller that wins the
// try-lock replays all queued events; losers just leave their event in
// the queue. The loop re-checks after unlocking so an event enqueued
// during release is not stranded.
func (r *Run) drainIfPending() {
	for {
		r.pendingMu.Lock()
		n := len(r.pending)
		r.pendingMu.Unlock()
		if n == 0 {
			return
		}
		if !r.drainMu.TryLock() {
			return
		}
		r.drainLocked()
		r.drainMu.Unlock()
	}
}

func (r *Run) drainLocked() {
	for {
		r.pendingMu.Lock()
		if len(r.pending) == 0 {
			r.pendingMu.Unlock()
			return
		}
		ev := r.pending[0]
		r.pending = r.pending[1:]
		r.pendingMu.Unlock()
		r.process(ev)
	}
}

// process applies one completion event to the graph. Runs only under
// the drain lock.
func (r *Run) process(ev *dispatch.CompletionEvent) {
	item, ok := r.owner[ev.JobID]
	if !ok {
		return
	}

	job, err := r.compiler.coordinator.Job(ev.JobID)
	if err != nil {
		return
	}

	if !item.NoStatusCheck && r.compiler.checks != nil {
		r.compiler.checks.Notify(StatusUpdate{
			Repo:     r.Repo,
			Sha:      r.Sha,
			RunID:    r.ID,
			JobName:  job.DisplayName,
			Workflow: r.Name,
			Result:   ev.Result,
		})
	}

	r.publishJobEvent(item, job)

	if item.sched != nil {
		item.sched.childFinished(job)
	}

	if item.allChildrenTerminal() {
		r.itemFinished(item)
	}
}

func (j *JobItem) allChildrenTerminal() bool {
	if len(j.childs) == 0 {
		return j.completed
	}
	for _, c := range j.childs {
		if !c.Result().Terminal() {
			return false
		}
	}
	return true
}

// itemFinished marks an item terminal and propagates the result to
// dependents, evaluating any whose needs closure just completed.
func (r *Run) itemFinished(item *JobItem) {
	if item.completed {
		r.checkRunFinished()
		return
	}
	item.completed = true
	status := item.Status()

	r.logger.Info("job finished",
		slog.Int64("run_id", r.ID),
		slog.String("job_id", item.Name),
		slog.String("result", status.String()),
	)

	for _, other := range r.items {
		if !containsName(other.Needs, item.Name) {
			continue
		}
		other.depResults[item.Name] = status
		other.needsCtx[item.Name] = map[string]interface{}{
			"result":  contextResult(status),
			"outputs": item.outputs(),
		}
		delete(other.outstanding, item.Name)
		if len(other.outstanding) == 0 && !other.evaluated {
			r.evaluate(other)
		}
	}

	r.checkRunFinished()
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// contextResult maps a terminal result to the value dependents see as
// needs.<name>.result.
func contextResult(r dispatch.Result) string {
	switch r {
	case dispatch.ResultSucceeded, dispatch.ResultSucceededWithIssues:
		return "success"
	case dispatch.ResultCanceled:
		return "cancelled"
	case dispatch.ResultSkipped:
		return "skipped"
	default:
		return "failure"
	}
}

// outputs merges child outputs; later matrix children win key
// conflicts.
func (j *JobItem) outputs() map[string]interface{} {
	out := make(map[string]interface{})
	for _, c := range j.childs {
		for k, v := range c.Outputs() {
			out[k] = v
		}
	}
	return out
}

func (r *Run) checkRunFinished() {
	for _, item := range r.items {
		if !item.completed {
			return
		}
	}

	success := true
	for _, item := range r.items {
		if !item.Status().Success() {
			success = false
			break
		}
	}

	r.finishedOnce.Do(func() {
		if r.cancelled.Load() && !success {
			r.result = dispatch.ResultCanceled
		} else if success {
			r.result = dispatch.ResultSucceeded
		} else {
			r.result = dispatch.ResultFailed
		}

		if r.unsubscribe != nil {
			r.unsubscribe()
		}

		r.logger.Info("workflow finished",
			slog.Int64("run_id", r.ID),
			slog.String("repo", r.Repo),
			slog.String("workflow", r.Name),
			slog.String("result", r.result.String()),
		)

		if r.compiler.events != nil {
			r.compiler.events.WorkflowEvent(WorkflowView{
				RunID:     r.ID,
				RunNumber: r.Number,
				Repo:      r.Repo,
				Workflow:  r.Name,
				EventName: r.EventName,
				Status:    "completed",
				Result:    r.result.String(),
			})
		}
		if r.onFinished != nil {
			r.onFinished(r)
		}

		r.compiler.runFinished(r)
		close(r.finished)
	})
}

func (r *Run) collectOutputs() map[string]string {
	out := make(map[string]string)
	for _, item := range r.items {
		for k, v := range item.outputs() {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// exprContext assembles the expression context for an item, with the
// per-instantiation values merged in when expanding a matrix child.
func (r *Run) exprContext(item *JobItem, extra map[string]interface{}) map[string]interface{} {
	ctx := map[string]interface{}{
		"github":  r.githubCtx,
		"inputs":  r.inputs,
		"needs":   item.needsCtx,
		"secrets": stringMapToAny(r.secrets),
		"env":     stringMapToAny(r.env),
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}

func (r *Run) eventPayload() map[string]interface{} {
	payload, _ := r.githubCtx["event"].(map[string]interface{})
	return payload
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// evaluate runs an item's once-only evaluation: condition check, then
// matrix fan-out and child dispatch, or an immediate skip. Runs only
// under the drain lock.
func (r *Run) evaluate(item *JobItem) {
	item.evaluated = true

	if uses, ok := item.Def.Get("uses"); ok && !uses.IsNull() {
		r.evaluateReusable(item, uses)
		return
	}

	cond := &condition{
		eval:         r.compiler.eval,
		deps:         item.depResults,
		runCancelled: r.cancelled.Load,
	}
	ifExpr := ""
	if ifTok, ok := item.Def.Get("if"); ok && !ifTok.IsNull() {
		ifExpr = ifTok.Scalar()
	}
	proceed, err := cond.Evaluate(ifExpr, r.exprContext(item, nil))
	if err != nil {
		r.failItem(item, fmt.Sprintf("evaluating the if condition: %s", err.Error()))
		return
	}
	if !proceed {
		item.status = dispatch.ResultSkipped
		r.publishItemSkipped(item)
		r.itemFinished(item)
		return
	}

	strategyTok := firstOf(item.Def, "strategy")
	if strategyTok != nil && !strategyTok.IsNull() {
		expanded, err := r.compiler.eval.ExpandToken(strategyTok, r.exprContext(item, nil))
		if err != nil {
			r.failItem(item, fmt.Sprintf("evaluating strategy: %s", err.Error()))
			return
		}
		strategyTok = expanded
	}
	strategy, err := ExpandMatrix(strategyTok, r.matrixFilter)
	if err != nil {
		r.failItem(item, err.Error())
		return
	}

	if coe, ok := item.Def.Get("continue-on-error"); ok {
		if b, err := coe.AsBool(); err == nil {
			item.continueOnError = b
		}
	}

	jobTotal := len(strategy.Entries)
	childs := make([]*dispatch.Job, 0, jobTotal)
	for i, entry := range strategy.Entries {
		job, err := r.instantiate(item, entry, i, jobTotal)
		if err != nil {
			r.failItem(item, err.Error())
			return
		}
		childs = append(childs, job)
	}
	item.childs = childs
	// Ownership covers never-dispatched children too, so fail-fast
	// cancellations route back to this item.
	for _, job := range childs {
		r.owner[job.ID] = item
	}

	item.sched = &matrixScheduler{
		run:         r,
		item:        item,
		failFast:    strategy.FailFast,
		maxParallel: strategy.MaxParallel,
		pending:     append([]*dispatch.Job(nil), childs...),
	}
	item.sched.dispatchNext()
}

// failItem synthesizes a failed single job for an item whose
// evaluation errored, so dependents and listings see a normal failure.
func (r *Run) failItem(item *JobItem, msg string) {
	r.logger.Warn("job evaluation failed",
		slog.Int64("run_id", r.ID),
		slog.String("job_id", item.Name),
		slog.String("error", msg),
	)
	item.status = dispatch.ResultFailed
	job := r.newChildJob(item, item.Name)
	job.AppendError(msg)
	item.childs = []*dispatch.Job{job}
	r.owner[job.ID] = item
	r.compiler.coordinator.Register(job)
	r.compiler.coordinator.Complete(job, dispatch.ResultFailed, nil)
}

func (r *Run) publishItemSkipped(item *JobItem) {
	if r.compiler.events == nil {
		return
	}
	r.compiler.events.JobEvent(JobView{
		RunID:       r.ID,
		Repo:        r.Repo,
		Workflow:    r.Name,
		Name:        item.Name,
		DisplayName: item.Name,
		Result:      dispatch.ResultSkipped.String(),
	})
}

func (r *Run) publishJobEvent(item *JobItem, job *dispatch.Job) {
	if r.compiler.events == nil {
		return
	}
	r.compiler.events.JobEvent(JobView{
		ID:          job.ID,
		TimelineID:  job.TimelineID,
		RunID:       r.ID,
		Repo:        r.Repo,
		Workflow:    r.Name,
		Name:        item.Name,
		DisplayName: job.DisplayName,
		Result:      job.Result().String(),
		Errors:      job.Errors(),
	})
}

func (r *Run) newChildJob(item *JobItem, displayName string) *dispatch.Job {
	job := dispatch.NewJob(item.Name, nil)
	job.DisplayName = displayName
	job.RequestID = r.compiler.counters.NextRequestID()
	job.Repo = r.Repo
	job.WorkflowName = r.Name
	job.WorkflowPath = r.Path
	job.EventName = r.EventName
	job.RunID = r.ID
	job.Attempt = r.Attempt
	return job
}

// instantiate builds one concrete dispatch job for a matrix entry.
func (r *Run) instantiate(item *JobItem, entry *token.Token, index, total int) (*dispatch.Job, error) {
	matrixCtx := entry.ToGo()
	strategyCtx := map[string]interface{}{
		"job-index": index,
		"job-total": total,
	}
	extra := map[string]interface{}{
		"matrix":   matrixCtx,
		"strategy": strategyCtx,
	}
	ctx := r.exprContext(item, extra)

	displayName := item.Name
	if nameTok, ok := item.Def.Get("name"); ok && !nameTok.IsNull() {
		expanded, err := r.compiler.eval.ExpandString(nameTok.Scalar(), ctx)
		if err != nil {
			return nil, fmt.Errorf("evaluating jobs.%s.name: %w", item.Name, err)
		}
		displayName = expanded.Scalar()
	} else if suffix := MatrixName(entry); suffix != "" {
		displayName = item.Name + " " + suffix
	}

	job := r.newChildJob(item, displayName)

	labels, err := r.resolveRunsOn(item, ctx)
	if err != nil {
		return nil, err
	}
	job.Labels = labels

	if t, ok := item.Def.Get("timeout-minutes"); ok {
		if n, err := t.AsNumber(); err == nil && n > 0 {
			job.TimeoutMinutes = int(n)
		}
	}
	if t, ok := item.Def.Get("cancel-timeout-minutes"); ok {
		if n, err := t.AsNumber(); err == nil && n > 0 {
			job.CancelTimeoutMinutes = int(n)
		}
	}
	if coe, ok := item.Def.Get("continue-on-error"); ok {
		if expanded, err := r.compiler.eval.ExpandToken(coe, ctx); err == nil {
			if b, err := expanded.AsBool(); err == nil {
				job.ContinueOnError = b
			}
		}
	}

	definition, err := r.compiler.eval.ExpandToken(item.Def, ctx)
	if err != nil {
		return nil, fmt.Errorf("expanding jobs.%s: %w", item.Name, err)
	}
	defGo, _ := definition.ToGo().(map[string]interface{})

	job.Message = &dispatch.MessageBuilder{
		Definition: defGo,
		Contexts: map[string]interface{}{
			"github":   r.githubCtx,
			"inputs":   r.inputs,
			"needs":    item.needsCtx,
			"matrix":   matrixCtx,
			"strategy": strategyCtx,
		},
		Secrets:     r.secrets,
		TokenSecret: r.compiler.tokenSecret,
	}
	return job, nil
}

// resolveRunsOn expands the runs-on value and applies platform
// overrides mapping well-known platform names to local label sets.
func (r *Run) resolveRunsOn(item *JobItem, ctx map[string]interface{}) ([]string, error) {
	runsOn, ok := item.Def.Get("runs-on")
	if !ok || runsOn.IsNull() {
		return nil, fmt.Errorf("jobs.%s has no runs-on", item.Name)
	}
	expanded, err := r.compiler.eval.ExpandToken(runsOn, ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluating jobs.%s.runs-on: %w", item.Name, err)
	}

	var labels []string
	switch expanded.Kind() {
	case token.KindString:
		labels = []string{expanded.Scalar()}
	case token.KindSequence:
		items, _ := expanded.AsSequence()
		for _, l := range items {
			labels = append(labels, l.Scalar())
		}
	default:
		return nil, fmt.Errorf("jobs.%s.runs-on must be a label or a list of labels", item.Name)
	}

	labels = dispatch.NormalizeLabels(labels)
	if len(labels) == 1 {
		if mapped, ok := r.compiler.platformMap[labels[0]]; ok {
			labels = dispatch.NormalizeLabels(mapped)
		}
	}
	return labels, nil
}

// matrixScheduler enforces fail-fast and max-parallel across one
// item's matrix children. All methods run under the run's drain lock.
type matrixScheduler struct {
	run         *Run
	item        *JobItem
	failFast    bool
	maxParallel int
	pending     []*dispatch.Job
	active      int
	cancelled   bool
}

func (s *matrixScheduler) dispatchNext() {
	for !s.cancelled && len(s.pending) > 0 && (s.maxParallel == 0 || s.active < s.maxParallel) {
		job := s.pending[0]
		s.pending = s.pending[1:]
		s.active++
		s.run.dispatchChild(s.item, job)
	}
}

// childFinished records a child's terminal result and either cancels
// the remaining siblings (fail-fast) or dispatches the next pending
// one.
func (s *matrixScheduler) childFinished(job *dispatch.Job) {
	if !s.owns(job) {
		return
	}
	if s.active > 0 {
		s.active--
	}

	result := job.Result()
	failed := result == dispatch.ResultFailed ||
		result == dispatch.ResultCanceled ||
		result == dispatch.ResultAbandoned
	if s.failFast && failed && !job.ContinueOnError {
		s.cancelAll()
		return
	}
	s.dispatchNext()
}

func (s *matrixScheduler) owns(job *dispatch.Job) bool {
	for _, c := range s.item.childs {
		if c == job {
			return true
		}
	}
	return false
}

// cancelAll drains never-dispatched siblings as canceled and requests
// cancellation of dispatched ones. A sibling claimed by an agent in
// this window reports its own outcome; the agent is authoritative once
// it holds the job.
func (s *matrixScheduler) cancelAll() {
	if s.cancelled {
		return
	}
	s.cancelled = true

	drained := s.pending
	s.pending = nil
	for _, job := range drained {
		job.Cancel()
		s.run.compiler.coordinator.Register(job)
		s.run.compiler.coordinator.Complete(job, dispatch.ResultCanceled, nil)
	}

	for _, job := range s.item.childs {
		if job.Result().Terminal() {
			continue
		}
		_ = s.run.compiler.coordinator.CancelJob(job.ID)
	}
}

// dispatchChild performs the capacity check and hands the job to the
// dispatcher. A label set no registered agent covers fails the job
// immediately instead of queuing it forever.
func (r *Run) dispatchChild(item *JobItem, job *dispatch.Job) {
	if r.compiler.capacity != nil && !r.compiler.capacity.Covers(job.Labels) {
		available := strings.Join(r.compiler.capacity.Available(), "], [")
		if available == "" {
			available = "none"
		} else {
			available = "[" + available + "]"
		}
		job.AppendError(fmt.Sprintf(
			"No runner is registered for the requested runs-on labels: [%s]. Available label sets: %s",
			strings.Join(job.Labels, ", "), available,
		))
		r.compiler.coordinator.Register(job)
		r.compiler.coordinator.Complete(job, dispatch.ResultFailed, nil)
		return
	}

	r.compiler.coordinator.Enqueue(job)
}

// evaluateReusable compiles and starts a nested workflow for a
// jobs.<name>.uses reference, wiring its completion back into this
// graph through a continuation instead of the global workflow event.
func (r *Run) evaluateReusable(item *JobItem, uses *token.Token) {
	ref, err := uses.AsString()
	if err != nil {
		r.failItem(item, fmt.Sprintf("jobs.%s.uses must be a workflow reference", item.Name))
		return
	}

	item.NoStatusCheck = true

	cond := &condition{
		eval:         r.compiler.eval,
		deps:         item.depResults,
		runCancelled: r.cancelled.Load,
	}
	ifExpr := ""
	if ifTok, ok := item.Def.Get("if"); ok && !ifTok.IsNull() {
		ifExpr = ifTok.Scalar()
	}
	proceed, err := cond.Evaluate(ifExpr, r.exprContext(item, nil))
	if err != nil {
		r.failItem(item, fmt.Sprintf("evaluating the if condition: %s", err.Error()))
		return
	}
	if !proceed {
		item.status = dispatch.ResultSkipped
		r.publishItemSkipped(item)
		r.itemFinished(item)
		return
	}

	inputs := make(map[string]interface{})
	if with, ok := item.Def.Get("with"); ok && !with.IsNull() {
		expanded, err := r.compiler.eval.ExpandToken(with, r.exprContext(item, nil))
		if err != nil {
			r.failItem(item, fmt.Sprintf("evaluating jobs.%s.with: %s", item.Name, err.Error()))
			return
		}
		if m, ok := expanded.ToGo().(map[string]interface{}); ok {
			inputs = m
		}
	}

	secrets := make(map[string]string)
	if secTok, ok := item.Def.Get("secrets"); ok && !secTok.IsNull() {
		if s, err := secTok.AsString(); err == nil && s == "inherit" {
			secrets = r.secrets
		} else if expanded, err := r.compiler.eval.ExpandToken(secTok, r.exprContext(item, nil)); err == nil {
			expanded.Each(func(key string, val *token.Token) {
				secrets[key] = val.Scalar()
			})
		}
	}

	// The synthetic child carries the nested run's aggregate result in
	// this graph and is never queued to an agent.
	child := r.newChildJob(item, item.Name+" / "+ref)
	item.childs = []*dispatch.Job{child}
	r.owner[child.ID] = item
	r.compiler.coordinator.Register(child)

	err = r.compiler.startReusable(r, ref, inputs, secrets, func(result dispatch.Result, outputs map[string]string) {
		r.compiler.coordinator.Complete(child, result, outputs)
	})
	if err != nil {
		child.AppendError(err.Error())
		r.compiler.coordinator.Complete(child, dispatch.ResultFailed, nil)
	}
}
