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

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// pollBound caps a single long-poll so intermediaries do not kill
	// the connection first. Agents poll again immediately on a 204.
	defaultPollBound = 50 * time.Second
	// settleDelay spaces out the poll loop after a job finishes so the
	// completion fan-out settles before the agent asks for more work.
	defaultSettleDelay = 500 * time.Millisecond
)

// Coordinator matches queued jobs to long-polling agent sessions and
// turns agent results into completion events.
type Coordinator struct {
	logger   *slog.Logger
	registry *Registry
	queues   *QueueMap
	hub      *Hub

	pollBound   time.Duration
	settleDelay time.Duration

	// onEphemeralDone removes a run-once agent's registration after
	// its single job finishes.
	onEphemeralDone func(agentID uuid.UUID)
}

// NewCoordinator wires the dispatcher. Expired sessions hand their
// claimed job back through the registry hook.
func NewCoordinator(logger *slog.Logger, registry *Registry, queues *QueueMap, hub *Hub) *Coordinator {
	c := &Coordinator{
		logger:      logger,
		registry:    registry,
		queues:      queues,
		hub:         hub,
		pollBound:   defaultPollBound,
		settleDelay: defaultSettleDelay,
	}
	registry.OnSessionExpired(c.sessionExpired)
	return c
}

// OnEphemeralDone installs the hook that deregisters an ephemeral
// agent once its job completes.
func (c *Coordinator) OnEphemeralDone(fn func(agentID uuid.UUID)) {
	c.onEphemeralDone = fn
}

// SetPollBound overrides the long-poll cap. Zero keeps the default.
func (c *Coordinator) SetPollBound(d time.Duration) {
	if d > 0 {
		c.pollBound = d
	}
}

// SetSettleDelay overrides the post-completion settle pause.
func (c *Coordinator) SetSettleDelay(d time.Duration) {
	if d > 0 {
		c.settleDelay = d
	}
}

// Register adds a job to the registry without queuing it, for jobs
// whose terminal state the server synthesizes itself.
func (c *Coordinator) Register(job *Job) {
	c.registry.AddJob(job)
}

// Job looks up a registered job.
func (c *Coordinator) Job(id uuid.UUID) (*Job, error) {
	return c.registry.GetJob(id)
}

// Jobs lists registered jobs matching the filter.
func (c *Coordinator) Jobs(filter JobFilter) []*Job {
	return c.registry.ListJobs(filter)
}

// Enqueue makes a job available to agents. A job cancelled before it
// was ever queued completes immediately.
func (c *Coordinator) Enqueue(job *Job) {
	c.registry.AddJob(job)
	if job.CancelRequested() {
		c.Complete(job, ResultCanceled, nil)
		return
	}
	c.queues.Enqueue(job)
	c.logger.Info("job queued",
		slog.String("job_id", job.ID.String()),
		slog.String("repo", job.Repo),
		slog.Any("labels", job.Labels),
	)
}

// Complete records a terminal result and publishes the completion
// event. Only the first terminal result for a job is published.
func (c *Coordinator) Complete(job *Job, result Result, outputs map[string]string) {
	if job.Result().Terminal() {
		return
	}
	job.Finish(result, outputs)
	c.logger.Info("job completed",
		slog.String("job_id", job.ID.String()),
		slog.String("repo", job.Repo),
		slog.String("result", result.String()),
	)
	c.hub.Publish(&CompletionEvent{
		JobID:   job.ID,
		Result:  job.Result(),
		Outputs: job.Outputs(),
	})
}

// CancelJob requests cancellation. Jobs still in a queue complete as
// canceled right away; claimed jobs get a cancellation message on the
// agent's next poll.
func (c *Coordinator) CancelJob(id uuid.UUID) error {
	job, err := c.registry.GetJob(id)
	if err != nil {
		return err
	}
	job.Cancel()
	if c.queues.Remove(job) {
		c.Complete(job, ResultCanceled, nil)
	}
	return nil
}

// GetMessage serves one agent long-poll. It returns the next message
// for the session encrypted with the session key, or nil when the
// poll bound elapses with nothing to deliver.
func (c *Coordinator) GetMessage(ctx context.Context, sessionID uuid.UUID, apiURL string) (*Envelope, error) {
	sess, err := c.registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch()

	// The previous poll's message was never acknowledged if a drop arm
	// is still installed; fire it so the message is delivered again.
	sess.FireDrop()

	if job := sess.Job(); job != nil {
		return c.waitAssigned(ctx, sess, job)
	}
	return c.waitForJob(ctx, sess, apiURL)
}

func (c *Coordinator) waitForJob(ctx context.Context, sess *Session, apiURL string) (*Envelope, error) {
	timer := time.NewTimer(c.pollBound)
	defer timer.Stop()

	for {
		for {
			job := c.queues.TryTake(sess.Agent.Labels)
			if job == nil {
				break
			}
			if job.CancelRequested() {
				c.Complete(job, ResultCanceled, nil)
				continue
			}
			return c.deliver(sess, job, apiURL)
		}

		wake := c.queues.Wait()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (c *Coordinator) deliver(sess *Session, job *Job, apiURL string) (*Envelope, error) {
	if !job.Assign(sess.ID) {
		// Claimed by another session between take and assign; put it
		// back and report an empty poll.
		c.queues.Enqueue(job)
		return nil, nil
	}
	sess.SetJob(job)

	msg, err := job.Message.Build(job, apiURL)
	if err != nil {
		job.Unassign()
		sess.ClearJob()
		job.AppendError(err.Error())
		c.Complete(job, ResultFailed, nil)
		return nil, err
	}

	env, err := SealMessage(sess.Key, sess.NextMessageID(), MessageTypeJobRequest, msg)
	if err != nil {
		job.Unassign()
		sess.ClearJob()
		c.queues.Enqueue(job)
		return nil, err
	}

	// Until the agent acknowledges with DeleteMessage, the job goes
	// back on the queue if the session drops or polls afresh.
	sess.ArmDrop(func() {
		sess.ClearJob()
		job.Unassign()
		if !job.Result().Terminal() {
			c.queues.Enqueue(job)
		}
	})

	go c.watchTimeout(job)

	c.logger.Info("job dispatched",
		slog.String("job_id", job.ID.String()),
		slog.String("session_id", sess.ID.String()),
		slog.String("agent", sess.Agent.Name),
	)
	return env, nil
}

// watchTimeout enforces the job's execution deadline: first a
// cancellation request, then a synthesized terminal result if the
// agent does not wind down within the grace period.
func (c *Coordinator) watchTimeout(job *Job) {
	select {
	case <-job.Done():
		return
	case <-time.After(job.Timeout()):
	}

	c.logger.Warn("job deadline exceeded",
		slog.String("job_id", job.ID.String()),
		slog.Int("timeout_minutes", job.TimeoutMinutes),
	)
	job.Cancel()

	grace := time.Duration(job.CancelTimeoutMinutes) * time.Minute
	if grace <= 0 {
		grace = time.Duration(DefaultCancelTimeoutMinutes) * time.Minute
	}
	select {
	case <-job.Done():
	case <-time.After(grace):
		c.Complete(job, ResultCanceled, nil)
	}
}

func (c *Coordinator) waitAssigned(ctx context.Context, sess *Session, job *Job) (*Envelope, error) {
	if job.Result().Terminal() {
		return c.finishAssigned(sess, job)
	}

	timer := time.NewTimer(c.pollBound)
	defer timer.Stop()

	select {
	case <-job.Done():
		return c.finishAssigned(sess, job)
	case <-job.Cancelled():
		msg := &JobCancelMessage{
			JobID:          job.ID,
			TimeoutMinutes: job.CancelTimeoutMinutes,
		}
		return SealMessage(sess.Key, sess.NextMessageID(), MessageTypeJobCancel, msg)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) finishAssigned(sess *Session, job *Job) (*Envelope, error) {
	sess.ClearJob()

	if sess.Agent.Ephemeral {
		c.registry.DeleteSession(sess.ID)
		if c.onEphemeralDone != nil {
			c.onEphemeralDone(sess.Agent.ID)
		}
	}

	// Give the completion fan-out a moment before the agent's next
	// poll can claim a dependent job.
	time.Sleep(c.settleDelay)
	return nil, nil
}

// AckMessage acknowledges delivery of the session's in-flight message,
// disarming redelivery.
func (c *Coordinator) AckMessage(sessionID uuid.UUID, messageID int64) error {
	sess, err := c.registry.GetSession(sessionID)
	if err != nil {
		return err
	}
	sess.Touch()
	sess.DisarmDrop()
	return nil
}

func (c *Coordinator) sessionExpired(sess *Session) {
	if job := sess.Job(); job != nil && !job.Result().Terminal() {
		job.AppendError("agent session expired while the job was running")
		c.Complete(job, ResultAbandoned, nil)
	}
}
