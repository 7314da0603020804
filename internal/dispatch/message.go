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
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Agent message types.
const (
	MessageTypeJobRequest = "PipelineAgentJobRequest"
	MessageTypeJobCancel  = "JobCancellation"
)

// JobConnection tells the agent where to report progress and results.
type JobConnection struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// JobRequestMessage is the plaintext payload of a job dispatch
// message, encrypted into an Envelope before delivery.
type JobRequestMessage struct {
	JobID          uuid.UUID              `json:"jobId"`
	RequestID      int64                  `json:"requestId"`
	TimelineID     uuid.UUID              `json:"timelineId"`
	Name           string                 `json:"name"`
	DisplayName    string                 `json:"displayName"`
	Repo           string                 `json:"repo"`
	WorkflowName   string                 `json:"workflowName"`
	EventName      string                 `json:"eventName"`
	RunID          int64                  `json:"runId"`
	Attempt        int                    `json:"attempt"`
	TimeoutMinutes int                    `json:"timeoutMinutes"`
	Definition     map[string]interface{} `json:"definition"`
	Contexts       map[string]interface{} `json:"contexts,omitempty"`
	Secrets        map[string]string      `json:"secrets,omitempty"`
	System         JobConnection          `json:"system"`
}

// JobCancelMessage asks the agent to stop a running job within the
// grace period.
type JobCancelMessage struct {
	JobID          uuid.UUID `json:"jobId"`
	TimeoutMinutes int       `json:"timeoutMinutes"`
}

// MessageBuilder assembles the agent payload for a job at delivery
// time. Deferring the build means the callback token inside is minted
// for the session that actually claims the job, with an expiry scoped
// to the job's own timeout.
type MessageBuilder struct {
	// Definition is the compiled job body (steps, env, defaults) as
	// plain Go values.
	Definition map[string]interface{}
	// Contexts carries the expression contexts the agent needs to
	// finish template evaluation step by step (github, matrix, needs,
	// inputs).
	Contexts map[string]interface{}
	// Secrets are the resolved secrets granted to the job.
	Secrets map[string]string
	// TokenSecret signs the job-scoped callback JWT.
	TokenSecret []byte
}

// Build produces the plaintext job request message for the given job,
// pointed at the API base URL the agent reached the server on.
func (b *MessageBuilder) Build(job *Job, apiURL string) (*JobRequestMessage, error) {
	token, err := b.mintToken(job)
	if err != nil {
		return nil, err
	}
	return &JobRequestMessage{
		JobID:          job.ID,
		RequestID:      job.RequestID,
		TimelineID:     job.TimelineID,
		Name:           job.Name,
		DisplayName:    job.DisplayName,
		Repo:           job.Repo,
		WorkflowName:   job.WorkflowName,
		EventName:      job.EventName,
		RunID:          job.RunID,
		Attempt:        job.Attempt,
		TimeoutMinutes: job.TimeoutMinutes,
		Definition:     b.Definition,
		Contexts:       b.Contexts,
		Secrets:        b.Secrets,
		System: JobConnection{
			URL:   apiURL,
			Token: token,
		},
	}, nil
}

// mintToken creates the job-scoped bearer token the agent sends back
// on result and log endpoints. It expires with the job's timeout.
func (b *MessageBuilder) mintToken(job *Job) (string, error) {
	if len(b.TokenSecret) == 0 {
		return "", fmt.Errorf("message builder has no token secret")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "agent-job",
		"job": job.ID.String(),
		"run": job.RunID,
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(job.Timeout()).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(b.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("signing job token: %w", err)
	}
	return signed, nil
}

// VerifyJobToken validates a job-scoped token and returns the job ID
// it was minted for.
func VerifyJobToken(secret []byte, tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid job token claims")
	}
	jobClaim, ok := claims["job"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("job token missing job claim")
	}
	jobID, err := uuid.Parse(jobClaim)
	if err != nil {
		return uuid.Nil, fmt.Errorf("job token has malformed job claim: %w", err)
	}
	return jobID, nil
}

// SealMessage encrypts an arbitrary message payload for a session.
func SealMessage(key []byte, messageID int64, messageType string, payload interface{}) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling message body: %w", err)
	}
	return Seal(key, messageID, messageType, body)
}
