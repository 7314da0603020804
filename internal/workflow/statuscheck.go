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
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tombee/foreman/internal/dispatch"
)

// CommitStatusNotifier posts commit statuses back to the forge that
// delivered the trigger. Posting is strictly best effort: a full
// queue drops the update and a failed POST is only logged, so status
// delivery can never stall job progression.
type CommitStatusNotifier struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	token   string

	queue chan StatusUpdate
	done  chan struct{}
}

// NewCommitStatusNotifier starts the posting worker. baseURL is the
// forge API root, e.g. "https://gitea.example.com/api/v1".
func NewCommitStatusNotifier(logger *slog.Logger, client *http.Client, baseURL, token string) *CommitStatusNotifier {
	n := &CommitStatusNotifier{
		logger:  logger,
		client:  client,
		baseURL: baseURL,
		token:   token,
		queue:   make(chan StatusUpdate, 256),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify enqueues a status update without blocking.
func (n *CommitStatusNotifier) Notify(update StatusUpdate) {
	if update.Sha == "" {
		return
	}
	select {
	case n.queue <- update:
	default:
		n.logger.Warn("status queue full, dropping update",
			slog.String("repo", update.Repo),
			slog.String("sha", update.Sha),
		)
	}
}

// Close stops the worker after the queue drains.
func (n *CommitStatusNotifier) Close() {
	close(n.queue)
	<-n.done
}

func (n *CommitStatusNotifier) run() {
	defer close(n.done)
	for update := range n.queue {
		n.post(update)
	}
}

type commitStatus struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description"`
}

func (n *CommitStatusNotifier) post(update StatusUpdate) {
	payload, err := json.Marshal(commitStatus{
		State:       forgeState(update.Result),
		Context:     fmt.Sprintf("%s / %s", update.Workflow, update.JobName),
		Description: update.Result.String(),
	})
	if err != nil {
		return
	}

	endpoint := fmt.Sprintf("%s/repos/%s/statuses/%s",
		n.baseURL, update.Repo, url.PathEscape(update.Sha))
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("building status request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "token "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("posting commit status",
			slog.String("repo", update.Repo),
			slog.String("sha", update.Sha),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("commit status rejected",
			slog.String("repo", update.Repo),
			slog.String("sha", update.Sha),
			slog.Int("status", resp.StatusCode),
		)
	}
}

// forgeState maps a job result to the forge's commit status states.
func forgeState(r dispatch.Result) string {
	switch r {
	case dispatch.ResultSucceeded, dispatch.ResultSucceededWithIssues, dispatch.ResultSkipped:
		return "success"
	case dispatch.ResultCanceled, dispatch.ResultAbandoned:
		return "error"
	default:
		return "failure"
	}
}
