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
	"strings"

	"github.com/google/uuid"
)

// Result is the terminal outcome of a job or workflow run.
type Result int

const (
	// ResultNone means the job has not finished yet.
	ResultNone Result = iota
	// ResultSucceeded means the job completed successfully.
	ResultSucceeded
	// ResultSucceededWithIssues means the job completed with non-fatal
	// issues.
	ResultSucceededWithIssues
	// ResultFailed means the job failed.
	ResultFailed
	// ResultCanceled means the job was cancelled before completing.
	ResultCanceled
	// ResultSkipped means the job's condition evaluated to false.
	ResultSkipped
	// ResultAbandoned means the assigned agent disappeared without
	// reporting a result.
	ResultAbandoned
)

var resultNames = map[Result]string{
	ResultNone:                "pending",
	ResultSucceeded:           "succeeded",
	ResultSucceededWithIssues: "succeeded_with_issues",
	ResultFailed:              "failed",
	ResultCanceled:            "canceled",
	ResultSkipped:             "skipped",
	ResultAbandoned:           "abandoned",
}

// String returns the wire name of the result.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Terminal reports whether the result represents a finished job.
func (r Result) Terminal() bool {
	return r != ResultNone
}

// Success reports whether the result counts as a passing outcome when
// aggregating a workflow run. Skipped jobs pass.
func (r Result) Success() bool {
	switch r {
	case ResultSucceeded, ResultSucceededWithIssues, ResultSkipped:
		return true
	default:
		return false
	}
}

// MarshalJSON encodes the result as its wire name.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a result from its wire name.
func (r *Result) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseResult(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResult converts a wire name back to a Result.
func ParseResult(s string) (Result, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for r, name := range resultNames {
		if name == normalized {
			return r, nil
		}
	}
	// Accept the agent protocol's camel-case spellings.
	switch normalized {
	case "succeededwithissues":
		return ResultSucceededWithIssues, nil
	case "cancelled":
		return ResultCanceled, nil
	}
	return ResultNone, fmt.Errorf("unknown result %q", s)
}

// CompletionEvent is published when an agent reports a finished job or
// the server synthesizes a terminal result for one.
type CompletionEvent struct {
	JobID   uuid.UUID         `json:"jobId"`
	Result  Result            `json:"result"`
	Outputs map[string]string `json:"outputs,omitempty"`
}
