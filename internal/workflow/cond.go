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
	"regexp"

	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/pkg/token"
)

// statusFuncPattern detects use of a job-status function, which
// suppresses the implicit success() guard.
var statusFuncPattern = regexp.MustCompile(`\b(always|success|failure|cancelled)\s*\(`)

// condition evaluates a job's if: expression against its resolved
// dependencies.
type condition struct {
	eval *token.Evaluator
	// deps are the job's direct dependencies' terminal results by
	// job name.
	deps map[string]dispatch.Result
	// runCancelled reports whether the whole run was cancelled.
	runCancelled func() bool
}

// Evaluate applies the condition rules: the expression is unwrapped
// from ${{ }}, an expression without any status function is guarded
// with success(), and an empty expression means plain success().
func (c *condition) Evaluate(expr string, ctx map[string]interface{}) (bool, error) {
	expr = token.StripExpression(expr)
	if expr == "" {
		expr = "success()"
	} else if !statusFuncPattern.MatchString(expr) {
		expr = fmt.Sprintf("success() && (%s)", expr)
	}

	merged := make(map[string]interface{}, len(ctx)+4)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["always"] = c.alwaysFunc
	merged["success"] = c.successFunc
	merged["failure"] = c.failureFunc
	merged["cancelled"] = c.cancelledFunc

	return c.eval.EvalBool(expr, merged)
}

func (c *condition) alwaysFunc(args ...interface{}) (interface{}, error) {
	return true, nil
}

// successFunc reports whether every direct dependency succeeded, or
// with job-name arguments, whether each named job succeeded.
func (c *condition) successFunc(args ...interface{}) (interface{}, error) {
	results, err := c.selectResults("success", args)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if !r.Success() {
			return false, nil
		}
	}
	return true, nil
}

// failureFunc reports whether any direct dependency failed, or with
// job-name arguments, whether any named job failed.
func (c *condition) failureFunc(args ...interface{}) (interface{}, error) {
	results, err := c.selectResults("failure", args)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r == dispatch.ResultFailed {
			return true, nil
		}
	}
	return false, nil
}

func (c *condition) cancelledFunc(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		if c.runCancelled != nil && c.runCancelled() {
			return true, nil
		}
		for _, r := range c.deps {
			if r == dispatch.ResultCanceled {
				return true, nil
			}
		}
		return false, nil
	}
	results, err := c.selectResults("cancelled", args)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r == dispatch.ResultCanceled {
			return true, nil
		}
	}
	return false, nil
}

// selectResults resolves the status-function arguments to dependency
// results: no arguments means all direct dependencies, string
// arguments name specific jobs.
func (c *condition) selectResults(fn string, args []interface{}) ([]dispatch.Result, error) {
	if len(args) == 0 {
		out := make([]dispatch.Result, 0, len(c.deps))
		for _, r := range c.deps {
			out = append(out, r)
		}
		return out, nil
	}
	out := make([]dispatch.Result, 0, len(args))
	for _, arg := range args {
		name, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("%s() arguments must be job names, got %T", fn, arg)
		}
		r, ok := c.deps[name]
		if !ok {
			return nil, fmt.Errorf("%s() references unknown job %q", fn, name)
		}
		out = append(out, r)
	}
	return out, nil
}
