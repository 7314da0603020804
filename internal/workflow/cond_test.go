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
	"testing"

	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/pkg/token"
)

func newCondition(deps map[string]dispatch.Result, runCancelled bool) *condition {
	return &condition{
		eval:         token.NewEvaluator(),
		deps:         deps,
		runCancelled: func() bool { return runCancelled },
	}
}

func TestConditionEvaluate(t *testing.T) {
	allGood := map[string]dispatch.Result{
		"build": dispatch.ResultSucceeded,
		"lint":  dispatch.ResultSkipped,
	}
	oneFailed := map[string]dispatch.Result{
		"build": dispatch.ResultFailed,
		"lint":  dispatch.ResultSucceeded,
	}
	oneCancelled := map[string]dispatch.Result{
		"build": dispatch.ResultCanceled,
	}

	tests := []struct {
		name         string
		expr         string
		deps         map[string]dispatch.Result
		runCancelled bool
		ctx          map[string]interface{}
		want         bool
	}{
		{name: "empty means success", expr: "", deps: allGood, want: true},
		{name: "empty with failed dep", expr: "", deps: oneFailed, want: false},
		{name: "skipped dep still succeeds", expr: "success()", deps: allGood, want: true},
		{name: "always runs after failure", expr: "always()", deps: oneFailed, want: true},
		{name: "failure detects failed dep", expr: "failure()", deps: oneFailed, want: true},
		{name: "failure with healthy deps", expr: "failure()", deps: allGood, want: false},
		{name: "named success", expr: `success("lint")`, deps: oneFailed, want: true},
		{name: "named failure", expr: `failure("build")`, deps: oneFailed, want: true},
		{name: "cancelled dep", expr: "cancelled()", deps: oneCancelled, want: true},
		{name: "cancelled run", expr: "cancelled()", deps: allGood, runCancelled: true, want: true},
		{name: "not cancelled", expr: "cancelled()", deps: allGood, want: false},
		{
			name: "plain expression gets success guard",
			expr: "github.ref == 'refs/heads/main'",
			deps: oneFailed,
			ctx: map[string]interface{}{
				"github": map[string]interface{}{"ref": "refs/heads/main"},
			},
			want: false,
		},
		{
			name: "plain expression with healthy deps",
			expr: "github.ref == 'refs/heads/main'",
			deps: allGood,
			ctx: map[string]interface{}{
				"github": map[string]interface{}{"ref": "refs/heads/main"},
			},
			want: true,
		},
		{
			name: "status function suppresses the guard",
			expr: "always() && github.ref == 'refs/heads/dev'",
			deps: oneFailed,
			ctx: map[string]interface{}{
				"github": map[string]interface{}{"ref": "refs/heads/dev"},
			},
			want: true,
		},
		{
			name: "wrapped in expression syntax",
			expr: "${{ always() }}",
			deps: oneFailed,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := newCondition(tt.deps, tt.runCancelled)
			ctx := tt.ctx
			if ctx == nil {
				ctx = map[string]interface{}{}
			}
			got, err := cond.Evaluate(tt.expr, ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestConditionUnknownJob(t *testing.T) {
	cond := newCondition(map[string]dispatch.Result{"build": dispatch.ResultSucceeded}, false)
	_, err := cond.Evaluate(`success("deploy")`, map[string]interface{}{})
	if err == nil {
		t.Fatal("Evaluate() error = nil, want unknown job error")
	}
}
