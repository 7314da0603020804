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

package token

import (
	"testing"
)

func testCtx() map[string]interface{} {
	return map[string]interface{}{
		"github": map[string]interface{}{
			"ref":        "refs/heads/main",
			"event_name": "push",
		},
		"matrix": map[string]interface{}{
			"os":   "ubuntu-22.04",
			"node": float64(20),
		},
		"inputs": map[string]interface{}{
			"deploy": true,
		},
	}
}

func TestStripExpression(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"${{ github.ref }}", "github.ref"},
		{"  ${{matrix.os}}  ", "matrix.os"},
		{"plain text", "plain text"},
		{"${{ a }} and ${{ b }}", "${{ a }} and ${{ b }}"},
		{"prefix ${{ a }}", "prefix ${{ a }}"},
	}
	for _, tt := range tests {
		if got := StripExpression(tt.in); got != tt.want {
			t.Errorf("StripExpression(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandStringSingleExpression(t *testing.T) {
	e := NewEvaluator()

	tok, err := e.ExpandString("${{ matrix.node }}", testCtx())
	if err != nil {
		t.Fatalf("ExpandString: %v", err)
	}
	if tok.Kind() != KindNumber {
		t.Fatalf("kind = %s, want number", tok.Kind())
	}
	if n, _ := tok.AsNumber(); n != 20 {
		t.Errorf("value = %v, want 20", n)
	}

	tok, err = e.ExpandString("${{ inputs.deploy }}", testCtx())
	if err != nil {
		t.Fatalf("ExpandString: %v", err)
	}
	if tok.Kind() != KindBool {
		t.Errorf("kind = %s, want boolean", tok.Kind())
	}
}

func TestExpandStringInterpolation(t *testing.T) {
	e := NewEvaluator()
	tok, err := e.ExpandString("build-${{ matrix.os }}-node${{ matrix.node }}", testCtx())
	if err != nil {
		t.Fatalf("ExpandString: %v", err)
	}
	s, err := tok.AsString()
	if err != nil {
		t.Fatalf("AsString: %v", err)
	}
	if s != "build-ubuntu-22.04-node20" {
		t.Errorf("expanded = %q", s)
	}
}

func TestExpandToken(t *testing.T) {
	e := NewEvaluator()
	doc := []byte(`
name: job-${{ matrix.os }}
env:
  NODE: ${{ matrix.node }}
`)
	root, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	expanded, err := e.ExpandToken(root, testCtx())
	if err != nil {
		t.Fatalf("ExpandToken: %v", err)
	}
	name := mustGet(t, expanded, "name")
	if s, _ := name.AsString(); s != "job-ubuntu-22.04" {
		t.Errorf("name = %q", s)
	}
	env := mustGet(t, expanded, "env")
	node := mustGet(t, env, "NODE")
	if node.Kind() != KindNumber {
		t.Errorf("NODE kind = %s, want number", node.Kind())
	}
}

func TestEvalBoolTruthiness(t *testing.T) {
	e := NewEvaluator()
	tests := []struct {
		expr string
		want bool
	}{
		{"github.event_name == 'push'", true},
		{"github.event_name == 'pull_request'", false},
		{"github.ref", true},
		{"missing", false},
		{"matrix.node", true},
		{"0", false},
		{"''", false},
	}
	for _, tt := range tests {
		got, err := e.EvalBool(tt.expr, testCtx())
		if err != nil {
			t.Fatalf("EvalBool(%q): %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestBuiltinFunctions(t *testing.T) {
	e := NewEvaluator()
	tests := []struct {
		expr string
		want bool
	}{
		{"contains(github.ref, 'HEADS')", true},
		{"startsWith(github.ref, 'refs/heads/')", true},
		{"endsWith(github.ref, 'main')", true},
		{"endsWith(github.ref, 'develop')", false},
	}
	for _, tt := range tests {
		got, err := e.EvalBool(tt.expr, testCtx())
		if err != nil {
			t.Fatalf("EvalBool(%q): %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestFormatFunction(t *testing.T) {
	e := NewEvaluator()
	result, err := e.Eval("format('{0}-{1}', matrix.os, matrix.node)", testCtx())
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if result != "ubuntu-22.04-20" {
		t.Errorf("format = %v", result)
	}

	result, err = e.Eval("format('{{literal}}')", testCtx())
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if result != "{literal}" {
		t.Errorf("escaped format = %v", result)
	}
}

func TestJoinFunction(t *testing.T) {
	e := NewEvaluator()
	ctx := testCtx()
	ctx["labels"] = []interface{}{"self-hosted", "linux"}

	result, err := e.Eval("join(labels, ' + ')", ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if result != "self-hosted + linux" {
		t.Errorf("join = %v", result)
	}
}

func TestCallerSuppliedFunctions(t *testing.T) {
	e := NewEvaluator()
	ctx := testCtx()
	ctx["success"] = func(args ...interface{}) (interface{}, error) {
		return true, nil
	}
	got, err := e.EvalBool("success() && github.event_name == 'push'", ctx)
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Error("expected true")
	}
}

func TestCompileCaching(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.EvalBool("1 == 1", nil); err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if _, err := e.EvalBool("1 == 1", nil); err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if e.CacheSize() != 1 {
		t.Errorf("CacheSize = %d, want 1", e.CacheSize())
	}
	e.ClearCache()
	if e.CacheSize() != 0 {
		t.Errorf("CacheSize = %d after clear, want 0", e.CacheSize())
	}
}
