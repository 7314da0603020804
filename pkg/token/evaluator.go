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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/foreman/pkg/errors"
)

// Evaluator evaluates workflow expressions against a context of
// contextual data (github, inputs, needs, matrix, ...). It caches
// compiled expressions for repeated evaluation across matrix jobs.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Eval evaluates an expression against the given context and returns
// the raw result. Context values and function closures are merged into
// the runtime environment, so callers may supply extra functions (for
// example job-status functions) per call.
func (e *Evaluator) Eval(expression string, ctx map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("failed to compile %q: %s", expression, err.Error()),
		}
	}

	evalCtx := make(map[string]interface{}, len(ctx)+len(builtins))
	for k, v := range builtins {
		evalCtx[k] = v
	}
	for k, v := range ctx {
		evalCtx[k] = v
	}

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("failed to evaluate %q: %s", expression, err.Error()),
		}
	}
	return result, nil
}

// EvalBool evaluates an expression and coerces the result to a boolean
// using workflow truthiness rules: null, false, 0 and "" are falsy,
// everything else is truthy.
func (e *Evaluator) EvalBool(expression string, ctx map[string]interface{}) (bool, error) {
	result, err := e.Eval(expression, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Truthy applies workflow truthiness rules to a raw expression result.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the compiled expression cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached compiled expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
