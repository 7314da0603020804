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
	"regexp"
	"strings"
)

// exprPattern matches ${{...}} template expressions.
var exprPattern = regexp.MustCompile(`\$\{\{(.*?)\}\}`)

// ContainsExpression reports whether the string holds at least one
// ${{...}} expression.
func ContainsExpression(s string) bool {
	return exprPattern.MatchString(s)
}

// StripExpression unwraps a string that is exactly one ${{...}}
// expression, returning the inner expression text. Other strings are
// returned unchanged.
func StripExpression(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "${{") || !strings.HasSuffix(trimmed, "}}") {
		return s
	}
	inner := trimmed[3 : len(trimmed)-2]
	// Reject strings like "${{ a }} and ${{ b }}" where the prefix and
	// suffix belong to different expressions.
	if strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return s
	}
	return strings.TrimSpace(inner)
}

// ExpandString evaluates ${{...}} expressions in a string. When the
// whole string is a single expression the raw result is returned as a
// token, preserving its type; otherwise each expression is replaced by
// its string form.
func (e *Evaluator) ExpandString(s string, ctx map[string]interface{}) (*Token, error) {
	trimmed := strings.TrimSpace(s)
	if inner := StripExpression(trimmed); inner != trimmed {
		result, err := e.Eval(inner, ctx)
		if err != nil {
			return nil, err
		}
		return FromGo(result), nil
	}

	var evalErr error
	expanded := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[3 : len(match)-2])
		result, err := e.Eval(inner, ctx)
		if err != nil {
			evalErr = err
			return match
		}
		return stringify(result)
	})
	if evalErr != nil {
		return nil, fmt.Errorf("template expansion failed: %w", evalErr)
	}
	return String(expanded), nil
}

// ExpandToken recursively evaluates ${{...}} expressions throughout a
// token tree. String scalars may be replaced by non-string tokens when
// they consist of a single expression. Mapping keys are expanded as
// strings.
func (e *Evaluator) ExpandToken(t *Token, ctx map[string]interface{}) (*Token, error) {
	if t == nil {
		return nil, nil
	}
	switch t.Kind() {
	case KindString:
		return e.ExpandString(t.s, ctx)
	case KindSequence:
		out := NewSequence()
		for _, item := range t.seq {
			expanded, err := e.ExpandToken(item, ctx)
			if err != nil {
				return nil, err
			}
			out.Append(expanded)
		}
		return out, nil
	case KindMapping:
		out := NewMapping()
		for i, k := range t.keys {
			key := k
			if ContainsExpression(k) {
				kt, err := e.ExpandString(k, ctx)
				if err != nil {
					return nil, err
				}
				key = kt.Scalar()
			}
			val, err := e.ExpandToken(t.vals[i], ctx)
			if err != nil {
				return nil, err
			}
			out.Set(key, val)
		}
		return out, nil
	default:
		return t, nil
	}
}
