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
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// builtins are the workflow expression functions available in every
// evaluation context. Callers can shadow these per evaluation by
// passing same-named entries in their context.
var builtins = map[string]interface{}{
	"contains":   containsFunc,
	"startsWith": startsWithFunc,
	"endsWith":   endsWithFunc,
	"format":     formatFunc,
	"join":       joinFunc,
	"toJson":     toJSONFunc,
	"fromJson":   fromJSONFunc,
}

// containsFunc reports whether a string contains a substring or a
// sequence contains an element. String comparison is case-insensitive.
func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains requires 2 arguments, got %d", len(args))
	}
	haystack, needle := args[0], args[1]
	if haystack == nil {
		return false, nil
	}

	if s, ok := haystack.(string); ok {
		return strings.Contains(strings.ToLower(s), strings.ToLower(stringify(needle))), nil
	}

	v := reflect.ValueOf(haystack)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func startsWithFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("startsWith requires 2 arguments, got %d", len(args))
	}
	return strings.HasPrefix(
		strings.ToLower(stringify(args[0])),
		strings.ToLower(stringify(args[1])),
	), nil
}

func endsWithFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("endsWith requires 2 arguments, got %d", len(args))
	}
	return strings.HasSuffix(
		strings.ToLower(stringify(args[0])),
		strings.ToLower(stringify(args[1])),
	), nil
}

// formatFunc substitutes {0}, {1}, ... placeholders with the remaining
// arguments. Doubled braces escape to literal braces.
func formatFunc(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("format requires at least 1 argument")
	}
	tmpl := stringify(args[0])
	values := args[1:]

	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			sb.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			sb.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("format: unclosed placeholder in %q", tmpl)
			}
			idxStr := tmpl[i+1 : i+end]
			var idx int
			if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
				return nil, fmt.Errorf("format: invalid placeholder {%s}", idxStr)
			}
			if idx < 0 || idx >= len(values) {
				return nil, fmt.Errorf("format: placeholder {%d} out of range", idx)
			}
			sb.WriteString(stringify(values[idx]))
			i += end
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

// joinFunc concatenates sequence elements with an optional separator,
// defaulting to ",".
func joinFunc(args ...interface{}) (interface{}, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("join requires 1 or 2 arguments, got %d", len(args))
	}
	sep := ","
	if len(args) == 2 {
		sep = stringify(args[1])
	}
	if s, ok := args[0].(string); ok {
		return s, nil
	}
	v := reflect.ValueOf(args[0])
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return stringify(args[0]), nil
	}
	parts := make([]string, v.Len())
	for i := 0; i < v.Len(); i++ {
		parts[i] = stringify(v.Index(i).Interface())
	}
	return strings.Join(parts, sep), nil
}

func toJSONFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("toJson requires 1 argument, got %d", len(args))
	}
	data, err := json.MarshalIndent(args[0], "", "  ")
	if err != nil {
		return nil, fmt.Errorf("toJson: %w", err)
	}
	return string(data), nil
}

func fromJSONFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("fromJson requires 1 argument, got %d", len(args))
	}
	var out interface{}
	if err := json.Unmarshal([]byte(stringify(args[0])), &out); err != nil {
		return nil, fmt.Errorf("fromJson: %w", err)
	}
	return out, nil
}

// stringify renders an expression value the way templates do.
func stringify(v interface{}) string {
	return FromGo(v).Scalar()
}
