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
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type of a token node.
type Kind int

const (
	// KindNull is a YAML null value.
	KindNull Kind = iota
	// KindBool is a boolean scalar.
	KindBool
	// KindNumber is a numeric scalar. All numbers are stored as float64.
	KindNumber
	// KindString is a string scalar.
	KindString
	// KindSequence is an ordered list of tokens.
	KindSequence
	// KindMapping is an ordered map with string-comparable keys.
	KindMapping
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Token is a node in a parsed workflow document. Mappings preserve key
// order; keys are matched case-insensitively on lookup.
type Token struct {
	kind Kind
	b    bool
	n    float64
	s    string
	seq  []*Token
	keys []string
	vals []*Token
}

// Null returns a null token.
func Null() *Token {
	return &Token{kind: KindNull}
}

// Bool returns a boolean token.
func Bool(v bool) *Token {
	return &Token{kind: KindBool, b: v}
}

// Number returns a numeric token.
func Number(v float64) *Token {
	return &Token{kind: KindNumber, n: v}
}

// String returns a string token.
func String(v string) *Token {
	return &Token{kind: KindString, s: v}
}

// NewSequence returns a sequence token holding the given items.
func NewSequence(items ...*Token) *Token {
	return &Token{kind: KindSequence, seq: items}
}

// NewMapping returns an empty mapping token.
func NewMapping() *Token {
	return &Token{kind: KindMapping}
}

// Kind returns the token's kind. A nil token reports KindNull.
func (t *Token) Kind() Kind {
	if t == nil {
		return KindNull
	}
	return t.kind
}

// IsNull reports whether the token is nil or a null scalar.
func (t *Token) IsNull() bool {
	return t == nil || t.kind == KindNull
}

// AsBool returns the boolean value or an error if the token is not a
// boolean scalar.
func (t *Token) AsBool() (bool, error) {
	if t == nil || t.kind != KindBool {
		return false, fmt.Errorf("expected a boolean, got %s", t.Kind())
	}
	return t.b, nil
}

// AsNumber returns the numeric value or an error if the token is not a
// numeric scalar.
func (t *Token) AsNumber() (float64, error) {
	if t == nil || t.kind != KindNumber {
		return 0, fmt.Errorf("expected a number, got %s", t.Kind())
	}
	return t.n, nil
}

// AsString returns the string value or an error if the token is not a
// string scalar.
func (t *Token) AsString() (string, error) {
	if t == nil || t.kind != KindString {
		return "", fmt.Errorf("expected a string, got %s", t.Kind())
	}
	return t.s, nil
}

// AsSequence returns the sequence items or an error if the token is not
// a sequence.
func (t *Token) AsSequence() ([]*Token, error) {
	if t == nil || t.kind != KindSequence {
		return nil, fmt.Errorf("expected a sequence, got %s", t.Kind())
	}
	return t.seq, nil
}

// AsMapping returns the token itself typed as a mapping, or an error if
// it is not one.
func (t *Token) AsMapping() (*Token, error) {
	if t == nil || t.kind != KindMapping {
		return nil, fmt.Errorf("expected a mapping, got %s", t.Kind())
	}
	return t, nil
}

// Scalar renders a scalar token as its string form. Sequences and
// mappings render as a compact JSON-ish form for diagnostics.
func (t *Token) Scalar() string {
	if t == nil {
		return ""
	}
	switch t.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(t.b)
	case KindNumber:
		return strconv.FormatFloat(t.n, 'f', -1, 64)
	case KindString:
		return t.s
	default:
		var sb strings.Builder
		t.render(&sb)
		return sb.String()
	}
}

func (t *Token) render(sb *strings.Builder) {
	switch t.kind {
	case KindSequence:
		sb.WriteByte('[')
		for i, item := range t.seq {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(item.Scalar())
		}
		sb.WriteByte(']')
	case KindMapping:
		sb.WriteByte('{')
		for i, k := range t.keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(t.vals[i].Scalar())
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(t.Scalar())
	}
}

// Append adds an item to a sequence token.
func (t *Token) Append(item *Token) {
	t.seq = append(t.seq, item)
}

// Len returns the number of items in a sequence or entries in a
// mapping. Scalars report zero.
func (t *Token) Len() int {
	if t == nil {
		return 0
	}
	switch t.kind {
	case KindSequence:
		return len(t.seq)
	case KindMapping:
		return len(t.keys)
	default:
		return 0
	}
}

// Get looks up a mapping value by key, case-insensitively.
func (t *Token) Get(key string) (*Token, bool) {
	if t == nil || t.kind != KindMapping {
		return nil, false
	}
	for i, k := range t.keys {
		if strings.EqualFold(k, key) {
			return t.vals[i], true
		}
	}
	return nil, false
}

// Set stores a mapping entry, replacing an existing key that matches
// case-insensitively.
func (t *Token) Set(key string, val *Token) {
	for i, k := range t.keys {
		if strings.EqualFold(k, key) {
			t.vals[i] = val
			return
		}
	}
	t.keys = append(t.keys, key)
	t.vals = append(t.vals, val)
}

// Delete removes a mapping entry by key, case-insensitively.
func (t *Token) Delete(key string) {
	for i, k := range t.keys {
		if strings.EqualFold(k, key) {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			t.vals = append(t.vals[:i], t.vals[i+1:]...)
			return
		}
	}
}

// Keys returns the mapping keys in insertion order.
func (t *Token) Keys() []string {
	if t == nil || t.kind != KindMapping {
		return nil
	}
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Each calls fn for every mapping entry in insertion order.
func (t *Token) Each(fn func(key string, val *Token)) {
	if t == nil || t.kind != KindMapping {
		return
	}
	for i, k := range t.keys {
		fn(k, t.vals[i])
	}
}

// Clone returns a deep copy of the token tree.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := &Token{kind: t.kind, b: t.b, n: t.n, s: t.s}
	if t.seq != nil {
		out.seq = make([]*Token, len(t.seq))
		for i, item := range t.seq {
			out.seq[i] = item.Clone()
		}
	}
	if t.keys != nil {
		out.keys = make([]string, len(t.keys))
		copy(out.keys, t.keys)
		out.vals = make([]*Token, len(t.vals))
		for i, v := range t.vals {
			out.vals[i] = v.Clone()
		}
	}
	return out
}

// Equal reports structural equality. Mapping keys match
// case-insensitively and entry order is ignored; sequence order is
// significant.
func (t *Token) Equal(other *Token) bool {
	if t.IsNull() || other.IsNull() {
		return t.IsNull() && other.IsNull()
	}
	if t.kind != other.kind {
		return false
	}
	switch t.kind {
	case KindBool:
		return t.b == other.b
	case KindNumber:
		return t.n == other.n
	case KindString:
		return t.s == other.s
	case KindSequence:
		if len(t.seq) != len(other.seq) {
			return false
		}
		for i := range t.seq {
			if !t.seq[i].Equal(other.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(t.keys) != len(other.keys) {
			return false
		}
		for i, k := range t.keys {
			ov, ok := other.Get(k)
			if !ok || !t.vals[i].Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// ToGo converts the token tree to plain Go values: nil, bool, float64,
// string, []interface{} and map[string]interface{}. Mapping key order
// is lost in the conversion.
func (t *Token) ToGo() interface{} {
	if t == nil {
		return nil
	}
	switch t.kind {
	case KindNull:
		return nil
	case KindBool:
		return t.b
	case KindNumber:
		return t.n
	case KindString:
		return t.s
	case KindSequence:
		out := make([]interface{}, len(t.seq))
		for i, item := range t.seq {
			out[i] = item.ToGo()
		}
		return out
	case KindMapping:
		out := make(map[string]interface{}, len(t.keys))
		for i, k := range t.keys {
			out[k] = t.vals[i].ToGo()
		}
		return out
	}
	return nil
}

// FromGo converts plain Go values into a token tree. Unknown types are
// stringified.
func FromGo(v interface{}) *Token {
	switch val := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(val)
	case int:
		return Number(float64(val))
	case int32:
		return Number(float64(val))
	case int64:
		return Number(float64(val))
	case float32:
		return Number(float64(val))
	case float64:
		return Number(val)
	case string:
		return String(val)
	case *Token:
		return val
	case []interface{}:
		seq := NewSequence()
		for _, item := range val {
			seq.Append(FromGo(item))
		}
		return seq
	case []string:
		seq := NewSequence()
		for _, item := range val {
			seq.Append(String(item))
		}
		return seq
	case map[string]interface{}:
		m := NewMapping()
		for _, k := range sortedKeys(val) {
			m.Set(k, FromGo(val[k]))
		}
		return m
	default:
		return String(fmt.Sprintf("%v", v))
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
