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
	"strings"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/token"
)

// Strategy is the evaluated strategy block of a job: the concrete
// matrix instantiations plus the scheduling knobs.
type Strategy struct {
	// Entries are the matrix instantiations in dispatch order. A job
	// without a matrix has a single empty entry.
	Entries []*token.Token
	// FailFast cancels remaining instantiations when one fails.
	FailFast bool
	// MaxParallel bounds concurrently dispatched instantiations; zero
	// means unbounded.
	MaxParallel int
}

// ExpandMatrix turns a strategy token into concrete instantiations.
// The cross product of the axes is computed first, exclude entries
// remove working entries matching all their keys structurally, and
// include entries either merge into compatible working entries or
// append as new ones. The filter removes entries whose values for the
// given keys differ; it is applied last so include-added entries are
// filtered too.
func ExpandMatrix(strategy *token.Token, filter map[string][]string) (*Strategy, error) {
	out := &Strategy{FailFast: true}

	if strategy.IsNull() {
		out.Entries = []*token.Token{token.NewMapping()}
		return out, nil
	}
	if _, err := strategy.AsMapping(); err != nil {
		return nil, &errors.ValidationError{Field: "strategy", Message: err.Error()}
	}

	if ff, ok := strategy.Get("fail-fast"); ok {
		b, err := ff.AsBool()
		if err != nil {
			return nil, &errors.ValidationError{Field: "strategy.fail-fast", Message: err.Error()}
		}
		out.FailFast = b
	}
	if mp, ok := strategy.Get("max-parallel"); ok {
		n, err := mp.AsNumber()
		if err != nil || n < 1 {
			return nil, &errors.ValidationError{
				Field:   "strategy.max-parallel",
				Message: "must be a number greater than zero",
			}
		}
		out.MaxParallel = int(n)
	}

	matrix, ok := strategy.Get("matrix")
	if !ok || matrix.IsNull() {
		out.Entries = []*token.Token{token.NewMapping()}
		return out, nil
	}
	if _, err := matrix.AsMapping(); err != nil {
		return nil, &errors.ValidationError{Field: "strategy.matrix", Message: err.Error()}
	}

	entries, err := crossProduct(matrix)
	if err != nil {
		return nil, err
	}

	if exclude, ok := matrix.Get("exclude"); ok && !exclude.IsNull() {
		entries, err = applyExclude(entries, exclude)
		if err != nil {
			return nil, err
		}
	}

	// An exclude that removes everything still yields one run of the
	// job, with an empty matrix context.
	if len(entries) == 0 {
		entries = []*token.Token{token.NewMapping()}
	}

	axisKeys := make(map[string]struct{})
	matrix.Each(func(key string, _ *token.Token) {
		lower := strings.ToLower(key)
		if lower != "include" && lower != "exclude" {
			axisKeys[lower] = struct{}{}
		}
	})

	if include, ok := matrix.Get("include"); ok && !include.IsNull() {
		// A matrix with no axes seeds the cross product with one empty
		// entry; only the include entries run.
		if len(axisKeys) == 0 {
			entries = entries[:0]
		}
		entries, err = applyInclude(entries, include, axisKeys)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			entries = []*token.Token{token.NewMapping()}
		}
	}

	out.Entries = filterEntries(entries, filter)
	if len(out.Entries) == 0 {
		return nil, &errors.ValidationError{
			Field:   "strategy.matrix",
			Message: "the matrix filter matched no instantiations",
		}
	}
	return out, nil
}

func crossProduct(matrix *token.Token) ([]*token.Token, error) {
	entries := []*token.Token{token.NewMapping()}
	var err error

	matrix.Each(func(key string, values *token.Token) {
		if err != nil {
			return
		}
		lower := strings.ToLower(key)
		if lower == "include" || lower == "exclude" {
			return
		}
		items, seqErr := values.AsSequence()
		if seqErr != nil {
			err = &errors.ValidationError{
				Field:   "strategy.matrix." + key,
				Message: "matrix axes must be sequences",
			}
			return
		}
		// Existing entries stay the outer loop so instantiations
		// enumerate entry-major: (a,1),(a,2),(b,1),(b,2).
		next := make([]*token.Token, 0, len(entries)*len(items))
		for _, entry := range entries {
			for _, value := range items {
				merged := entry.Clone()
				merged.Set(key, value.Clone())
				next = append(next, merged)
			}
		}
		entries = next
	})
	return entries, err
}

func applyExclude(entries []*token.Token, exclude *token.Token) ([]*token.Token, error) {
	rules, err := exclude.AsSequence()
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "strategy.matrix.exclude",
			Message: "exclude must be a sequence of mappings",
		}
	}
	for _, rule := range rules {
		if _, err := rule.AsMapping(); err != nil {
			return nil, &errors.ValidationError{
				Field:   "strategy.matrix.exclude",
				Message: "exclude must be a sequence of mappings",
			}
		}
		kept := entries[:0]
		for _, entry := range entries {
			if !matchesAll(entry, rule) {
				kept = append(kept, entry)
			}
		}
		entries = kept
	}
	return entries, nil
}

// matchesAll reports whether every key of the rule is present in the
// entry with a structurally equal value.
func matchesAll(entry, rule *token.Token) bool {
	match := true
	rule.Each(func(key string, want *token.Token) {
		got, ok := entry.Get(key)
		if !ok || !got.Equal(want) {
			match = false
		}
	})
	return match
}

func applyInclude(entries []*token.Token, include *token.Token, axisKeys map[string]struct{}) ([]*token.Token, error) {
	rules, err := include.AsSequence()
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "strategy.matrix.include",
			Message: "include must be a sequence of mappings",
		}
	}
	for _, rule := range rules {
		if _, err := rule.AsMapping(); err != nil {
			return nil, &errors.ValidationError{
				Field:   "strategy.matrix.include",
				Message: "include must be a sequence of mappings",
			}
		}

		// An include whose axis-valued keys line up with existing
		// entries augments those entries; one with no axis keys at all
		// augments every entry. Anything else becomes a new
		// instantiation.
		merged := false
		if len(axisKeys) > 0 {
			for _, entry := range entries {
				if includeMatches(entry, rule, axisKeys) {
					rule.Each(func(key string, val *token.Token) {
						if _, isAxis := axisKeys[strings.ToLower(key)]; !isAxis {
							entry.Set(key, val.Clone())
						}
					})
					merged = true
				}
			}
		}
		if !merged {
			entries = append(entries, rule.Clone())
		}
	}
	return entries, nil
}

// includeMatches reports whether the rule's axis keys all agree with
// the entry's values. A rule with no axis keys matches vacuously.
func includeMatches(entry, rule *token.Token, axisKeys map[string]struct{}) bool {
	match := true
	rule.Each(func(key string, want *token.Token) {
		if _, isAxis := axisKeys[strings.ToLower(key)]; !isAxis {
			return
		}
		got, ok := entry.Get(key)
		if !ok || !got.Equal(want) {
			match = false
		}
	})
	return match
}

func filterEntries(entries []*token.Token, filter map[string][]string) []*token.Token {
	if len(filter) == 0 {
		return entries
	}
	kept := make([]*token.Token, 0, len(entries))
	for _, entry := range entries {
		if entryMatchesFilter(entry, filter) {
			kept = append(kept, entry)
		}
	}
	return kept
}

func entryMatchesFilter(entry *token.Token, filter map[string][]string) bool {
	for key, allowed := range filter {
		val, ok := entry.Get(key)
		if !ok {
			return false
		}
		found := false
		for _, want := range allowed {
			if val.Scalar() == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatrixName renders the display-name suffix for an instantiation,
// e.g. "(ubuntu-22.04, 20)". Entries without values render empty.
func MatrixName(entry *token.Token) string {
	if entry.Len() == 0 {
		return ""
	}
	parts := make([]string, 0, entry.Len())
	entry.Each(func(_ string, val *token.Token) {
		parts = append(parts, val.Scalar())
	})
	return fmt.Sprintf("(%s)", strings.Join(parts, ", "))
}
