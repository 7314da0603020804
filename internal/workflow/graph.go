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
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/token"
)

// jobNamePattern constrains jobs.<name> keys.
var jobNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// JobItem is a node in the pre-matrix-expansion dependency graph: one
// per jobs.<name> entry. A JobItem is evaluated exactly once, when the
// terminal results of all its needs are known.
type JobItem struct {
	Name string
	ID   uuid.UUID
	// Def is the raw jobs.<name> mapping.
	Def *token.Token
	// Needs are the direct dependencies in declaration order.
	Needs []string
	// Dependencies is the resolved transitive needs closure.
	Dependencies map[string]*JobItem
	// NoStatusCheck suppresses external status-check callbacks, set
	// for reusable workflow calls.
	NoStatusCheck bool

	outstanding map[string]struct{}
	needsCtx    map[string]interface{}
	depResults  map[string]dispatch.Result

	evaluated bool
	completed bool
	status    dispatch.Result

	continueOnError bool
	childs          []*dispatch.Job
	sched           *matrixScheduler
}

// Completed reports whether the item reached a terminal state.
func (j *JobItem) Completed() bool {
	return j.completed
}

// Status returns the item's aggregate result. Failure remaps to
// success when the job declared continue-on-error. For matrix items
// the children aggregate: any failed child fails the parent.
func (j *JobItem) Status() dispatch.Result {
	status := j.status
	if len(j.childs) > 0 {
		status = aggregateChildren(j.childs)
	}
	if status == dispatch.ResultFailed && j.continueOnError {
		return dispatch.ResultSucceeded
	}
	return status
}

func aggregateChildren(childs []*dispatch.Job) dispatch.Result {
	anyFailed := false
	anyCanceled := false
	allSkipped := true
	for _, c := range childs {
		r := c.Result()
		if c.ContinueOnError && r == dispatch.ResultFailed {
			r = dispatch.ResultSucceeded
		}
		switch r {
		case dispatch.ResultFailed, dispatch.ResultAbandoned:
			anyFailed = true
		case dispatch.ResultCanceled:
			anyCanceled = true
		}
		if r != dispatch.ResultSkipped {
			allSkipped = false
		}
	}
	switch {
	case anyFailed:
		return dispatch.ResultFailed
	case anyCanceled:
		return dispatch.ResultCanceled
	case allSkipped:
		return dispatch.ResultSkipped
	default:
		return dispatch.ResultSucceeded
	}
}

// BuildGraph turns the jobs: mapping into graph nodes, validating job
// names and needs declarations. Authoring errors aggregate instead of
// failing on the first.
func BuildGraph(jobs *token.Token) ([]*JobItem, error) {
	if jobs.IsNull() {
		return nil, &errors.ValidationError{Field: "jobs", Message: "workflow has no jobs"}
	}
	if _, err := jobs.AsMapping(); err != nil {
		return nil, &errors.ValidationError{Field: "jobs", Message: "jobs must be a mapping"}
	}

	var verrs errors.ValidationErrors
	var items []*JobItem

	jobs.Each(func(name string, def *token.Token) {
		if !jobNamePattern.MatchString(name) {
			verrs.Appendf("jobs."+name, "job names must start with a letter or underscore and contain only alphanumeric characters, dashes and underscores")
		}
		if _, err := def.AsMapping(); err != nil {
			verrs.Appendf("jobs."+name, "job definition must be a mapping")
			return
		}
		needs, err := parseNeeds(name, def)
		if err != nil {
			verrs.Append(err)
			return
		}
		items = append(items, &JobItem{
			Name:        name,
			ID:          uuid.New(),
			Def:         def,
			Needs:       needs,
			outstanding: toSet(needs),
			needsCtx:    make(map[string]interface{}),
			depResults:  make(map[string]dispatch.Result),
		})
	})

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &errors.ValidationError{Field: "jobs", Message: "workflow has no jobs"}
	}
	return items, nil
}

func parseNeeds(name string, def *token.Token) ([]string, *errors.ValidationError) {
	needs, ok := def.Get("needs")
	if !ok || needs.IsNull() {
		return nil, nil
	}
	if s, err := needs.AsString(); err == nil {
		return []string{s}, nil
	}
	items, err := needs.AsSequence()
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "jobs." + name + ".needs",
			Message: "needs must be a job name or a list of job names",
		}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := item.AsString()
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "jobs." + name + ".needs",
				Message: "needs entries must be job names",
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// ResolveDependencies computes every item's transitive needs closure,
// raising aggregated errors for unknown names and dependency cycles.
// The ancestor path is copied per branch of the walk so parallel
// branches cannot corrupt each other's cycle bookkeeping.
func ResolveDependencies(items []*JobItem) error {
	byName := make(map[string]*JobItem, len(items))
	for _, item := range items {
		byName[item.Name] = item
	}

	var verrs errors.ValidationErrors
	for _, item := range items {
		closure := make(map[string]*JobItem)
		if err := walkNeeds(item, byName, []string{item.Name}, closure); err != nil {
			verrs.Append(err)
			continue
		}
		item.Dependencies = closure
	}
	return verrs.Err()
}

func walkNeeds(item *JobItem, byName map[string]*JobItem, ancestors []string, closure map[string]*JobItem) *errors.ValidationError {
	for _, need := range item.Needs {
		dep, ok := byName[need]
		if !ok {
			return &errors.ValidationError{
				Field:   "jobs." + item.Name + ".needs",
				Message: "Missing Dependency detected: " + need,
			}
		}
		for _, ancestor := range ancestors {
			if ancestor == need {
				return &errors.ValidationError{
					Field:   "jobs." + item.Name + ".needs",
					Message: "Cyclic Dependency detected: " + strings.Join(append(ancestors, need), " -> "),
				}
			}
		}
		if _, seen := closure[need]; seen {
			continue
		}
		closure[need] = dep
		path := make([]string, len(ancestors), len(ancestors)+1)
		copy(path, ancestors)
		if err := walkNeeds(dep, byName, append(path, need), closure); err != nil {
			return err
		}
	}
	return nil
}

// PruneToJob reduces the graph to the selected job and its transitive
// needs closure using a fixed-point removal loop. An empty result
// means the selected job does not exist.
func PruneToJob(items []*JobItem, selected string) []*JobItem {
	if selected == "" {
		return items
	}

	keep := make(map[string]struct{})
	keep[selected] = struct{}{}
	for {
		grew := false
		for _, item := range items {
			if _, ok := keep[item.Name]; !ok {
				continue
			}
			for _, need := range item.Needs {
				if _, ok := keep[need]; !ok {
					keep[need] = struct{}{}
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}

	out := make([]*JobItem, 0, len(keep))
	for _, item := range items {
		if item.Name == selected {
			out = append(out, item)
			continue
		}
		if _, ok := keep[item.Name]; ok {
			out = append(out, item)
		}
	}
	if len(out) > 0 {
		found := false
		for _, item := range out {
			if item.Name == selected {
				found = true
			}
		}
		if !found {
			return nil
		}
	}
	return out
}
