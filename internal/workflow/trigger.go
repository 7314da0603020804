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
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/token"
)

// cronFieldPattern accepts one POSIX-style cron field: wildcards,
// steps, ranges, lists and three-letter month/weekday names.
var cronFieldPattern = regexp.MustCompile(
	`^(\*|(\*/\d+)|(\d+(-\d+)?(/\d+)?(,\d+(-\d+)?(/\d+)?)*)|((JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC|MON|TUE|WED|THU|FRI|SAT|SUN)(,(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC|MON|TUE|WED|THU|FRI|SAT|SUN))*))$`,
)

// TriggerEvent is the incoming event a workflow's on: block is matched
// against.
type TriggerEvent struct {
	Name string
	// Action is the event sub-action from the payload, e.g. "opened".
	Action string
	// Ref is the fully qualified git ref of the event, e.g.
	// "refs/heads/main" or "refs/tags/v1.0".
	Ref string
	// ChangedFiles lists paths touched by the event, for paths
	// filters.
	ChangedFiles []string
	// Inputs are caller-provided workflow_dispatch / workflow_call
	// inputs.
	Inputs map[string]interface{}
	// Secrets are caller-provided workflow_call secrets.
	Secrets map[string]string
}

// MatchTrigger decides whether the workflow's on: token matches the
// event. A non-match is not an error; errors report authoring problems
// in the trigger block. The returned inputs are the validated and
// defaulted inputs for dispatch/call events, nil otherwise.
func MatchTrigger(on *token.Token, ev *TriggerEvent) (bool, map[string]interface{}, error) {
	if on.IsNull() {
		return false, nil, &errors.ValidationError{
			Field:   "on",
			Message: "workflow has no trigger",
		}
	}

	switch on.Kind() {
	case token.KindString:
		name, _ := on.AsString()
		return strings.EqualFold(name, ev.Name), nil, nil

	case token.KindSequence:
		items, _ := on.AsSequence()
		for _, item := range items {
			name, err := item.AsString()
			if err != nil {
				return false, nil, &errors.ValidationError{
					Field:   "on",
					Message: "trigger list entries must be event names",
				}
			}
			if strings.EqualFold(name, ev.Name) {
				return true, nil, nil
			}
		}
		return false, nil, nil

	case token.KindMapping:
		trigger, ok := on.Get(ev.Name)
		if !ok {
			return false, nil, nil
		}
		return matchMappingTrigger(ev.Name, trigger, ev)

	default:
		return false, nil, &errors.ValidationError{
			Field:   "on",
			Message: "trigger must be an event name, a list of event names, or a mapping",
		}
	}
}

func matchMappingTrigger(name string, trigger *token.Token, ev *TriggerEvent) (bool, map[string]interface{}, error) {
	if trigger.IsNull() {
		if strings.EqualFold(name, "workflow_dispatch") || strings.EqualFold(name, "workflow_call") {
			inputs, err := ValidateInputs(nil, ev.Inputs)
			return err == nil, inputs, err
		}
		return true, nil, nil
	}
	if _, err := trigger.AsMapping(); err != nil {
		return false, nil, &errors.ValidationError{
			Field:   "on." + name,
			Message: "trigger configuration must be a mapping",
		}
	}

	if types, ok := trigger.Get("types"); ok && !types.IsNull() {
		matched, err := matchTypes(name, types, ev.Action)
		if err != nil || !matched {
			return false, nil, err
		}
	}

	refMatch, err := matchRefFilters(name, trigger, ev.Ref)
	if err != nil || !refMatch {
		return false, nil, err
	}

	pathMatch, err := matchPathFilters(name, trigger, ev.ChangedFiles)
	if err != nil || !pathMatch {
		return false, nil, err
	}

	switch strings.ToLower(name) {
	case "workflow_dispatch":
		inputs, err := ValidateInputs(firstOf(trigger, "inputs"), ev.Inputs)
		return err == nil, inputs, err
	case "workflow_call":
		inputs, err := ValidateInputs(firstOf(trigger, "inputs"), ev.Inputs)
		if err != nil {
			return false, nil, err
		}
		if err := ValidateCallSecrets(firstOf(trigger, "secrets"), ev.Secrets); err != nil {
			return false, nil, err
		}
		return true, inputs, nil
	}
	return true, nil, nil
}

func firstOf(m *token.Token, key string) *token.Token {
	if v, ok := m.Get(key); ok {
		return v
	}
	return nil
}

func matchTypes(name string, types *token.Token, action string) (bool, error) {
	items, err := types.AsSequence()
	if err != nil {
		s, serr := types.AsString()
		if serr != nil {
			return false, &errors.ValidationError{
				Field:   "on." + name + ".types",
				Message: "types must be a string or a list of strings",
			}
		}
		return strings.EqualFold(s, action), nil
	}
	for _, item := range items {
		s, err := item.AsString()
		if err != nil {
			return false, &errors.ValidationError{
				Field:   "on." + name + ".types",
				Message: "types entries must be strings",
			}
		}
		if strings.EqualFold(s, action) {
			return true, nil
		}
	}
	return false, nil
}

// matchRefFilters applies branches/tags filters. A filter and its
// -ignore variant are mutually exclusive. When the event ref is a
// branch but only tag filters are given (or the reverse), the ref kind
// without filters matches.
func matchRefFilters(name string, trigger *token.Token, ref string) (bool, error) {
	branches, branchesIgnore := firstOf(trigger, "branches"), firstOf(trigger, "branches-ignore")
	tags, tagsIgnore := firstOf(trigger, "tags"), firstOf(trigger, "tags-ignore")

	if branches != nil && branchesIgnore != nil {
		return false, &errors.ValidationError{
			Field:   "on." + name,
			Message: "branches and branches-ignore cannot be used together",
		}
	}
	if tags != nil && tagsIgnore != nil {
		return false, &errors.ValidationError{
			Field:   "on." + name,
			Message: "tags and tags-ignore cannot be used together",
		}
	}

	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		branch := strings.TrimPrefix(ref, "refs/heads/")
		if branches != nil {
			return matchGlobs("on."+name+".branches", branches, branch)
		}
		if branchesIgnore != nil {
			matched, err := matchGlobs("on."+name+".branches-ignore", branchesIgnore, branch)
			return !matched, err
		}
		// Branch push with only tag filters configured does not match.
		if tags != nil || tagsIgnore != nil {
			return false, nil
		}
	case strings.HasPrefix(ref, "refs/tags/"):
		tag := strings.TrimPrefix(ref, "refs/tags/")
		if tags != nil {
			return matchGlobs("on."+name+".tags", tags, tag)
		}
		if tagsIgnore != nil {
			matched, err := matchGlobs("on."+name+".tags-ignore", tagsIgnore, tag)
			return !matched, err
		}
		if branches != nil || branchesIgnore != nil {
			return false, nil
		}
	}
	return true, nil
}

func matchPathFilters(name string, trigger *token.Token, changed []string) (bool, error) {
	paths, pathsIgnore := firstOf(trigger, "paths"), firstOf(trigger, "paths-ignore")
	if paths != nil && pathsIgnore != nil {
		return false, &errors.ValidationError{
			Field:   "on." + name,
			Message: "paths and paths-ignore cannot be used together",
		}
	}
	if paths != nil {
		for _, file := range changed {
			matched, err := matchGlobs("on."+name+".paths", paths, file)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	}
	if pathsIgnore != nil {
		for _, file := range changed {
			matched, err := matchGlobs("on."+name+".paths-ignore", pathsIgnore, file)
			if err != nil {
				return false, err
			}
			if !matched {
				return true, nil
			}
		}
		return len(changed) == 0, nil
	}
	return true, nil
}

func matchGlobs(field string, patterns *token.Token, value string) (bool, error) {
	items, err := patterns.AsSequence()
	if err != nil {
		s, serr := patterns.AsString()
		if serr != nil {
			return false, &errors.ValidationError{
				Field:   field,
				Message: "filter must be a string or a list of glob patterns",
			}
		}
		items = []*token.Token{token.String(s)}
	}
	for _, item := range items {
		pattern, err := item.AsString()
		if err != nil {
			return false, &errors.ValidationError{
				Field:   field,
				Message: "filter entries must be strings",
			}
		}
		matched, err := doublestar.Match(pattern, value)
		if err != nil {
			return false, &errors.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid glob pattern %q", pattern),
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// ValidateCrons checks every cron entry of a schedule trigger and
// aggregates all invalid entries into one error.
func ValidateCrons(schedule *token.Token) error {
	if schedule.IsNull() {
		return nil
	}
	entries, err := schedule.AsSequence()
	if err != nil {
		return &errors.ValidationError{
			Field:   "on.schedule",
			Message: "schedule must be a list of cron entries",
		}
	}

	var invalid []string
	for _, entry := range entries {
		cronTok, ok := entry.Get("cron")
		if !ok {
			invalid = append(invalid, "(missing cron key)")
			continue
		}
		spec, err := cronTok.AsString()
		if err != nil || !ValidCron(spec) {
			invalid = append(invalid, cronTok.Scalar())
		}
	}
	if len(invalid) > 0 {
		return &errors.ValidationError{
			Field:   "on.schedule",
			Message: "invalid cron strings: " + strings.Join(invalid, ", "),
		}
	}
	return nil
}

// ValidCron reports whether a cron spec has 5 to 7 valid fields.
func ValidCron(spec string) bool {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(spec)))
	if len(fields) < 5 || len(fields) > 7 {
		return false
	}
	for _, f := range fields {
		if !cronFieldPattern.MatchString(f) {
			return false
		}
	}
	return true
}

// ValidateInputs checks provided inputs against the trigger's declared
// inputs: undeclared inputs and missing required inputs are errors,
// declared types are enforced, defaults fill the gaps. All offenders
// aggregate into one error.
func ValidateInputs(declared *token.Token, provided map[string]interface{}) (map[string]interface{}, error) {
	var verrs errors.ValidationErrors
	out := make(map[string]interface{})

	declaredKeys := make(map[string]*token.Token)
	if !declared.IsNull() {
		if _, err := declared.AsMapping(); err != nil {
			return nil, &errors.ValidationError{
				Field:   "inputs",
				Message: "inputs must be a mapping",
			}
		}
		declared.Each(func(key string, def *token.Token) {
			declaredKeys[strings.ToLower(key)] = def
		})
	}

	for key := range provided {
		if _, ok := declaredKeys[strings.ToLower(key)]; !ok {
			verrs.Appendf("inputs."+key, "input is not declared by the workflow")
		}
	}

	for key, def := range declaredKeys {
		value, given := lookupFold(provided, key)
		if !given {
			if dflt, ok := def.Get("default"); ok {
				out[key] = dflt.ToGo()
				continue
			}
			if req, ok := def.Get("required"); ok {
				if b, err := req.AsBool(); err == nil && b {
					verrs.Appendf("inputs."+key, "required input was not provided")
				}
			}
			continue
		}
		coerced, err := coerceInput(key, def, value)
		if err != nil {
			verrs.Append(err)
			continue
		}
		out[key] = coerced
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func coerceInput(key string, def *token.Token, value interface{}) (interface{}, *errors.ValidationError) {
	typeTok, ok := def.Get("type")
	if !ok {
		return value, nil
	}
	typeName, err := typeTok.AsString()
	if err != nil {
		return nil, &errors.ValidationError{Field: "inputs." + key, Message: "input type must be a string"}
	}

	switch strings.ToLower(typeName) {
	case "string", "environment", "":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, &errors.ValidationError{Field: "inputs." + key, Message: "expected a string value"}
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if strings.EqualFold(v, "true") {
				return true, nil
			}
			if strings.EqualFold(v, "false") {
				return false, nil
			}
		}
		return nil, &errors.ValidationError{Field: "inputs." + key, Message: "expected a boolean value"}
	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		}
		return nil, &errors.ValidationError{Field: "inputs." + key, Message: "expected a number value"}
	case "choice":
		s, ok := value.(string)
		if !ok {
			return nil, &errors.ValidationError{Field: "inputs." + key, Message: "expected a string value"}
		}
		options, hasOptions := def.Get("options")
		if !hasOptions {
			return s, nil
		}
		items, err := options.AsSequence()
		if err != nil {
			return nil, &errors.ValidationError{Field: "inputs." + key, Message: "choice options must be a list"}
		}
		for _, item := range items {
			if opt, err := item.AsString(); err == nil && opt == s {
				return s, nil
			}
		}
		return nil, &errors.ValidationError{
			Field:   "inputs." + key,
			Message: fmt.Sprintf("value %q is not one of the declared options", s),
		}
	default:
		return nil, &errors.ValidationError{
			Field:   "inputs." + key,
			Message: fmt.Sprintf("unknown input type %q", typeName),
		}
	}
}

// ValidateCallSecrets checks provided secrets against a workflow_call
// trigger's declared secrets, aggregating offenders.
func ValidateCallSecrets(declared *token.Token, provided map[string]string) error {
	var verrs errors.ValidationErrors

	declaredKeys := make(map[string]*token.Token)
	if !declared.IsNull() {
		if _, err := declared.AsMapping(); err != nil {
			return &errors.ValidationError{
				Field:   "secrets",
				Message: "secrets must be a mapping",
			}
		}
		declared.Each(func(key string, def *token.Token) {
			declaredKeys[strings.ToLower(key)] = def
		})
	}

	for key := range provided {
		if _, ok := declaredKeys[strings.ToLower(key)]; !ok {
			verrs.Appendf("secrets."+key, "secret is not declared by the workflow")
		}
	}
	for key, def := range declaredKeys {
		if _, given := provided[key]; given {
			continue
		}
		found := false
		for k := range provided {
			if strings.EqualFold(k, key) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !def.IsNull() {
			if req, ok := def.Get("required"); ok {
				if b, err := req.AsBool(); err == nil && b {
					verrs.Appendf("secrets."+key, "required secret was not provided")
				}
			}
		}
	}
	return verrs.Err()
}
