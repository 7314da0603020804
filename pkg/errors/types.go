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

// Package errors defines the typed error values used across foreman.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a workflow authoring error: malformed YAML,
// an illegal job name, an invalid cron line, an undeclared input and so on.
// Authoring errors fail the run that carries them, never the process.
type ValidationError struct {
	// Field identifies what failed validation (e.g. "jobs.build.needs")
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ValidationErrors aggregates several authoring errors into one message,
// so a workflow author sees every problem at once instead of the first.
type ValidationErrors struct {
	Errors []error
}

// Append adds an error to the aggregate. Nil errors are ignored.
func (e *ValidationErrors) Append(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// Appendf adds a formatted ValidationError to the aggregate.
func (e *ValidationErrors) Appendf(field, format string, args ...any) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns the aggregate as an error, or nil if nothing was collected.
func (e *ValidationErrors) Err() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, ". ")
}

// Unwrap returns the collected errors for errors.Is/As support.
func (e *ValidationErrors) Unwrap() []error {
	return e.Errors
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "job", "session", "agent")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// SessionExpiredError tells a polling agent that its session is no longer
// valid and that it has to create a new one. A server restart invalidates
// every session, so this is part of normal agent operation.
type SessionExpiredError struct {
	// Message explains why the session is gone
	Message string
}

// Error implements the error interface.
func (e *SessionExpiredError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "the agent session has expired"
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "listen.address")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g. file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "job", "long poll")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}
