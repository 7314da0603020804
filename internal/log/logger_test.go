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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	})

	logger.Info("job dispatched", slog.String(JobIDKey, "build"), slog.Int64(RunIDKey, 42))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["msg"] != "job dispatched" {
		t.Errorf("msg = %v, want %q", entry["msg"], "job dispatched")
	}
	if entry[JobIDKey] != "build" {
		t.Errorf("%s = %v, want %q", JobIDKey, entry[JobIDKey], "build")
	}
	if entry[RunIDKey] != float64(42) {
		t.Errorf("%s = %v, want 42", RunIDKey, entry[RunIDKey])
	}
}

func TestNewTextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{
		Level:  "debug",
		Format: FormatText,
		Output: &buf,
	})

	logger.Debug("polling for messages")

	if !strings.Contains(buf.String(), "polling for messages") {
		t.Errorf("text output missing message: %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{
		Level:  "warn",
		Format: FormatJSON,
		Output: &buf,
	})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info log appeared despite warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn log missing")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	})

	WithComponent(logger, "dispatch").Info("queue created")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["component"] != "dispatch" {
		t.Errorf("component = %v, want %q", entry["component"], "dispatch")
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	})

	WithRunContext(logger, 7, "ci").Info("run started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry[RunIDKey] != float64(7) {
		t.Errorf("%s = %v, want 7", RunIDKey, entry[RunIDKey])
	}
	if entry[WorkflowKey] != "ci" {
		t.Errorf("%s = %v, want %q", WorkflowKey, entry[WorkflowKey], "ci")
	}
}

func TestFromEnvDebug(t *testing.T) {
	t.Setenv("FOREMAN_DEBUG", "1")
	t.Setenv("LOG_LEVEL", "error")

	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Level)
	}
	if !cfg.AddSource {
		t.Error("AddSource = false, want true")
	}
}

func TestFromEnvLevelPrecedence(t *testing.T) {
	t.Setenv("FOREMAN_DEBUG", "")
	t.Setenv("FOREMAN_LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL", "error")

	cfg := FromEnv()
	if cfg.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Level)
	}
}

func TestSanitizeSecret(t *testing.T) {
	if got := SanitizeSecret("hunter2"); got != "[REDACTED]" {
		t.Errorf("SanitizeSecret = %q, want [REDACTED]", got)
	}
}
