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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	const secret = "hook-secret"

	tests := []struct {
		name    string
		header  string
		value   string
		wantErr bool
	}{
		{
			name:   "github style",
			header: "X-Hub-Signature-256",
			value:  "sha256=" + sign(body, secret),
		},
		{
			name:   "gitea style",
			header: "X-Gitea-Signature",
			value:  sign(body, secret),
		},
		{
			name:   "bare signature header",
			header: "X-Signature",
			value:  sign(body, secret),
		},
		{
			name:   "bearer token",
			header: "Authorization",
			value:  "Bearer " + secret,
		},
		{
			name:    "wrong secret",
			header:  "X-Hub-Signature-256",
			value:   "sha256=" + sign(body, "other"),
			wantErr: true,
		},
		{
			name:    "wrong bearer",
			header:  "Authorization",
			value:   "Bearer nope",
			wantErr: true,
		},
		{
			name:    "unsupported algorithm",
			header:  "X-Hub-Signature-256",
			value:   "sha1=" + sign(body, secret),
			wantErr: true,
		},
		{
			name:    "no credentials",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhook", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			err := Verify(r, body, secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook", nil)
	if got := ParseEvent(r); got != "" {
		t.Errorf("ParseEvent() = %q, want empty", got)
	}

	r.Header.Set("X-GitHub-Event", "push")
	if got := ParseEvent(r); got != "push" {
		t.Errorf("ParseEvent() = %q, want push", got)
	}

	r = httptest.NewRequest("POST", "/webhook", nil)
	r.Header.Set("X-Gitea-Event", "pull_request")
	if got := ParseEvent(r); got != "pull_request" {
		t.Errorf("ParseEvent() = %q, want pull_request", got)
	}
}

func TestExtractPayload(t *testing.T) {
	payload, err := ExtractPayload([]byte(`{"action":"opened"}`))
	if err != nil {
		t.Fatalf("ExtractPayload() error = %v", err)
	}
	if payload["action"] != "opened" {
		t.Errorf("payload[action] = %v", payload["action"])
	}

	if _, err := ExtractPayload([]byte("not json")); err == nil {
		t.Error("ExtractPayload() should reject malformed JSON")
	}
}

func mustPayload(t *testing.T, doc string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestRepository(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "full_name",
			doc:  `{"repository":{"full_name":"acme/app"}}`,
			want: "acme/app",
		},
		{
			name: "owner login plus name",
			doc:  `{"repository":{"name":"app","owner":{"login":"acme"}}}`,
			want: "acme/app",
		},
		{
			name: "no repository",
			doc:  `{}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Repository(mustPayload(t, tt.doc)); got != tt.want {
				t.Errorf("Repository() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRef(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "push",
			doc:  `{"ref":"refs/heads/main"}`,
			want: "refs/heads/main",
		},
		{
			name: "create branch",
			doc:  `{"ref":"feature","ref_type":"branch"}`,
			want: "refs/heads/feature",
		},
		{
			name: "create tag",
			doc:  `{"ref":"v1.0","ref_type":"tag"}`,
			want: "refs/tags/v1.0",
		},
		{
			name: "pull request head",
			doc:  `{"pull_request":{"head":{"ref":"topic"}}}`,
			want: "refs/heads/topic",
		},
		{
			name: "default branch fallback",
			doc:  `{"repository":{"default_branch":"main"}}`,
			want: "refs/heads/main",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ref(mustPayload(t, tt.doc)); got != tt.want {
				t.Errorf("Ref() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSha(t *testing.T) {
	if got := Sha(mustPayload(t, `{"after":"abc123"}`)); got != "abc123" {
		t.Errorf("Sha() = %q, want abc123", got)
	}
	if got := Sha(mustPayload(t, `{"pull_request":{"head":{"sha":"def456"}}}`)); got != "def456" {
		t.Errorf("Sha() = %q, want def456", got)
	}
	if got := Sha(mustPayload(t, `{}`)); got != "" {
		t.Errorf("Sha() = %q, want empty", got)
	}
}

func TestChangedFiles(t *testing.T) {
	doc := `{"commits":[
		{"added":["a.go"],"modified":["b.go"],"removed":[]},
		{"added":["b.go"],"modified":["docs/c.md"]}
	]}`
	got := ChangedFiles(mustPayload(t, doc))
	want := []string{"a.go", "b.go", "docs/c.md"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChangedFiles() = %v, want %v", got, want)
	}

	if got := ChangedFiles(mustPayload(t, `{}`)); got != nil {
		t.Errorf("ChangedFiles() = %v, want nil", got)
	}
}
