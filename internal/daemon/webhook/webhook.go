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

// Package webhook verifies and parses forge webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Verify checks a webhook delivery's signature against the shared
// secret. Supported credential formats:
//   - X-Hub-Signature-256: sha256=<hex>
//   - X-Gitea-Signature / X-Gogs-Signature / X-Signature: <hex>
//   - Authorization: Bearer <secret>
func Verify(r *http.Request, body []byte, secret string) error {
	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		return verifyHMAC(sig, body, secret)
	}
	for _, header := range []string{"X-Gitea-Signature", "X-Gogs-Signature", "X-Signature"} {
		if sig := r.Header.Get(header); sig != "" {
			return verifyHMAC("sha256="+sig, body, secret)
		}
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if hmac.Equal([]byte(token), []byte(secret)) {
			return nil
		}
		return fmt.Errorf("invalid token")
	}

	return fmt.Errorf("no signature header found")
}

func verifyHMAC(signature string, body []byte, secret string) error {
	parts := strings.SplitN(signature, "=", 2)
	var algo, sig string
	if len(parts) == 2 {
		algo = parts[0]
		sig = parts[1]
	} else {
		algo = "sha256"
		sig = signature
	}

	if algo != "sha256" {
		return fmt.Errorf("unsupported algorithm: %s", algo)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

// ParseEvent returns the event name of a webhook delivery. Forges
// disagree on the header, so several are tried.
func ParseEvent(r *http.Request) string {
	headers := []string{
		"X-GitHub-Event",
		"X-Gitea-Event",
		"X-Gogs-Event",
		"X-Event-Type",
	}

	for _, header := range headers {
		if value := r.Header.Get(header); value != "" {
			return value
		}
	}

	return ""
}

// ExtractPayload parses the webhook body as a JSON object.
func ExtractPayload(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return payload, nil
}

// Repository pulls the repository full name out of a payload, trying
// the shapes the common forges emit.
func Repository(payload map[string]any) string {
	repo, ok := payload["repository"].(map[string]any)
	if !ok {
		return ""
	}
	if name, ok := repo["full_name"].(string); ok && name != "" {
		return name
	}
	owner, _ := repo["owner"].(map[string]any)
	name, _ := repo["name"].(string)
	if owner != nil && name != "" {
		if login, ok := owner["login"].(string); ok && login != "" {
			return login + "/" + name
		}
	}
	return ""
}

// Ref returns the git ref a push or branch event concerns, falling
// back to the repository default branch for events without one.
func Ref(payload map[string]any) string {
	if ref, ok := payload["ref"].(string); ok && ref != "" {
		// Create/delete events carry a short ref plus a ref_type.
		if refType, ok := payload["ref_type"].(string); ok && refType != "" {
			switch refType {
			case "branch":
				return "refs/heads/" + ref
			case "tag":
				return "refs/tags/" + ref
			}
		}
		return ref
	}
	if pr, ok := payload["pull_request"].(map[string]any); ok {
		if head, ok := pr["head"].(map[string]any); ok {
			if ref, ok := head["ref"].(string); ok && ref != "" {
				return "refs/heads/" + ref
			}
		}
	}
	if repo, ok := payload["repository"].(map[string]any); ok {
		if branch, ok := repo["default_branch"].(string); ok && branch != "" {
			return "refs/heads/" + branch
		}
	}
	return ""
}

// Sha returns the commit the delivery concerns, or empty when the
// event carries none.
func Sha(payload map[string]any) string {
	if after, ok := payload["after"].(string); ok && after != "" {
		return after
	}
	if pr, ok := payload["pull_request"].(map[string]any); ok {
		if head, ok := pr["head"].(map[string]any); ok {
			if sha, ok := head["sha"].(string); ok {
				return sha
			}
		}
	}
	if sha, ok := payload["sha"].(string); ok {
		return sha
	}
	return ""
}

// ChangedFiles collects the paths a push delivery touched, feeding
// paths filters. Non-push events report none.
func ChangedFiles(payload map[string]any) []string {
	commits, ok := payload["commits"].([]any)
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var files []string
	for _, c := range commits {
		commit, ok := c.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"added", "modified", "removed"} {
			entries, ok := commit[key].([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				path, ok := entry.(string)
				if !ok || seen[path] {
					continue
				}
				seen[path] = true
				files = append(files, path)
			}
		}
	}
	return files
}

// Action returns the payload's action field, if any.
func Action(payload map[string]any) string {
	action, _ := payload["action"].(string)
	return action
}
