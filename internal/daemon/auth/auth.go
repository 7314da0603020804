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

// Package auth provides authentication middleware for the daemon API:
// job-scoped bearer tokens for agent callbacks, a shared registration
// token for agent enrolment, webhook signature verification and
// per-client rate limiting.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/dispatch"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const jobIDContextKey contextKey = "job_id"

// JobIDFromContext returns the job ID a verified job token was minted
// for.
func JobIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(jobIDContextKey).(uuid.UUID)
	return id, ok
}

// ContextWithJobID returns a context carrying the given job ID. Test
// handlers use it to skip the middleware.
func ContextWithJobID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDContextKey, id)
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// JobToken returns middleware that requires a job-scoped bearer token
// signed with secret. The job ID the token was minted for is placed in
// the request context.
func JobToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "a job token is required")
				return
			}
			jobID, err := dispatch.VerifyJobToken(secret, token)
			if err != nil {
				unauthorized(w, "invalid job token")
				return
			}
			ctx := context.WithValue(r.Context(), jobIDContextKey, jobID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RegistrationToken returns middleware that requires the shared agent
// registration token as a bearer credential.
func RegistrationToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				unauthorized(w, "invalid registration token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httputil.WriteError(w, http.StatusUnauthorized, message)
}
