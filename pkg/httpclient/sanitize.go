package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments redacted from
// logged URLs, matched case-insensitively.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
}

// sanitizeURL returns the URL with secret-bearing query parameters
// replaced, safe to log.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}
	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}

// isSensitiveParam matches substrings so variants like "API_KEY" and
// "access_token" are caught.
func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, fragment := range sensitiveParams {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
