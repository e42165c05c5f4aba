package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the request's Authorization: Bearer <token> header
// against the configured token using a constant-time comparison. An
// empty configured token means auth is disabled entirely — not "accept
// anything" — so every protected endpoint 401s until an operator sets
// one.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// bearerToken extracts the raw bearer token from a request, if present,
// for use as a rate-limit bucket key. Returns "" when absent or malformed.
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}
