// Package authmw provides HTTP middleware for service authentication and for
// carrying the submitting agent's identity token.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AgentTokenHeader carries the token whose clearance gates escalation.
const AgentTokenHeader = "X-Agent-Token"

type agentTokenKey struct{}

// BearerToken returns middleware that requires an Authorization: Bearer header
// matching one of tokens. Several tokens may be configured during rotation.
// Empty tokens are ignored; with none configured every request is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			if !matchAny([]byte(auth[len("Bearer "):]), expected) {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchAny compares got against every candidate in constant time per candidate.
func matchAny(got []byte, candidates [][]byte) bool {
	ok := 0
	for _, c := range candidates {
		ok |= subtle.ConstantTimeCompare(got, c)
	}
	return ok == 1
}

// AgentToken copies the X-Agent-Token header into the request context. A
// missing header is not an error: it routes high-severity alerts to review.
func AgentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := strings.TrimSpace(r.Header.Get(AgentTokenHeader)); tok != "" {
			r = r.WithContext(WithAgentToken(r.Context(), tok))
		}
		next.ServeHTTP(w, r)
	})
}

// WithAgentToken returns ctx carrying token.
func WithAgentToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, agentTokenKey{}, token)
}

// AgentTokenFromContext returns the agent token, or "" if none was sent.
func AgentTokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(agentTokenKey{}).(string)
	return tok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
