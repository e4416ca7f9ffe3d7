package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("secret-token-123", "", "rotated-token")(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer secret-token-123", http.StatusOK},
		{"second token", "Bearer rotated-token", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"prefix of token", "Bearer secret", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase bearer", "bearer secret-token-123", http.StatusUnauthorized},
		{"no prefix", "secret-token-123", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q", ct)
				}
				if !strings.Contains(rec.Body.String(), `"error"`) {
					t.Errorf("body = %q, want json error", rec.Body.String())
				}
			}
		})
	}
}

func TestBearerToken_NoTokensRejectsAll(t *testing.T) {
	t.Parallel()

	h := BearerToken("", "  ")(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAgentToken(t *testing.T) {
	t.Parallel()

	var got string
	h := AgentToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AgentTokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.Header.Set(AgentTokenHeader, "  tok-analyst ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "tok-analyst" {
		t.Errorf("token = %q, want tok-analyst", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "" {
		t.Errorf("token = %q, want empty when header absent", got)
	}
}

func TestAgentTokenFromContext_Empty(t *testing.T) {
	t.Parallel()

	if tok := AgentTokenFromContext(context.Background()); tok != "" {
		t.Errorf("token = %q, want empty", tok)
	}
}
