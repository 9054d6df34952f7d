package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

var testSecret = []byte("test-secret")

func protected(t *testing.T) http.Handler {
	t.Helper()
	mw := Middleware(testSecret, zerolog.Nop())
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(OwnerID(r)))
	}))
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	tok, err := Token(testSecret, "alice")
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/reminders", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()

	protected(t).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "alice" {
		t.Errorf("owner id: got %q, want %q", got, "alice")
	}
}

func TestMiddlewareRejectsBadRequests(t *testing.T) {
	wrongSecret, err := Token([]byte("other-secret"), "alice")
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	noSubject, err := Token(testSecret, "")
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic abc123"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + wrongSecret},
		{"no subject", "Bearer " + noSubject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/reminders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()

			protected(t).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status: got %d, want 401", rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body["error"] == "" {
				t.Error("error body has no error message")
			}
		})
	}
}

func TestOwnerIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/reminders", nil)
	if got := OwnerID(req); got != "" {
		t.Errorf("owner id: got %q, want empty", got)
	}
}
