package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInferCORSOrigins(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected []string
	}{
		{
			name:     "explicit origins win",
			config:   Config{Server: ServerConfig{AllowedOrigins: []string{"https://app.example.com"}, PostLoginRedirect: "https://other.example.com/home"}},
			expected: []string{"https://app.example.com"},
		},
		{
			name:     "post login redirect origin",
			config:   Config{Server: ServerConfig{PostLoginRedirect: "https://app.example.com:8443/home?x=1"}},
			expected: []string{"https://app.example.com:8443"},
		},
		{
			name:     "relative redirect",
			config:   Config{Server: ServerConfig{PostLoginRedirect: "/home"}},
			expected: nil,
		},
		{
			name:     "empty",
			config:   Config{},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.InferCORSOrigins()
			if len(got) != len(tt.expected) {
				t.Fatalf("got %v want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Fatalf("origin %d: got %q want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name            string
		method          string
		origin          string
		preflight       bool
		expectedStatus  int
		expectAllowed   bool
		expectCredsFlag bool
	}{
		{name: "allowed origin", method: http.MethodPost, origin: "http://localhost:3000", expectedStatus: http.StatusOK, expectAllowed: true, expectCredsFlag: true},
		{name: "foreign origin", method: http.MethodPost, origin: "https://evil.example.com", expectedStatus: http.StatusOK},
		{name: "no origin", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "preflight allowed", method: http.MethodOptions, origin: "http://localhost:3000", preflight: true, expectedStatus: http.StatusNoContent, expectAllowed: true, expectCredsFlag: true},
		{name: "preflight foreign", method: http.MethodOptions, origin: "https://evil.example.com", preflight: true, expectedStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/auth/exchange", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Fatalf("status: got %d want %d", w.Code, tt.expectedStatus)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.expectAllowed && got != tt.origin {
				t.Fatalf("Access-Control-Allow-Origin: got %q want %q", got, tt.origin)
			}
			if !tt.expectAllowed && got != "" {
				t.Fatalf("Access-Control-Allow-Origin should be empty, got %q", got)
			}
			creds := w.Header().Get("Access-Control-Allow-Credentials") == "true"
			if creds != tt.expectCredsFlag {
				t.Fatalf("Access-Control-Allow-Credentials: got %v want %v", creds, tt.expectCredsFlag)
			}
		})
	}
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	handler := CORSMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("wildcard should allow the origin")
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("credentials must not be shared with a wildcard, got %q", got)
	}
}

func TestRoutesSkipCORSWithoutOrigins(t *testing.T) {
	fp := newFakeProvider(t)
	cfg := testConfig(fp.server.URL)
	cfg.Server.AllowedOrigins = nil
	app := newTestApp(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := serve(app, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("no origins configured should mean no CORS headers, got %q", got)
	}
}
