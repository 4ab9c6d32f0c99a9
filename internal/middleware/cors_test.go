package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(allowed []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantStatus  int
		wantOrigin  string
		wantCredent string
	}{
		{"explicit origin", []string{"https://term.example.com"}, http.MethodGet, "https://term.example.com", http.StatusTeapot, "https://term.example.com", "true"},
		{"wildcard has no credentials", []string{"*"}, http.MethodGet, "https://any.example.org", http.StatusTeapot, "https://any.example.org", ""},
		{"foreign origin", []string{"https://term.example.com"}, http.MethodGet, "https://evil.example.net", http.StatusTeapot, "", ""},
		{"same origin request", []string{"*"}, http.MethodGet, "", http.StatusTeapot, "", ""},
		{"preflight", []string{"https://term.example.com"}, http.MethodOptions, "https://term.example.com", http.StatusNoContent, "https://term.example.com", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serveCORS(tt.allowed, tt.method, tt.origin)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCredent {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCredent)
			}
		})
	}
}
