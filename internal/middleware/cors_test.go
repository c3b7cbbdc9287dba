package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsGet(t *testing.T, allowed []string, origin string) http.Header {
	t.Helper()
	handler := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", origin)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w.Result().Header
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	h := corsGet(t, []string{"*"}, "https://example.test")
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("Expected origin echo, got %q", got)
	}
	if got := h.Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Expected no credentials header on wildcard match, got %q", got)
	}
}

func TestCORSExplicitOriginGrantsCredentials(t *testing.T) {
	h := corsGet(t, []string{"https://ide.example.test"}, "https://ide.example.test")
	if got := h.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials for explicit origin, got %q", got)
	}
}

func TestCORSUnlistedOriginGetsNoHeaders(t *testing.T) {
	h := corsGet(t, []string{"https://ide.example.test"}, "https://evil.test")
	if got := h.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS headers for unlisted origin, got %q", got)
	}
}
