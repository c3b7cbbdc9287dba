package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func runMiddleware(t *testing.T, req *http.Request) (string, string, *httptest.ResponseRecorder) {
	t.Helper()
	var peerID, sessionID string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID = PeerIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return peerID, sessionID, w
}

func TestMiddlewareHeaderWinsOverCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(PeerHeaderName, "node-42")
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "peer_" + "00000000000000000000000000000000"})

	peerID, _, _ := runMiddleware(t, req)
	if peerID != "node-42" {
		t.Errorf("Expected header peer ID node-42, got %q", peerID)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	want := "peer_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: want})

	peerID, _, _ := runMiddleware(t, req)
	if peerID != want {
		t.Errorf("Expected cookie peer ID %q, got %q", want, peerID)
	}
}

func TestMiddlewareGeneratesAnonID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)

	peerID, _, w := runMiddleware(t, req)
	if !isValidAnonID(peerID) {
		t.Errorf("Expected generated anonymous peer ID, got %q", peerID)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("Expected peer cookie to be set")
	}
	if cookie.Value != peerID {
		t.Errorf("Expected cookie value %q, got %q", peerID, cookie.Value)
	}
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(PeerHeaderName, "bad id with spaces")

	peerID, _, _ := runMiddleware(t, req)
	if peerID == "bad id with spaces" {
		t.Error("Expected malformed header to be ignored")
	}
	if !isValidAnonID(peerID) {
		t.Errorf("Expected fallback anonymous peer ID, got %q", peerID)
	}
}

func TestMiddlewareSessionIDFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/bridge?session_id=sess-7", nil)

	_, sessionID, _ := runMiddleware(t, req)
	if sessionID != "sess-7" {
		t.Errorf("Expected session ID sess-7, got %q", sessionID)
	}
}
