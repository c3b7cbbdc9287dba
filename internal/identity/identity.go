// Package identity provides anonymous per-device peer identity primitives.
// Browser-based IDE peers get a stable cookie-backed peer ID; automation
// peers pass an explicit header instead.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	AnonCookieName    = "bridge_peer_id"
	PeerHeaderName    = "X-Bridge-Peer-ID"
	SessionHeaderName = "X-Bridge-Session-ID"
	anonCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	peerIDKey contextKey = iota
	sessionIDKey
)

var (
	anonIDPattern = regexp.MustCompile(`^peer_[a-f0-9]{32}$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// PeerIDFromContext extracts the peer ID from the request context.
func PeerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(peerIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous peer id: %w", err)
	}
	return "peer_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return ""
	}
	return id
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setPeerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setPeerCookie(w, id, isDev)
	return id, nil
}

func setPeerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects the peer ID and session ID into the request context.
// An explicit peer header wins over the cookie, letting headless node peers
// identify themselves without cookies.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peerID := sanitizeID(r.Header.Get(PeerHeaderName))
			if peerID == "" {
				id, err := getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish peer identity"}`, http.StatusInternalServerError)
					return
				}
				peerID = id
			}

			sessionID := sanitizeID(r.Header.Get(SessionHeaderName))
			if sessionID == "" {
				sessionID = sanitizeID(r.URL.Query().Get("session_id"))
			}

			ctx := context.WithValue(r.Context(), peerIDKey, peerID)
			ctx = context.WithValue(ctx, sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
