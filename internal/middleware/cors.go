// Package middleware provides HTTP middleware for the bridge API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/tesserbridge/bridge/internal/identity"
)

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	identity.PeerHeaderName,
	identity.SessionHeaderName,
}, ", ")

// CORS returns middleware that handles CORS headers. A "*" entry allows any
// origin but never grants credentials; credentialed requests require the
// origin to be listed explicitly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			explicit := false
			wildcard := false
			for _, o := range allowedOrigins {
				switch {
				case o == "*":
					wildcard = true
				case o == origin:
					explicit = true
				}
			}

			if explicit || wildcard {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
