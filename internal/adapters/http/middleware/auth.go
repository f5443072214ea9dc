package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// Auth returns a bearer-token middleware. An empty token disables auth,
// which is the expected mode for localhost and VPN deployments; anything
// internet-facing should also sit behind a reverse proxy.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				// Browsers cannot set headers on WebSocket upgrades,
				// so the token may ride in the query string there.
				presented = r.URL.Query().Get("token")
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				log.Printf("HTTP 401: rejected request to %s", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"auth_error","message":"Invalid or missing bearer token"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
