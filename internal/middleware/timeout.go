package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout returns middleware that bounds request handling. WebSocket
// upgrades are exempt: a proxied control-protocol socket lives as long as
// the session does.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// isUpgrade reports whether the request asks for a protocol upgrade.
func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}
