package server

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// TimeoutMiddleware enforces request timeouts on plain request/response
// routes. Requests accepting text/event-stream are exempt: a stream lives as
// long as its subscriber stays connected.
// The handler is not forcibly terminated; it must observe context.Done().
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wantsEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
