package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds every request's context to timeout, so a fetch
// that stalls on a slow key-value backend or a stuck forced refresh is
// cancelled rather than holding the connection open indefinitely.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
