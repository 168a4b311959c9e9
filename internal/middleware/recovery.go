package middleware

import (
	"log/slog"
	"net/http"
)

// Recovery converts a panic in a downstream handler into a 500 response
// instead of taking down the diagnostics server.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", "request_id", RequestIDFromContext(r.Context()), "panic", rec)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
