package middleware

import (
	"net/http"

	"runplane/internal/logger"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID on responses and, when a
// client supplies one, on requests.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request a correlation ID, stores it in the
// context for logging, and echoes it on the response. Client-supplied
// IDs are kept so callers can trace retries.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := logger.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
