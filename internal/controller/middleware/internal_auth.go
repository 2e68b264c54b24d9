package middleware

import (
	"crypto/subtle"
	"net/http"
)

// RequireWorkerAuth ensures the request carries the shared worker
// bearer token. The supervisor endpoints and the log-shipping endpoint
// sit behind this; they should additionally run on a separate port or
// behind strict network rules.
func RequireWorkerAuth(workerToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(workerToken)) != 1 {
				unauthorized(w, "invalid worker token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
