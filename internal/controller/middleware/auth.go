// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"runplane/internal/auth"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// envKey is the context key for the authenticated environment.
type envKey struct{}

// EnvironmentResolver looks up the environment an API key belongs to.
type EnvironmentResolver interface {
	GetEnvironmentByAPIKeyHash(ctx context.Context, hash string) (*store.Environment, error)
}

// APIKeyAuth authenticates requests with an environment API key. Every
// public operation is scoped to exactly one environment.
func APIKeyAuth(envs EnvironmentResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			env, err := envs.GetEnvironmentByAPIKeyHash(r.Context(), auth.HashKey(key))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					unauthorized(w, "invalid API key")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(api.Envelope[any]{Success: false, Error: "internal error"})
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithEnv(r.Context(), env)))
		})
	}
}

// NewContextWithEnv stores the authenticated environment in the context.
func NewContextWithEnv(ctx context.Context, env *store.Environment) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFromContext extracts the authenticated environment.
func EnvFromContext(ctx context.Context) (*store.Environment, bool) {
	env, ok := ctx.Value(envKey{}).(*store.Environment)
	return env, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.Envelope[any]{Success: false, Error: message})
}
