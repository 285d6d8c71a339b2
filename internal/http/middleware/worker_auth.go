package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
)

// SecretFunc returns the current shared worker secret.
type SecretFunc func(ctx context.Context) (string, error)

// authResult is the outcome of checking a worker secret.
type authResult int

const (
	authOK authResult = iota
	authDenied
	authDisabled
)

// checkWorkerSecret compares the presented secret with the configured one.
// The worker protocol is disabled while no secret is configured.
func checkWorkerSecret(ctx context.Context, secret SecretFunc, presented string) authResult {
	want, err := secret(ctx)
	if err != nil || want == "" {
		return authDisabled
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(presented)) != 1 {
		return authDenied
	}
	return authOK
}

// WorkerAuth protects raw worker routes with the X-Worker-Secret header.
func WorkerAuth(secret SecretFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch checkWorkerSecret(r.Context(), secret, r.Header.Get(source.WorkerSecretHeader)) {
			case authDisabled:
				writeAuthError(w, http.StatusServiceUnavailable, "worker protocol disabled: no shared secret configured")
			case authDenied:
				writeAuthError(w, http.StatusUnauthorized, "invalid worker secret")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// HumaWorkerAuth is WorkerAuth for huma operations.
func HumaWorkerAuth(api huma.API, secret SecretFunc) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		switch checkWorkerSecret(ctx.Context(), secret, ctx.Header(source.WorkerSecretHeader)) {
		case authDisabled:
			_ = huma.WriteErr(api, ctx, http.StatusServiceUnavailable, "worker protocol disabled: no shared secret configured")
		case authDenied:
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid worker secret")
		default:
			next(ctx)
		}
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
