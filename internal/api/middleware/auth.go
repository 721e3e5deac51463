// Package middleware holds the chi middleware shared by the API routes.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db"
	"gorm.io/gorm"
)

// APIKeyAuth validates the API key from the Authorization header (Bearer) or x-api-key.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// The key is generated at startup, so an empty one means storage is broken.
				writeAuthError(w, http.StatusServiceUnavailable, "API key unavailable")
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if keyMatches(strings.TrimPrefix(authHeader, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if apiKeyHeader := r.Header.Get("x-api-key"); apiKeyHeader != "" && keyMatches(apiKeyHeader, expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
		})
	}
}

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error": {"message": "` + msg + `", "type": "authentication_error"}}`))
}
