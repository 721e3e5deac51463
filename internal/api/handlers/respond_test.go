package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no token", fmt.Errorf("lookup: %w", token.ErrNoActiveToken), http.StatusNotFound},
		{"refresh running", token.ErrRefreshInProgress, http.StatusConflict},
		{"token replaced", fmt.Errorf("store refreshed token: %w", token.ErrTokenReplaced), http.StatusConflict},
		{"rate limited", &resilience.RateLimitedError{}, http.StatusTooManyRequests},
		{"circuit open", &resilience.CircuitOpenError{Name: "lwa.token"}, http.StatusServiceUnavailable},
		{"token invalid", fmt.Errorf("%w: invalid_grant", resilience.ErrTokenInvalid), http.StatusUnauthorized},
		{"permission", resilience.ErrPermissionDenied, http.StatusForbidden},
		{"validation", resilience.ErrValidation, http.StatusBadRequest},
		{"upstream 5xx", resilience.Retryable(resilience.ErrUpstreamServer, 0), http.StatusBadGateway},
		{"network", resilience.Retryable(resilience.ErrNetwork, 0), http.StatusBadGateway},
		{"timeout", resilience.ErrNetworkTimeout, http.StatusBadGateway},
		{"unknown", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := StatusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteError_RetryAfterAndHiddenInternals(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/x", nil)

	rec := httptest.NewRecorder()
	writeError(rec, req, logging.NewSilentLogger(), &resilience.RateLimitedError{RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeError(rec, req, logging.NewSilentLogger(), &resilience.CircuitOpenError{Name: "ads.accounts.list", Remaining: 30 * time.Second})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeError(rec, req, logging.NewSilentLogger(), errors.New("sql: connection refused at /var/run/db.sock"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db.sock")
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?limit=5&bad=-1&force=true", nil)
	assert.Equal(t, 5, queryInt(req, "limit", 20))
	assert.Equal(t, 20, queryInt(req, "bad", 20))
	assert.Equal(t, 20, queryInt(req, "missing", 20))
	assert.True(t, queryBool(req, "force"))
	assert.False(t, queryBool(req, "missing"))
}
