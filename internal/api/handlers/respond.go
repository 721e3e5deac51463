// Package handlers implements the custodian's HTTP routes.
package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/token"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/logging"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: typ}})
}

// StatusFor maps the error taxonomy onto an HTTP status and error type.
func StatusFor(err error) (int, string) {
	var rl *resilience.RateLimitedError
	var open *resilience.CircuitOpenError
	switch {
	case errors.Is(err, token.ErrNoActiveToken):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, token.ErrRefreshInProgress), errors.Is(err, token.ErrTokenReplaced):
		return http.StatusConflict, "conflict"
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &open):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, resilience.ErrTokenInvalid):
		return http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, resilience.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, resilience.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, resilience.ErrUpstreamServer),
		errors.Is(err, resilience.ErrNetwork),
		errors.Is(err, resilience.ErrNetworkTimeout):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError logs err against the request and writes the mapped response.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status, typ := StatusFor(err)
	setRetryAfter(w, err)

	l := logging.Ctx(r.Context(), log)
	if status >= 500 {
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		l.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeMessage(w, status, typ, msg)
}

func setRetryAfter(w http.ResponseWriter, err error) {
	var wait time.Duration
	var rl *resilience.RateLimitedError
	var open *resilience.CircuitOpenError
	switch {
	case errors.As(err, &rl):
		wait = rl.RetryAfter
	case errors.As(err, &open):
		wait = open.Remaining
	}
	if wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
