package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/util"
)

const maxErrorBody = 300

// classifyResponse maps a non-2xx answer onto the resilience taxonomy.
// Server errors are tagged retryable so the limiter backs off on them.
func classifyResponse(resp *http.Response, body []byte) error {
	msg := errorMessage(body)
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &resilience.RateLimitedError{RetryAfter: ParseRetryDelay(resp), Message: msg}
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", resilience.ErrTokenInvalid, msg)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", resilience.ErrPermissionDenied, msg)
	case code >= 500:
		err := fmt.Errorf("%w: status %d: %s", resilience.ErrUpstreamServer, code, msg)
		return resilience.Retryable(err, ParseRetryDelay(resp))
	case code >= 400:
		return fmt.Errorf("%w: status %d: %s", resilience.ErrValidation, code, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
}

// ClassifyTransport maps a transport failure. Caller cancellation is returned unchanged.
func ClassifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return resilience.Retryable(fmt.Errorf("%w: %v", resilience.ErrNetworkTimeout, err), 0)
	}
	return resilience.Retryable(fmt.Errorf("%w: %v", resilience.ErrNetwork, err), 0)
}

// errorMessage pulls a readable message out of an Ads API error body.
func errorMessage(body []byte) string {
	var payload struct {
		Code    string `json:"code"`
		Details string `json:"details"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		parts := make([]string, 0, 2)
		if payload.Code != "" {
			parts = append(parts, payload.Code)
		}
		if payload.Details != "" {
			parts = append(parts, payload.Details)
		} else if payload.Message != "" {
			parts = append(parts, payload.Message)
		}
		if len(parts) > 0 {
			return util.Truncate(strings.Join(parts, ": "), maxErrorBody)
		}
	}
	return util.Truncate(strings.TrimSpace(string(body)), maxErrorBody)
}
