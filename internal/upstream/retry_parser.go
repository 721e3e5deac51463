package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// throttleBody is the subset of an Ads API throttling payload that can carry
// a retry hint.
type throttleBody struct {
	Code       string `json:"code"`
	Details    string `json:"details"`
	Message    string `json:"message"`
	RetryAfter string `json:"retryAfter"` // "3", "3s" or "1.5s"
}

// ParseRetryDelay extracts a retry duration from a throttled response.
// It checks the Retry-After header first, then the JSON body.
// Returns 0 if no retry information is found.
// The body is restored so callers can still read it.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
		return d
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var body throttleBody
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return 0
	}
	if d, ok := parseRetryAfter(body.RetryAfter); ok {
		return d
	}
	return 0
}

// parseRetryAfter accepts delta-seconds, a Go duration or an HTTP date.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
