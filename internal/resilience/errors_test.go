package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	rl := fmt.Errorf("list accounts: %w", &RateLimitedError{RetryAfter: 2 * time.Second})
	assert.ErrorIs(t, rl, ErrRateLimited)
	assert.True(t, IsRetryable(rl))
	assert.Contains(t, rl.Error(), "retry after 2s")

	open := &CircuitOpenError{Name: "lwa.token", Remaining: 1500 * time.Millisecond}
	assert.ErrorIs(t, open, ErrCircuitOpen)
	assert.Equal(t, `circuit "lwa.token" open, retry in 1.5s`, open.Error())

	tagged := Retryable(fmt.Errorf("%w: status 503", ErrUpstreamServer), time.Second)
	assert.ErrorIs(t, tagged, ErrUpstreamServer)
	d, ok := retryHint(tagged)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Nil(t, Retryable(nil, time.Second))

	assert.False(t, IsRetryable(ErrTokenInvalid))
}

func TestCountsAgainstBreaker(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrUpstreamServer, true},
		{Retryable(ErrNetworkTimeout, 0), true},
		{&RateLimitedError{}, true},
		{errors.New("unexpected"), true},
		{fmt.Errorf("refresh: %w", ErrTokenInvalid), false},
		{ErrPermissionDenied, false},
		{ErrValidation, false},
		{&CircuitOpenError{Name: "x"}, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CountsAgainstBreaker(tt.err), "%v", tt.err)
	}
}
