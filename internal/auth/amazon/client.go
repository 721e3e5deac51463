package amazon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// EndpointToken names token endpoint calls for breakers and usage tracking.
const EndpointToken = "lwa.token"

// defaultTokenLifetime applies when the token response carries no expiry.
const defaultTokenLifetime = time.Hour

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Client exchanges and refreshes Login with Amazon tokens through a rate
// limiter and a circuit breaker.
type Client struct {
	cfg        *oauth2.Config
	httpClient *http.Client
	limiter    *resilience.RateLimiter
	breaker    *resilience.CircuitBreaker
	log        zerolog.Logger
	now        func() time.Time
}

// NewClient creates the OAuth client. httpClient may be nil.
func NewClient(opts Options, httpClient *http.Client, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:        NewOAuthConfig(opts),
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    breaker,
		log:        log.With().Str("component", "lwa").Logger(),
		now:        time.Now,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func (c *Client) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for a token set.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: empty authorization code", resilience.ErrValidation)
	}
	return c.call(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return c.cfg.Exchange(ctx, code)
	})
}

// RefreshToken obtains a fresh access token. The returned refresh token is the
// rotated one when the server issued it, otherwise the one passed in.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", resilience.ErrTokenInvalid)
	}
	return c.call(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
}

func (c *Client) call(ctx context.Context, op func(context.Context) (*oauth2.Token, error)) (*TokenSet, error) {
	ctx = resilience.WithEndpoint(ctx, EndpointToken)
	tok, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) (*oauth2.Token, error) {
		return resilience.ExecuteWithRetry(ctx, c.limiter, func(ctx context.Context) (*oauth2.Token, error) {
			tok, err := op(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
			if err != nil {
				return nil, classifyTokenError(ctx, err)
			}
			return tok, nil
		}, 0)
	}, nil)
	if err != nil {
		return nil, err
	}
	return c.toTokenSet(tok), nil
}

func (c *Client) toTokenSet(tok *oauth2.Token) *TokenSet {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultTokenLifetime)
	}
	scope, _ := tok.Extra("scope").(string)
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scope:        scope,
	}
}

// permanentMarkers identify grants that no retry can repair.
var permanentMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

func isPermanentRefreshError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyTokenError maps token endpoint failures onto the taxonomy.
func classifyTokenError(ctx context.Context, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		var ue *url.Error
		switch {
		case isPermanentRefreshError(err.Error()):
			return fmt.Errorf("%w: %v", resilience.ErrTokenInvalid, err)
		case errors.As(err, &ue) || ctx.Err() != nil:
			return upstream.ClassifyTransport(ctx, err)
		default:
			// Malformed token response.
			return fmt.Errorf("%w: %v", resilience.ErrValidation, err)
		}
	}

	status := 0
	var retryAfter time.Duration
	if re.Response != nil {
		status = re.Response.StatusCode
		retryAfter = upstream.ParseRetryDelay(re.Response)
	}
	desc := re.ErrorCode
	if re.ErrorDescription != "" {
		desc += ": " + re.ErrorDescription
	}
	if desc == "" {
		desc = strings.TrimSpace(string(re.Body))
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &resilience.RateLimitedError{RetryAfter: retryAfter, Message: desc}
	case status >= 500:
		return resilience.Retryable(fmt.Errorf("%w: status %d: %s", resilience.ErrUpstreamServer, status, desc), retryAfter)
	case isPermanentRefreshError(re.ErrorCode) || isPermanentRefreshError(desc):
		return fmt.Errorf("%w: %s", resilience.ErrTokenInvalid, desc)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", resilience.ErrTokenInvalid, desc)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", resilience.ErrPermissionDenied, desc)
	default:
		return fmt.Errorf("%w: status %d: %s", resilience.ErrValidation, status, desc)
	}
}
