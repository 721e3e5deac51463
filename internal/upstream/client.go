// Package upstream is the Amazon Ads API client used by account sync.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neverMEH/amazon-dsp-oauth-api/internal/resilience"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/util"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/version"
	"github.com/rs/zerolog"
)

// Region base URLs of the Ads API.
var BaseURLs = map[string]string{
	"NA": "https://advertising-api.amazon.com",
	"EU": "https://advertising-api-eu.amazon.com",
	"FE": "https://advertising-api-fe.amazon.com",
}

const (
	// EndpointListAccounts names the listing call for breakers and usage tracking.
	EndpointListAccounts = "ads.accounts.list"

	listAccountsPath      = "/adsAccounts/list"
	listAccountsMediaType = "application/vnd.listaccountsresource.v1+json"
	maxResponseBody       = 10 << 20
)

// BaseURLForRegion resolves a region code (NA, EU, FE).
func BaseURLForRegion(region string) (string, error) {
	u, ok := BaseURLs[strings.ToUpper(strings.TrimSpace(region))]
	if !ok {
		return "", fmt.Errorf("unknown ads region %q", region)
	}
	return u, nil
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the region lookup when set.
	BaseURL    string
	Region     string
	ClientID   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the Ads API through a rate limiter and a circuit breaker.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	limiter    *resilience.RateLimiter
	breaker    *resilience.CircuitBreaker
	log        zerolog.Logger
}

// NewClient creates an Ads API client.
func NewClient(opts Options, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, log zerolog.Logger) (*Client, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		var err error
		if baseURL, err = BaseURLForRegion(opts.Region); err != nil {
			return nil, err
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   opts.ClientID,
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    breaker,
		log:        log.With().Str("component", "ads-api").Logger(),
	}, nil
}

// ListAccountsRequest is one page request.
type ListAccountsRequest struct {
	MaxResults int    `json:"maxResults,omitempty"`
	NextToken  string `json:"nextToken,omitempty"`
}

// AlternateID is a country-scoped identity of an ads account.
type AlternateID struct {
	CountryCode string `json:"countryCode"`
	EntityID    string `json:"entityId,omitempty"`
	ProfileID   int64  `json:"profileId,omitempty"`
}

// RemoteAccount is one account as returned by the listing endpoint.
type RemoteAccount struct {
	ExternalID          string
	DisplayName         string
	Status              string
	AlternateIdentities []AlternateID
	CountryCodes        []string
	// ErrorsByCountry is kept verbatim.
	ErrorsByCountry map[string]json.RawMessage
}

// ListAccountsPage is one decoded page.
type ListAccountsPage struct {
	Accounts  []RemoteAccount
	NextToken string
}

type wireAccount struct {
	AdsAccountID string                     `json:"adsAccountId"`
	AccountName  string                     `json:"accountName"`
	Status       string                     `json:"status"`
	AlternateIDs []AlternateID              `json:"alternateIds"`
	CountryCodes []string                   `json:"countryCodes"`
	Errors       map[string]json.RawMessage `json:"errors"`
}

type wirePage struct {
	AdsAccounts *[]wireAccount `json:"adsAccounts"`
	NextToken   string         `json:"nextToken"`
}

// ListAccounts fetches one page of ads accounts visible to accessToken.
func (c *Client) ListAccounts(ctx context.Context, accessToken string, req ListAccountsRequest) (*ListAccountsPage, error) {
	ctx = resilience.WithEndpoint(ctx, EndpointListAccounts)
	return resilience.Call(ctx, c.breaker, func(ctx context.Context) (*ListAccountsPage, error) {
		return resilience.ExecuteWithRetry(ctx, c.limiter, func(ctx context.Context) (*ListAccountsPage, error) {
			return c.listAccounts(ctx, accessToken, req)
		}, 0)
	}, nil)
}

func (c *Client) listAccounts(ctx context.Context, accessToken string, req ListAccountsRequest) (*ListAccountsPage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+listAccountsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Amazon-Advertising-API-ClientId", c.clientID)
	httpReq.Header.Set("Content-Type", listAccountsMediaType)
	httpReq.Header.Set("Accept", listAccountsMediaType)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, ClassifyTransport(ctx, err)
	}
	c.log.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Bool("has_next_token", req.NextToken != "").
		Msg("list ads accounts")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Str("body", util.TruncateBytes(body)).Msg("ads api error response")
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return nil, classifyResponse(resp, body)
	}
	return decodePage(body)
}

// decodePage rejects payloads that are not a listing page.
func decodePage(body []byte) (*ListAccountsPage, error) {
	var wp wirePage
	if err := json.Unmarshal(body, &wp); err != nil {
		return nil, fmt.Errorf("%w: decode accounts page: %v", resilience.ErrValidation, err)
	}
	if wp.AdsAccounts == nil {
		return nil, fmt.Errorf("%w: accounts page without adsAccounts", resilience.ErrValidation)
	}

	page := &ListAccountsPage{
		Accounts:  make([]RemoteAccount, 0, len(*wp.AdsAccounts)),
		NextToken: wp.NextToken,
	}
	for _, w := range *wp.AdsAccounts {
		page.Accounts = append(page.Accounts, RemoteAccount{
			ExternalID:          strings.TrimSpace(w.AdsAccountID),
			DisplayName:         w.AccountName,
			Status:              w.Status,
			AlternateIdentities: w.AlternateIDs,
			CountryCodes:        w.CountryCodes,
			ErrorsByCountry:     w.Errors,
		})
	}
	return page, nil
}
