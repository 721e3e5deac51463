// Package amazon is the Login with Amazon OAuth client.
package amazon

import (
	"golang.org/x/oauth2"
)

// Public Login with Amazon endpoints.
const (
	AuthURL  = "https://www.amazon.com/ap/oa"
	TokenURL = "https://api.amazon.com/auth/o2/token"
)

// DefaultScopes grants Ads API access.
var DefaultScopes = []string{"advertising::campaign_management"}

// Options configures the OAuth client.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// AuthURL and TokenURL override the public endpoints when set.
	AuthURL  string
	TokenURL string
}

// NewOAuthConfig returns the oauth2 config for Login with Amazon.
func NewOAuthConfig(opts Options) *oauth2.Config {
	endpoint := oauth2.Endpoint{
		AuthURL:   AuthURL,
		TokenURL:  TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if opts.AuthURL != "" {
		endpoint.AuthURL = opts.AuthURL
	}
	if opts.TokenURL != "" {
		endpoint.TokenURL = opts.TokenURL
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURL:  opts.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}
