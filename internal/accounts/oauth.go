package accounts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// GoogleTokenURL is Google's OAuth2 token endpoint.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// OAuthConfig is the OAuth client used to refresh account tokens.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

func (c OAuthConfig) withDefaults() OAuthConfig {
	if c.TokenURL == "" {
		c.TokenURL = GoogleTokenURL
	}
	return c
}

// newTokenSource returns a caching source that refreshes with the account's
// refresh token. A configured access token is never trusted for refresh
// accounts since its expiry is unknown.
func newTokenSource(cfg OAuthConfig, a Account, hc *http.Client) (oauth2.TokenSource, error) {
	if hc == nil && a.ProxyURL != "" {
		u, err := url.Parse(a.ProxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url for token refresh")
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(u)
		hc = &http.Client{Transport: transport}
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx := context.Background()
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken}), nil
}
