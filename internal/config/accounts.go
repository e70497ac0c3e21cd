package config

import (
	"fmt"

	"github.com/compresr/antigravity-gateway/internal/accounts"
)

// AccountsConfig lists backend accounts.
type AccountsConfig struct {
	OAuth  accounts.OAuthConfig `yaml:"oauth"`  // Client used to refresh tokens
	Static []accounts.Account   `yaml:"static"` // Configured accounts
}

// Validate checks every account can authenticate.
func (a AccountsConfig) Validate() error {
	for i, acct := range a.Static {
		if acct.AccessToken == "" && acct.RefreshToken == "" {
			return fmt.Errorf("accounts.static[%d]: access_token or refresh_token is required", i)
		}
		if acct.RefreshToken != "" && a.OAuth.ClientID == "" {
			return fmt.Errorf("accounts.oauth.client_id is required for refresh tokens")
		}
	}
	return nil
}

// AuthConfig lists the client API keys. No keys means the gateway is open.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// Open reports whether requests are accepted without a key.
func (a AuthConfig) Open() bool {
	for _, k := range a.APIKeys {
		if k != "" {
			return false
		}
	}
	return true
}
