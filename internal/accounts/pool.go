// Package accounts selects the backend credential for each request.
//
// DESIGN: Sticky sessions first, then
// round robin over the accounts the caller's API key may use, skipping any
// account the rate-limit classifier has locked out. Accounts configured with
// a refresh token get their access token from an oauth2.TokenSource.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// ErrNoAvailableAccounts means every eligible account is rate limited or
// none is configured for the caller.
var ErrNoAvailableAccounts = errors.New("no available accounts")

// Credential is what one backend attempt runs with.
type Credential struct {
	ID          string
	Email       string
	AccessToken string
	ProjectID   string
	ProxyURL    string
}

// Provider hands out credentials.
type Provider interface {
	// Select picks a credential. rotate asks for a different account than the
	// one bound to sessionKey.
	Select(ctx context.Context, apiKey, sessionKey, model string, rotate bool) (*Credential, error)

	// ForgetSession drops the sticky binding for sessionKey.
	ForgetSession(sessionKey string)
}

// LimitChecker reports active lockouts. *ratelimit.Classifier satisfies it.
type LimitChecker interface {
	IsRateLimited(credentialID string) bool
}

// Account is one configured backend account.
type Account struct {
	ID           string   `yaml:"id"`
	Email        string   `yaml:"email"`
	AccessToken  string   `yaml:"access_token"`
	RefreshToken string   `yaml:"refresh_token"`
	ProjectID    string   `yaml:"project_id"`
	ProxyURL     string   `yaml:"proxy_url"`
	APIKeys      []string `yaml:"api_keys"` // empty = usable by every client key
}

type account struct {
	Account
	tokens  oauth2.TokenSource // nil when a static token is configured
	allowed map[string]bool
}

func (a *account) usableBy(apiKey string) bool {
	return len(a.allowed) == 0 || a.allowed[apiKey]
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLimits makes Select skip locked-out accounts.
func WithLimits(l LimitChecker) PoolOption {
	return func(p *Pool) { p.limits = l }
}

// WithOAuth sets the client used to refresh tokens.
func WithOAuth(cfg OAuthConfig) PoolOption {
	return func(p *Pool) { p.oauth = cfg }
}

// WithHTTPClient sets the HTTP client used for token refresh (useful for testing).
func WithHTTPClient(hc *http.Client) PoolOption {
	return func(p *Pool) { p.httpClient = hc }
}

// Pool is a sticky round-robin Provider.
type Pool struct {
	limits     LimitChecker
	oauth      OAuthConfig
	httpClient *http.Client

	mu       sync.Mutex
	accounts []*account
	sessions map[string]string // session key -> account id
	next     int
}

var _ Provider = (*Pool)(nil)

// NewPool validates the accounts and builds the pool.
func NewPool(accts []Account, opts ...PoolOption) (*Pool, error) {
	p := &Pool{sessions: make(map[string]string)}
	for _, opt := range opts {
		opt(p)
	}
	p.oauth = p.oauth.withDefaults()

	seen := make(map[string]bool, len(accts))
	for i, a := range accts {
		if a.ID == "" {
			a.ID = a.Email
		}
		if a.ID == "" {
			a.ID = fmt.Sprintf("account-%d", i+1)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.AccessToken == "" && a.RefreshToken == "" {
			return nil, fmt.Errorf("account %q: access_token or refresh_token is required", a.ID)
		}

		acct := &account{Account: a}
		if a.RefreshToken != "" {
			ts, err := newTokenSource(p.oauth, a, p.httpClient)
			if err != nil {
				return nil, fmt.Errorf("account %q: %w", a.ID, err)
			}
			acct.tokens = ts
		}
		if len(a.APIKeys) > 0 {
			acct.allowed = make(map[string]bool, len(a.APIKeys))
			for _, k := range a.APIKeys {
				acct.allowed[k] = true
			}
		}
		p.accounts = append(p.accounts, acct)
	}
	return p, nil
}

// Size returns the number of configured accounts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Select implements Provider. An account whose token refresh fails is
// skipped for the rest of the call and the next eligible account is tried.
func (p *Pool) Select(ctx context.Context, apiKey, sessionKey, model string, rotate bool) (*Credential, error) {
	var (
		skip       map[string]bool
		refreshErr error
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acct := p.pick(apiKey, sessionKey, rotate, skip)
		if acct == nil {
			if refreshErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrNoAvailableAccounts, refreshErr)
			}
			return nil, ErrNoAvailableAccounts
		}

		cred := &Credential{
			ID:          acct.ID,
			Email:       acct.Email,
			AccessToken: acct.AccessToken,
			ProjectID:   acct.ProjectID,
			ProxyURL:    acct.ProxyURL,
		}
		if acct.tokens != nil {
			tok, err := acct.tokens.Token()
			if err != nil {
				log.Warn().Err(err).Str("credential", acct.ID).Msg("token refresh failed, trying next account")
				refreshErr = fmt.Errorf("refresh token for %s: %w", acct.ID, err)
				if skip == nil {
					skip = make(map[string]bool)
				}
				skip[acct.ID] = true
				p.unbind(sessionKey, acct.ID)
				continue
			}
			cred.AccessToken = tok.AccessToken
		}

		log.Debug().
			Str("credential", cred.ID).
			Str("model", model).
			Bool("rotate", rotate).
			Msg("selected account")
		return cred, nil
	}
}

func (p *Pool) pick(apiKey, sessionKey string, rotate bool, skip map[string]bool) *account {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound := p.sessions[sessionKey]
	if sessionKey != "" && bound != "" && !rotate && !skip[bound] {
		for _, a := range p.accounts {
			if a.ID == bound && a.usableBy(apiKey) && !p.limited(a.ID) {
				return a
			}
		}
	}

	exclude := ""
	if rotate {
		exclude = bound
	}
	chosen := p.roundRobin(apiKey, exclude, skip)
	if chosen == nil && exclude != "" {
		chosen = p.roundRobin(apiKey, "", skip)
	}
	if chosen != nil && sessionKey != "" {
		p.sessions[sessionKey] = chosen.ID
	}
	return chosen
}

// roundRobin must be called with p.mu held.
func (p *Pool) roundRobin(apiKey, exclude string, skip map[string]bool) *account {
	n := len(p.accounts)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		a := p.accounts[idx]
		if a.ID == exclude || skip[a.ID] || !a.usableBy(apiKey) || p.limited(a.ID) {
			continue
		}
		p.next = idx + 1
		return a
	}
	return nil
}

// unbind drops the sticky binding for sessionKey if it points at id.
func (p *Pool) unbind(sessionKey, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[sessionKey] == id {
		delete(p.sessions, sessionKey)
	}
}

func (p *Pool) limited(id string) bool {
	return p.limits != nil && p.limits.IsRateLimited(id)
}

// ForgetSession implements Provider.
func (p *Pool) ForgetSession(sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionKey)
}
