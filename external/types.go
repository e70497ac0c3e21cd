// Package external is the HTTP client for the Antigravity backend.
//
// DESIGN: The gateway never speaks to the backend directly. Every call goes
// through Client, which:
//   - wraps the generate-content payload in the backend envelope
//   - walks the endpoint list (daily sandbox first, production second)
//   - keeps one transport per outbound proxy
//   - turns non-2xx answers into *HTTPError so the retry layer can classify them
package external

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DailyEndpoint is tried first.
	DailyEndpoint = "https://daily-cloudcode-pa.sandbox.googleapis.com"

	// ProdEndpoint is the fallback when the daily endpoint refuses a call.
	ProdEndpoint = "https://cloudcode-pa.googleapis.com"

	// DefaultUserAgent mimics the desktop client.
	DefaultUserAgent = "antigravity/1.11.9 windows/amd64"

	// DefaultTimeout bounds unary calls (model list, project lookup).
	// Streaming calls are bounded by the request context only.
	DefaultTimeout = 30 * time.Second
)

// DefaultEndpoints returns the endpoint list used when no override is set.
func DefaultEndpoints() []string {
	return []string{DailyEndpoint, ProdEndpoint}
}

// ResolveEndpoints returns override alone when set, otherwise the defaults.
func ResolveEndpoints(override string) []string {
	override = strings.TrimRight(strings.TrimSpace(override), "/")
	if override != "" {
		return []string{override}
	}
	return DefaultEndpoints()
}

// GenerateParams describes one streamGenerateContent call.
type GenerateParams struct {
	AccessToken string
	ProxyURL    string // optional http(s) or socks5 proxy
	Project     string
	Model       string
	SessionID   string // generated when empty

	// Request is the inner generate-content payload. It is marshaled as-is
	// under the envelope's "request" key.
	Request any
}

// validate checks that required fields are present.
func (p *GenerateParams) validate() error {
	if p.AccessToken == "" {
		return fmt.Errorf("access token required")
	}
	if p.Project == "" {
		return fmt.Errorf("project required")
	}
	if p.Model == "" {
		return fmt.Errorf("model required")
	}
	if p.Request == nil {
		return fmt.Errorf("request payload required")
	}
	return nil
}

// ModelInfo is one entry of the client-facing model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// HTTPError is a non-2xx backend answer.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter string // raw Retry-After header, if any
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, truncate(e.Body, maxErrorBodyLen))
}

// StatusCode implements retry.StatusError.
func (e *HTTPError) StatusCode() int { return e.Status }

// ResponseBody implements retry.StatusError.
func (e *HTTPError) ResponseBody() string { return e.Body }

// truncate cuts s to n bytes and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
