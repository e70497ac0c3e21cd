// Package gateway types - per-request state for the messages orchestrator.
//
// DESIGN: Types used by the gateway for:
//   - Carrying one client request through warmup, auth, downgrade and retries
//   - The result of a successful backend attempt
//
// Types are defined here to keep the handlers free of ad-hoc locals.
package gateway

import (
	"time"

	"github.com/compresr/antigravity-gateway/external"
	"github.com/compresr/antigravity-gateway/internal/accounts"
	"github.com/compresr/antigravity-gateway/internal/adapters"
)

// Response headers set by the gateway.
const (
	HeaderTraceID         = "X-Trace-Id"
	HeaderCredentialID    = "X-Credential-Id"
	HeaderEnhanced        = "X-Antigravity-Enhanced"
	HeaderWarmup          = "X-Warmup-Intercepted"
	HeaderBackgroundTask  = "X-Background-Task"
	HeaderModelDowngraded = "X-Model-Downgraded"
	HeaderAPIKey          = "X-Api-Key"
)

const (
	// MaxRequestBodyBytes caps client request bodies.
	MaxRequestBodyBytes = 32 << 20

	// accountSelectionPause is the wait before re-asking the pool for an account.
	accountSelectionPause = 500 * time.Millisecond

	maxRateLimitVisitors   = 10000
	rateLimitVisitorMaxAge = 10 * time.Minute
)

// =============================================================================
// REQUEST STATE - Carries one messages request through the orchestrator
// =============================================================================

// requestState carries data through one messages request.
type requestState struct {
	TraceID    string
	APIKey     string
	ClientIP   string
	ReceivedAt time.Time

	// Request data
	Request   *adapters.MessagesRequest
	ModelHint string // overrides Request.Model after a downgrade
	Stream    bool

	// Sticky routing and signature scope
	SessionKey string

	// Background task downgrade
	BackgroundTask string

	// Outcome
	Warmup       bool
	Attempts     int
	CredentialID string
	MappedModel  string
	Thinking     bool
	Signatures   int
	Usage        adapters.Usage
}

// upstreamCall is a backend stream opened by a successful attempt.
type upstreamCall struct {
	stream     *external.Stream
	credential *accounts.Credential
	transcoded *adapters.Transcoded
}
