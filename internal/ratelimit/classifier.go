// Package ratelimit classifies upstream throttling errors and tracks
// per-credential lockouts.
//
// DESIGN: A failed upstream call yields (status, Retry-After header, body).
// The Classifier turns that into a Reason and a lockout in seconds:
//
//   - Reason:      details[].reason -> error.message -> body phrases -> UNKNOWN
//   - Retry-after: header -> quotaResetDelay/retryDelay -> retry_after -> text
//   - Fallback:    per-reason defaults; QUOTA escalates with consecutive failures
//
// Lockouts live in memory. A Persister mirrors them to durable storage
// (SQLite, Redis) on background goroutines so classification never blocks
// on I/O. Wait drains those writes at shutdown.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Reason is why a credential was throttled.
type Reason string

const (
	ReasonQuotaExhausted    Reason = "QUOTA_EXHAUSTED"
	ReasonRateLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"
	ReasonCapacityExhausted Reason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError       Reason = "SERVER_ERROR"
	ReasonUnknown           Reason = "UNKNOWN"
)

const (
	// minRetryAfterSec is the floor applied to delays reported by upstream.
	minRetryAfterSec = 2

	persistTimeout = 5 * time.Second
)

// Record is the lockout state of one credential.
type Record struct {
	CredentialID  string    `json:"credentialId"`
	Reason        Reason    `json:"reason"`
	RetryAfterSec int       `json:"retryAfterSec"`
	ResetAt       time.Time `json:"rateLimitEndAt"`
	Model         string    `json:"model,omitempty"`
}

// Classification is the outcome of one Classify call.
type Classification struct {
	Reason        Reason
	RetryAfterSec int
	ShouldStop    bool // retrying other credentials will not help
}

// Classifier tracks rate limits for all credentials. Safe for concurrent use.
type Classifier struct {
	mu             sync.Mutex
	limits         map[string]Record
	failures       map[string]int
	clearAttempted map[string]bool

	persister Persister
	now       func() time.Time
	wg        sync.WaitGroup
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithPersister mirrors lockouts to p.
func WithPersister(p Persister) Option {
	return func(c *Classifier) {
		if p != nil {
			c.persister = p
		}
	}
}

// NewClassifier creates a classifier with an in-memory-only persister by default.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		limits:         make(map[string]Record),
		failures:       make(map[string]int),
		clearAttempted: make(map[string]bool),
		persister:      NopPersister{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classifiable reports whether status is one the classifier handles.
func Classifiable(status int) bool {
	switch status {
	case 429, 500, 503, 529:
		return true
	}
	return false
}

// Classify records a lockout for credentialID. It returns nil for statuses
// that are not throttling or server errors.
func (c *Classifier) Classify(credentialID string, status int, retryAfterHeader, body, model string) *Classification {
	if !Classifiable(status) {
		return nil
	}

	reason := ReasonServerError
	if status == 429 {
		reason = parseReason(body)
	}

	sec, ok := parseHeaderSeconds(retryAfterHeader)
	if !ok {
		sec, ok = parseBodySeconds(body)
	}

	c.mu.Lock()
	if ok {
		if sec < minRetryAfterSec {
			sec = minRetryAfterSec
		}
	} else {
		c.failures[credentialID]++
		sec = defaultSeconds(reason, c.failures[credentialID])
	}
	rec := Record{
		CredentialID:  credentialID,
		Reason:        reason,
		RetryAfterSec: sec,
		ResetAt:       c.now().Add(time.Duration(sec) * time.Second),
		Model:         model,
	}
	c.limits[credentialID] = rec
	failures := c.failures[credentialID]
	c.mu.Unlock()

	log.Warn().
		Str("credential", credentialID).
		Int("status", status).
		Str("reason", string(reason)).
		Int("retry_after_sec", sec).
		Bool("parsed", ok).
		Int("failures", failures).
		Str("model", model).
		Msg("credential rate limited")

	c.persist(func(ctx context.Context) error { return c.persister.Record(ctx, rec) }, credentialID, "record")

	return &Classification{
		Reason:        reason,
		RetryAfterSec: sec,
		ShouldStop:    reason == ReasonQuotaExhausted,
	}
}

// MarkSuccess resets the failure counter and any lockout. Persisted state is
// cleared when something was reset, and once per credential otherwise.
func (c *Classifier) MarkSuccess(credentialID string) {
	c.mu.Lock()
	_, hadFailures := c.failures[credentialID]
	_, hadLimit := c.limits[credentialID]
	delete(c.failures, credentialID)
	delete(c.limits, credentialID)
	shouldClear := hadFailures || hadLimit || !c.clearAttempted[credentialID]
	c.clearAttempted[credentialID] = true
	c.mu.Unlock()

	if hadFailures || hadLimit {
		log.Debug().Str("credential", credentialID).Msg("rate limit state reset after success")
	}
	if shouldClear {
		c.persist(func(ctx context.Context) error { return c.persister.Clear(ctx, credentialID) }, credentialID, "clear")
	}
}

// ClearAll drops every lockout and failure counter (optimistic reset).
// It returns how many lockouts were dropped.
func (c *Classifier) ClearAll() int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.limits))
	for id := range c.limits {
		ids = append(ids, id)
	}
	c.limits = make(map[string]Record)
	c.failures = make(map[string]int)
	c.mu.Unlock()

	log.Warn().Int("cleared", len(ids)).Msg("optimistic reset of all rate limits")
	for _, id := range ids {
		c.persist(func(ctx context.Context) error { return c.persister.Clear(ctx, id) }, id, "clear")
	}
	return len(ids)
}

// Clear drops the in-memory lockout for one credential.
func (c *Classifier) Clear(credentialID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.limits[credentialID]
	delete(c.limits, credentialID)
	return ok
}

// IsRateLimited reports whether the credential's lockout is still running.
func (c *Classifier) IsRateLimited(credentialID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.limits[credentialID]
	return ok && rec.ResetAt.After(c.now())
}

// RemainingWait returns whole seconds until the lockout ends, or 0.
func (c *Classifier) RemainingWait(credentialID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.limits[credentialID]
	if !ok {
		return 0
	}
	return ceilSeconds(rec.ResetAt.Sub(c.now()))
}

// Info returns the stored lockout, if any.
func (c *Classifier) Info(credentialID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.limits[credentialID]
	return rec, ok
}

// MinResetSeconds returns the shortest remaining lockout among active ones.
func (c *Classifier) MinResetSeconds() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	best, found := 0, false
	for _, rec := range c.limits {
		if remaining := ceilSeconds(rec.ResetAt.Sub(now)); remaining > 0 && (!found || remaining < best) {
			best, found = remaining, true
		}
	}
	return best, found
}

// CleanupExpired drops finished lockouts and returns how many went.
func (c *Classifier) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, rec := range c.limits {
		if !rec.ResetAt.After(now) {
			delete(c.limits, id)
			n++
		}
	}
	if n > 0 {
		log.Debug().Int("removed", n).Msg("expired rate limits cleaned up")
	}
	return n
}

// Restore loads still-active lockouts from the persister, if it supports it.
func (c *Classifier) Restore(ctx context.Context) (int, error) {
	loader, ok := c.persister.(Loader)
	if !ok {
		return 0, nil
	}
	records, err := loader.Load(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, rec := range records {
		if rec.ResetAt.After(now) {
			c.limits[rec.CredentialID] = rec
			n++
		}
	}
	return n, nil
}

// Wait blocks until in-flight persistence writes finish.
func (c *Classifier) Wait() {
	c.wg.Wait()
}

// Close drains pending writes and closes the persister.
func (c *Classifier) Close() error {
	c.wg.Wait()
	return c.persister.Close()
}

// persist runs fn in the background. Failures are logged, never returned.
func (c *Classifier) persist(fn func(ctx context.Context) error, credentialID, op string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("credential", credentialID).Str("op", op).Msg("rate limit persistence failed")
		}
	}()
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
