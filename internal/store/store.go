// Package store provides the thought-signature cache.
//
// DESIGN: Reasoning can only resume on a later turn if the backend gets back
// the signature it issued. Clients do not always echo signatures, so the
// gateway keeps its own copy, partitioned by scope (session key):
//   - latest:  scope -> longest signature seen (longest wins)
//   - tools:   scope -> tool_use id -> signature
//
// Entries expire after TTL (2h). Reads evict lazily; a background sweep
// removes expired entries and empty scopes.
//
// Concurrent requests may race on the same scope. The outcome is best
// effort (last-longest wins); a stale or missing signature fails closed
// because the request side drops blocks it cannot sign.
package store

import (
	"sync"
	"time"
)

const (
	// GlobalScope is used when no session key is known.
	GlobalScope = "global"

	// MinSignatureLength rejects truncated signatures.
	MinSignatureLength = 50

	DefaultTTL           = 2 * time.Hour
	DefaultSweepInterval = 30 * time.Minute

	// maxToolEntries triggers an inline sweep when exceeded.
	maxToolEntries = 1000
)

type entry struct {
	value      string
	capturedAt time.Time
}

type scopeEntries struct {
	latest *entry
	tools  map[string]entry
}

func (s *scopeEntries) empty() bool { return s.latest == nil && len(s.tools) == 0 }

// SignatureStore is a scoped TTL cache of thought signatures.
type SignatureStore struct {
	scopes        map[string]*scopeEntries
	toolCount     int
	mu            sync.RWMutex
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	stopChan      chan struct{}
	stopped       bool
}

// Option configures a SignatureStore.
type Option func(*SignatureStore)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SignatureStore) { s.now = now }
}

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *SignatureStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweepInterval overrides the background sweep period. Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(s *SignatureStore) { s.sweepInterval = d }
}

// NewSignatureStore creates a store and starts its sweep goroutine.
func NewSignatureStore(opts ...Option) *SignatureStore {
	s := &SignatureStore{
		scopes:        make(map[string]*scopeEntries),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval > 0 {
		go s.cleanup()
	}
	return s
}

func normalizeScope(scope string) string {
	if scope == "" {
		return GlobalScope
	}
	return scope
}

func (s *SignatureStore) expired(e entry, now time.Time) bool {
	return now.Sub(e.capturedAt) > s.ttl
}

// Store records sig as the scope's latest signature if it is longer than
// the current one (or the current one has expired).
func (s *SignatureStore) Store(sig, scope string) {
	if len(sig) < MinSignatureLength {
		return
	}
	scope = normalizeScope(scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	now := s.now()
	se := s.scopeLocked(scope)
	if se.latest != nil && !s.expired(*se.latest, now) && len(sig) <= len(se.latest.value) {
		return
	}
	se.latest = &entry{value: sig, capturedAt: now}
}

// Get returns the scope's latest signature, or "" if absent or expired.
func (s *SignatureStore) Get(scope string) string {
	scope = normalizeScope(scope)

	s.mu.RLock()
	se, ok := s.scopes[scope]
	if !ok || se.latest == nil {
		s.mu.RUnlock()
		return ""
	}
	e := *se.latest
	s.mu.RUnlock()

	if s.expired(e, s.now()) {
		s.mu.Lock()
		if se, ok := s.scopes[scope]; ok && se.latest != nil && s.expired(*se.latest, s.now()) {
			se.latest = nil
			s.dropIfEmptyLocked(scope, se)
		}
		s.mu.Unlock()
		return ""
	}
	return e.value
}

// CacheToolSignature associates sig with a tool_use id in scope.
func (s *SignatureStore) CacheToolSignature(scope, toolID, sig string) {
	if toolID == "" || len(sig) < MinSignatureLength {
		return
	}
	scope = normalizeScope(scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	se := s.scopeLocked(scope)
	if _, exists := se.tools[toolID]; !exists {
		s.toolCount++
	}
	se.tools[toolID] = entry{value: sig, capturedAt: s.now()}

	if s.toolCount > maxToolEntries {
		s.sweepLocked(s.now())
	}
}

// GetToolSignature returns the signature cached for toolID, or "".
func (s *SignatureStore) GetToolSignature(scope, toolID string) string {
	scope = normalizeScope(scope)

	s.mu.RLock()
	se, ok := s.scopes[scope]
	if !ok {
		s.mu.RUnlock()
		return ""
	}
	e, ok := se.tools[toolID]
	s.mu.RUnlock()
	if !ok {
		return ""
	}

	if s.expired(e, s.now()) {
		s.mu.Lock()
		if se, ok := s.scopes[scope]; ok {
			if cur, ok := se.tools[toolID]; ok && s.expired(cur, s.now()) {
				delete(se.tools, toolID)
				s.toolCount--
				s.dropIfEmptyLocked(scope, se)
			}
		}
		s.mu.Unlock()
		return ""
	}
	return e.value
}

// Clear removes everything stored for scope.
func (s *SignatureStore) Clear(scope string) {
	scope = normalizeScope(scope)

	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.scopes[scope]; ok {
		s.toolCount -= len(se.tools)
		delete(s.scopes, scope)
	}
}

// ClearAll removes every scope.
func (s *SignatureStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.scopes = make(map[string]*scopeEntries)
	s.toolCount = 0
}

// Stats describes the store contents.
type Stats struct {
	Scopes          int `json:"scopes"`
	ToolSignatures  int `json:"tool_signatures"`
	ScopeSignatures int `json:"scope_signatures"`
}

// Stats returns current counts, including not-yet-swept expired entries.
func (s *SignatureStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Scopes: len(s.scopes), ToolSignatures: s.toolCount}
	for _, se := range s.scopes {
		if se.latest != nil {
			st.ScopeSignatures++
		}
	}
	return st
}

// Sweep evicts expired entries and empty scopes, returning how many entries went.
func (s *SignatureStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// Close stops the sweep goroutine and drops all data.
func (s *SignatureStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.scopes = make(map[string]*scopeEntries)
		s.toolCount = 0
	}
	return nil
}

func (s *SignatureStore) scopeLocked(scope string) *scopeEntries {
	se, ok := s.scopes[scope]
	if !ok {
		se = &scopeEntries{tools: make(map[string]entry)}
		s.scopes[scope] = se
	}
	return se
}

func (s *SignatureStore) dropIfEmptyLocked(scope string, se *scopeEntries) {
	if se.empty() {
		delete(s.scopes, scope)
	}
}

func (s *SignatureStore) sweepLocked(now time.Time) int {
	removed := 0
	for scope, se := range s.scopes {
		if se.latest != nil && s.expired(*se.latest, now) {
			se.latest = nil
			removed++
		}
		for id, e := range se.tools {
			if s.expired(e, now) {
				delete(se.tools, id)
				s.toolCount--
				removed++
			}
		}
		s.dropIfEmptyLocked(scope, se)
	}
	return removed
}

// cleanup periodically removes expired entries.
func (s *SignatureStore) cleanup() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.stopped {
				s.sweepLocked(s.now())
			}
			s.mu.Unlock()
		}
	}
}
