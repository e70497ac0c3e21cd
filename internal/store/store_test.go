package store

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/antigravity-gateway/internal/adapters"
)

var _ adapters.SignatureCache = (*SignatureStore)(nil)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sig(n int) string { return strings.Repeat("A", n) }

func newTestStore(t *testing.T, clock *fakeClock) *SignatureStore {
	t.Helper()
	s := NewSignatureStore(WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// =============================================================================
// LONGEST WINS
// =============================================================================

func TestStore_LongestWins_LongerFirst(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.Store(sig(60), "conv")
	s.Store(sig(55), "conv")

	assert.Equal(t, sig(60), s.Get("conv"))
}

func TestStore_LongestWins_ShorterFirst(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.Store(sig(55), "conv")
	s.Store(sig(60), "conv")

	assert.Equal(t, sig(60), s.Get("conv"))
}

func TestStore_RejectsShortSignatures(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.Store(sig(60), "conv")
	s.Store(sig(40), "conv")
	assert.Equal(t, sig(60), s.Get("conv"))

	s.Store(sig(49), "other")
	assert.Empty(t, s.Get("other"))
}

func TestStore_EqualLengthDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	first := strings.Repeat("a", 60)
	second := strings.Repeat("b", 60)
	s.Store(first, "conv")
	s.Store(second, "conv")

	assert.Equal(t, first, s.Get("conv"))
}

func TestStore_ScopesAreIsolated(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.Store(sig(80), "a")
	assert.Equal(t, sig(80), s.Get("a"))
	assert.Empty(t, s.Get("b"))
}

func TestStore_EmptyScopeIsGlobal(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.Store(sig(70), "")
	assert.Equal(t, sig(70), s.Get(GlobalScope))
}

// =============================================================================
// TTL
// =============================================================================

func TestStore_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	s.Store(sig(60), "conv")
	assert.Equal(t, sig(60), s.Get("conv"))

	clock.Advance(DefaultTTL - time.Second)
	assert.Equal(t, sig(60), s.Get("conv"))

	clock.Advance(2 * time.Second)
	assert.Empty(t, s.Get("conv"))
	assert.Equal(t, 0, s.Stats().Scopes, "expired read should evict the empty scope")
}

func TestStore_ExpiredEntryCanBeReplacedByShorter(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	s.Store(sig(90), "conv")
	clock.Advance(DefaultTTL + time.Minute)
	s.Store(sig(60), "conv")

	assert.Equal(t, sig(60), s.Get("conv"))
}

func TestStore_ToolSignatureTTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	s.CacheToolSignature("conv", "toolu_1", sig(64))
	assert.Equal(t, sig(64), s.GetToolSignature("conv", "toolu_1"))
	assert.Empty(t, s.GetToolSignature("conv", "toolu_2"))
	assert.Empty(t, s.GetToolSignature("other", "toolu_1"))

	clock.Advance(DefaultTTL + time.Second)
	assert.Empty(t, s.GetToolSignature("conv", "toolu_1"))
	assert.Equal(t, 0, s.Stats().ToolSignatures)
}

// =============================================================================
// SWEEP / CLEAR
// =============================================================================

func TestStore_SweepRemovesExpiredAndEmptyScopes(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	s.Store(sig(60), "old")
	s.CacheToolSignature("old", "t1", sig(60))
	clock.Advance(DefaultTTL + time.Second)
	s.Store(sig(60), "fresh")

	removed := s.Sweep()

	assert.Equal(t, 2, removed)
	stats := s.Stats()
	assert.Equal(t, 1, stats.Scopes)
	assert.Equal(t, 1, stats.ScopeSignatures)
	assert.Equal(t, 0, stats.ToolSignatures)
}

func TestStore_ToolOverflowTriggersSweep(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)

	for i := 0; i < maxToolEntries; i++ {
		s.CacheToolSignature("conv", fmt.Sprintf("toolu_%d", i), sig(60))
	}
	clock.Advance(DefaultTTL + time.Second)
	s.CacheToolSignature("conv", "new", sig(60))

	assert.Equal(t, 1, s.Stats().ToolSignatures)
	assert.Equal(t, sig(60), s.GetToolSignature("conv", "new"))
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.Store(sig(60), "a")
	s.CacheToolSignature("a", "t", sig(60))
	s.Store(sig(60), "b")

	s.Clear("a")
	assert.Empty(t, s.Get("a"))
	assert.Empty(t, s.GetToolSignature("a", "t"))
	assert.Equal(t, sig(60), s.Get("b"))

	s.ClearAll()
	assert.Empty(t, s.Get("b"))
	assert.Equal(t, Stats{}, s.Stats())
}

func TestStore_CloseIgnoresWrites(t *testing.T) {
	s := NewSignatureStore(WithSweepInterval(time.Hour))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s.Store(sig(60), "conv")
	assert.Empty(t, s.Get("conv"))
}

func TestStore_ConcurrentWritersKeepLongest(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	var wg sync.WaitGroup
	for n := 50; n < 150; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Store(sig(n), "conv")
			s.CacheToolSignature("conv", time.Duration(n).String(), sig(n))
		}(n)
	}
	wg.Wait()

	assert.Equal(t, sig(149), s.Get("conv"))
	assert.Equal(t, 100, s.Stats().ToolSignatures)
}
