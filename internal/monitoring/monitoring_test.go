package monitoring

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// LOGGER
// =============================================================================

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l := New(LoggerConfig{Level: "debug", Format: "json", Output: path})
	l.Debug().Str("k", "v").Msg("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "v", line["k"])
}

func TestNewWithWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	buf.Reset()
	NewWithWriter(&buf, "bogus").Info().Msg("default info")
	assert.Contains(t, buf.String(), "default info")
}

func TestTraceIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	ctx = WithTraceIDContext(ctx, "abcd1234")
	assert.Equal(t, "abcd1234", TraceIDFromContext(ctx))
}

// =============================================================================
// ALERTS
// =============================================================================

func TestAlertManager(t *testing.T) {
	var buf bytes.Buffer
	am := NewAlertManager(NewWithWriter(&buf, "debug"), AlertConfig{HighLatencyThreshold: time.Second})

	assert.False(t, am.FlagHighLatency("t1", 500*time.Millisecond, "m", "/v1/messages"))
	assert.True(t, am.FlagHighLatency("t1", 2*time.Second, "m", "/v1/messages"))
	am.FlagUpstreamError("t2", "acct", 503, "unavailable")
	am.FlagQuotaExhausted("t3", "acct", 300)
	am.FlagNoAccounts("t4", 20)
	am.FlagPanic("t5", "boom", "stack")

	out := buf.String()
	for _, msg := range []string{"high_latency", "upstream_error", "quota_exhausted", "no_available_accounts", "panic_recovered"} {
		assert.Contains(t, out, msg)
	}
	assert.Equal(t, 5, strings.Count(out, "\n"))
}

func TestAlertManager_DefaultThreshold(t *testing.T) {
	am := NewAlertManager(NewWithWriter(io.Discard, "info"), AlertConfig{})
	assert.False(t, am.FlagHighLatency("t", 59*time.Second, "m", "/"))
	assert.True(t, am.FlagHighLatency("t", 61*time.Second, "m", "/"))
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("/v1/messages", 200, 150*time.Millisecond)
	m.RecordRequest("/v1/messages", 200, 50*time.Millisecond)
	m.RecordRequest("/v1/messages", 429, time.Second)
	m.RecordUpstreamAttempt(429)
	m.RecordUpstreamAttempt(200)
	m.RecordRetry("linear")
	m.RecordClassification("QUOTA_EXHAUSTED")
	m.RecordWarmup()
	m.RecordDowngrade("SUMMARY")
	m.RecordSignatures(3)
	m.RecordSignatures(0)
	m.RecordNoAccounts()
	m.SetSignatureCacheEntries(12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/v1/messages", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/v1/messages", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamAttempts.WithLabelValues("429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("linear")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.classifications.WithLabelValues("QUOTA_EXHAUSTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.warmupIntercepts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backgroundDowngrades.WithLabelValues("SUMMARY")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.signaturesCaptured))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountsUnavailable))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.signatureCacheEntries))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordWarmup()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.warmupIntercepts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.warmupIntercepts))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `antigravity_gateway_requests_total{path="/health",status="200"} 1`)
}

// =============================================================================
// TELEMETRY
// =============================================================================

func TestTracker_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "telemetry.jsonl")
	tr, err := NewTracker(TelemetryConfig{Enabled: true, LogPath: path})
	require.NoError(t, err)

	tr.RecordRequest(&RequestEvent{TraceID: "a1", MappedModel: "gemini-2.5-flash", Attempts: 2, StatusCode: 200, Success: true})
	tr.RecordRequest(&RequestEvent{TraceID: "b2", StatusCode: 429, Error: "rate limited"})
	require.NoError(t, tr.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []RequestEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev RequestEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "a1", events[0].TraceID)
	assert.Equal(t, 2, events[0].Attempts)
	assert.Equal(t, "rate limited", events[1].Error)
	assert.Equal(t, 2, tr.Count())
}

func TestTracker_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	tr, err := NewTracker(TelemetryConfig{Enabled: false, LogPath: path})
	require.NoError(t, err)

	tr.RecordRequest(&RequestEvent{TraceID: "x"})

	assert.False(t, tr.Enabled())
	assert.Zero(t, tr.Count())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	var nilTracker *Tracker
	assert.False(t, nilTracker.Enabled())
	nilTracker.RecordRequest(&RequestEvent{})
}

// =============================================================================
// REQUEST LOGGER
// =============================================================================

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRequestLogger(NewWithWriter(&buf, "debug"))
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)

	info := NewRequestInfo(req, "trace-1", 42)
	info.Model = "claude-sonnet-4-5"
	rl.LogIncoming(info)
	rl.LogUpstream(&UpstreamInfo{TraceID: "trace-1", Attempt: 1, CredentialID: "a", StatusCode: 429, Endpoint: "http://x"})
	rl.LogResponse(&ResponseInfo{TraceID: "trace-1", StatusCode: 200, Latency: time.Second})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for i, msg := range []string{"incoming", "upstream", "response"} {
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &line))
		assert.Equal(t, msg, line["message"])
		assert.Equal(t, "trace-1", line["trace_id"])
	}
}
