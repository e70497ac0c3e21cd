// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:     Warn when a request exceeds the threshold
//   - FlagUpstreamError:   Warn on backend 4xx/5xx answers
//   - FlagQuotaExhausted:  Error when an account's quota is gone
//   - FlagNoAccounts:      Error when every account is locked out
//   - FlagPanic:           Error on recovered panics
package monitoring

import "time"

// defaultHighLatency applies when no threshold is configured.
const defaultHighLatency = 60 * time.Second

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = defaultHighLatency
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when request latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(traceID string, latency time.Duration, model, path string) bool {
	if latency < am.highLatencyThreshold {
		return false
	}
	am.logger.Warn().
		Str("trace_id", traceID).
		Dur("latency", latency).
		Str("model", model).
		Str("path", path).
		Msg("high_latency")
	return true
}

// FlagUpstreamError logs a backend error answer.
func (am *AlertManager) FlagUpstreamError(traceID, credentialID string, statusCode int, errorMsg string) {
	am.logger.Warn().
		Str("trace_id", traceID).
		Str("credential", credentialID).
		Int("status", statusCode).
		Str("error", errorMsg).
		Msg("upstream_error")
}

// FlagQuotaExhausted logs an account whose quota ran out.
func (am *AlertManager) FlagQuotaExhausted(traceID, credentialID string, retryAfterSec int) {
	am.logger.Error().
		Str("trace_id", traceID).
		Str("credential", credentialID).
		Int("retry_after_sec", retryAfterSec).
		Msg("quota_exhausted")
}

// FlagNoAccounts logs that no account could serve a request.
func (am *AlertManager) FlagNoAccounts(traceID string, minWaitSec int) {
	am.logger.Error().
		Str("trace_id", traceID).
		Int("min_wait_sec", minWaitSec).
		Msg("no_available_accounts")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(traceID string, panicValue any, stack string) {
	am.logger.Error().
		Str("trace_id", traceID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
