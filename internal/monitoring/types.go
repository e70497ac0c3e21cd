// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - RequestEvent:  Telemetry data for each messages request
//   - Config types:  TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures one messages request through the gateway.
type RequestEvent struct {
	TraceID        string    `json:"trace_id"`
	Timestamp      time.Time `json:"timestamp"`
	Path           string    `json:"path"`
	ClientIP       string    `json:"client_ip"`
	Model          string    `json:"model,omitempty"`        // as requested by the client
	MappedModel    string    `json:"mapped_model,omitempty"` // as sent upstream
	Stream         bool      `json:"stream"`
	CredentialID   string    `json:"credential_id,omitempty"`
	Attempts       int       `json:"attempts"`
	StatusCode     int       `json:"status_code"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Warmup         bool      `json:"warmup,omitempty"`
	BackgroundTask string    `json:"background_task,omitempty"`
	ThinkingUsed   bool      `json:"thinking_used,omitempty"`
	SignaturesSeen int       `json:"signatures_captured,omitempty"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	// Usage reported by the backend
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
