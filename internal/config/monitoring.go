// Monitoring configuration - logging, telemetry and metrics settings.
//
// DESIGN: Separates logging (zerolog) from telemetry (JSONL files).
// Logging is for operators, telemetry is for analytics/debugging,
// metrics are for dashboards and alerting.
package config

import (
	"fmt"
	"time"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Telemetry settings
	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Enable telemetry tracking
	TelemetryPath    string `yaml:"telemetry_path"`    // Path to telemetry JSONL file
	LogToStdout      bool   `yaml:"log_to_stdout"`     // Also log telemetry to stdout
	VerbosePayloads  bool   `yaml:"verbose_payloads"`  // Log full request bodies at debug

	// Metrics and alerts
	MetricsEnabled   bool          `yaml:"metrics_enabled"`   // Serve /metrics
	HighLatencyAlert time.Duration `yaml:"high_latency_alert"` // Flag requests slower than this, 0 = off
}

// Validate checks monitoring settings.
func (m MonitoringConfig) Validate() error {
	switch m.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid monitoring.log_level: %q", m.LogLevel)
	}
	switch m.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid monitoring.log_format: %q", m.LogFormat)
	}
	if m.TelemetryEnabled && m.TelemetryPath == "" {
		return fmt.Errorf("monitoring.telemetry_path is required when telemetry is enabled")
	}
	if m.HighLatencyAlert < 0 {
		return fmt.Errorf("monitoring.high_latency_alert must not be negative")
	}
	return nil
}
