// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:  Request received from client
//   - LogUpstream:  One backend attempt and its outcome
//   - LogResponse:  Response sent to client
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	TraceID    string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	Model      string
	Stream     bool
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, traceID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		TraceID:    traceID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("trace_id", info.TraceID).
		Str("method", info.Method).
		Str("path", info.Path).
		Str("model", info.Model).
		Bool("stream", info.Stream).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// UpstreamInfo describes one backend attempt.
type UpstreamInfo struct {
	TraceID      string
	Attempt      int
	CredentialID string
	Model        string
	Endpoint     string
	StatusCode   int // 0 on transport errors
	Latency      time.Duration
	Err          error
}

// LogUpstream logs a backend attempt.
func (rl *RequestLogger) LogUpstream(info *UpstreamInfo) {
	event := rl.logger.Debug().
		Str("trace_id", info.TraceID).
		Int("attempt", info.Attempt).
		Str("credential", info.CredentialID).
		Str("model", info.Model).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency)
	if info.Endpoint != "" {
		event = event.Str("endpoint", info.Endpoint)
	}
	if info.Err != nil {
		event = event.Err(info.Err)
	}
	event.Msg("upstream")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	TraceID    string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("trace_id", info.TraceID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}
