package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/antigravity-gateway/internal/adapters"
)

// =============================================================================
// WARMUP INTERCEPTION - Answer client heartbeats without touching the backend
// =============================================================================

const (
	warmupModel = "antigravity-enhanced-warmup"
	warmupText  = "Ready."
)

var warmupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^Warmup`),
	regexp.MustCompile(`(?i)^keep-?alive`),
	regexp.MustCompile(`(?i)^ping$`),
	regexp.MustCompile(`(?i)^test connection`),
}

var warmupToolResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Warmup`),
	regexp.MustCompile(`(?i)connection test`),
}

// isWarmup reports whether the last message is a user heartbeat.
func isWarmup(req *adapters.MessagesRequest) bool {
	if len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != adapters.RoleUser {
		return false
	}

	text := strings.TrimSpace(last.Content.Text(" "))
	for _, p := range warmupPatterns {
		if p.MatchString(text) {
			return true
		}
	}

	for _, b := range last.Content {
		if b.Type != adapters.BlockToolResult {
			continue
		}
		result := b.Content.Text(" ")
		for _, p := range warmupToolResultPatterns {
			if p.MatchString(result) {
				return true
			}
		}
	}
	return false
}

// warmupMessage is the canned reply.
func warmupMessage(now time.Time) *adapters.MessageResponse {
	stop := adapters.StopEndTurn
	return &adapters.MessageResponse{
		ID:         fmt.Sprintf("msg_warmup_%d", now.UnixMilli()),
		Type:       "message",
		Role:       adapters.RoleAssistant,
		Model:      warmupModel,
		Content:    []adapters.ContentBlock{{Type: adapters.BlockText, Text: warmupText}},
		StopReason: &stop,
		Usage:      adapters.Usage{OutputTokens: 1},
	}
}

// warmupEvents is the canned reply as the six stream events.
func warmupEvents(now time.Time) []adapters.Event {
	msg := warmupMessage(now)
	start := *msg
	start.Content = []adapters.ContentBlock{}
	start.StopReason = nil
	start.Usage = adapters.Usage{}

	return []adapters.Event{
		{Type: adapters.EventMessageStart, Message: &start},
		{Type: adapters.EventContentBlockStart, Index: 0, Block: &adapters.ContentBlock{Type: adapters.BlockText}},
		{Type: adapters.EventContentBlockDelta, Index: 0, Delta: &adapters.Delta{Type: adapters.DeltaText, Text: warmupText}},
		{Type: adapters.EventContentBlockStop, Index: 0},
		{Type: adapters.EventMessageDelta, StopReason: adapters.StopEndTurn, Usage: adapters.Usage{OutputTokens: 1}},
		{Type: adapters.EventMessageStop},
	}
}

// writeWarmup answers a heartbeat as JSON or SSE.
func (g *Gateway) writeWarmup(w http.ResponseWriter, st *requestState) {
	g.metrics.RecordWarmup()
	log.Info().Str("trace_id", st.TraceID).Bool("stream", st.Stream).Msg("warmup request intercepted")

	w.Header().Set(HeaderWarmup, "true")
	w.Header().Set(HeaderTraceID, st.TraceID)
	now := g.now()

	if !st.Stream {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(warmupMessage(now))
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	for _, ev := range warmupEvents(now) {
		frame, err := ev.SSE()
		if err != nil {
			log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode warmup event")
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
	}
	_ = http.NewResponseController(w).Flush()
}

// setSSEHeaders prepares w for an event stream.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
