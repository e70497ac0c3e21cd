package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/antigravity-gateway/external"
	"github.com/compresr/antigravity-gateway/internal/adapters"
	"github.com/compresr/antigravity-gateway/internal/monitoring"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// decodeMessagesRequest reads and validates a Messages API body.
func decodeMessagesRequest(r *http.Request) (*adapters.MessagesRequest, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes))
	if err != nil {
		return nil, err
	}
	var req adapters.MessagesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Messages == nil {
		return nil, errMissingMessages
	}
	return &req, nil
}

var errMissingMessages = errors.New("messages must be an array")

// =============================================================================
// TOKEN COUNTING
// =============================================================================

// tokenCounter estimates prompt size with cl100k_base, or characters/4 when
// the encoding cannot be loaded.
type tokenCounter struct {
	once sync.Once
	load func() (*tiktoken.Tiktoken, error)
	enc  *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{load: func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding("cl100k_base")
	}}
}

// count returns the estimated token count of text.
func (c *tokenCounter) count(text string) int {
	c.once.Do(func() {
		enc, err := c.load()
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken unavailable, estimating tokens from characters")
			return
		}
		c.enc = enc
	})
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// promptText flattens everything the backend will read.
func promptText(req *adapters.MessagesRequest) string {
	var sb strings.Builder
	write := func(s string) {
		if s != "" {
			sb.WriteString(s)
			sb.WriteByte('\n')
		}
	}

	write(req.System.Text("\n"))
	for _, m := range req.Messages {
		for _, b := range m.Content {
			switch b.Type {
			case adapters.BlockText:
				write(b.Text)
			case adapters.BlockThinking:
				write(b.Thinking)
			case adapters.BlockToolUse:
				write(b.Name)
				write(string(b.Input))
			case adapters.BlockToolResult:
				write(b.Content.Text("\n"))
			}
		}
	}
	for _, t := range req.Tools {
		write(t.Name)
		write(t.Description)
		write(string(t.InputSchema))
	}
	return sb.String()
}

// handleCountTokens estimates input tokens locally; the backend has no
// counting endpoint.
func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(apiKeyFromRequest(r)) {
		g.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}
	req, err := decodeMessagesRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": g.tokens.count(promptText(req))})
}

// =============================================================================
// MODELS
// =============================================================================

// modelList is the OpenAI-style list response.
type modelList struct {
	Object string               `json:"object"`
	Data   []external.ModelInfo `json:"data"`
}

// handleModels lists backend models, or the static mapping table when the
// backend cannot be asked.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFromRequest(r)
	if !g.authorized(apiKey) {
		g.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}

	logger := monitoring.FromContext(r.Context())
	var models []external.ModelInfo
	cred, err := g.accounts.Select(r.Context(), apiKey, "", "", false)
	if err == nil {
		models, err = g.client.FetchModels(r.Context(), cred.AccessToken, cred.ProxyURL)
	}
	if err != nil || len(models) == 0 {
		logger.Warn().Err(err).Msg("model list unavailable, serving static table")
		models = g.staticModels()
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

func (g *Gateway) staticModels() []external.ModelInfo {
	created := g.now().Unix()
	names := adapters.KnownModels()
	out := make([]external.ModelInfo, len(names))
	for i, name := range names {
		out[i] = external.ModelInfo{ID: name, Object: "model", Created: created, OwnedBy: "google"}
	}
	return out
}

// =============================================================================
// HEALTH, INFO, SINKS
// =============================================================================

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := g.signatures.Stats()
	g.metrics.SetSignatureCacheEntries(stats.ScopeSignatures + stats.ToolSignatures)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    ServiceName,
		"version":    g.version,
		"features":   features,
		"signatures": stats,
		"timestamp":  g.now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     ServiceName,
		"version":     g.version,
		"description": "Messages API gateway for the Antigravity backend",
		"endpoints": map[string]string{
			"messages":      "POST /v1/messages",
			"count_tokens":  "POST /v1/messages/count_tokens",
			"models":        "GET /v1/models",
			"health":        "GET /health",
			"event_logging": "POST /api/event_logging/batch",
		},
		"features": features,
	})
}

// handleEventLogging accepts and discards client telemetry batches.
func (g *Gateway) handleEventLogging(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, MaxRequestBodyBytes))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	g.writeError(w, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
}
