package adapters

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// =============================================================================
// REQUEST TRANSCODER - Messages API request to backend generate-content request
// =============================================================================

const (
	// MaxOutputTokens is sent on every request regardless of the client's max_tokens.
	MaxOutputTokens = 64000

	// MaxToolResultChars bounds a single tool result forwarded upstream.
	MaxToolResultChars = 200000

	defaultTemperature = 1.0
	systemReminderTag  = "<system-reminder>"

	// WarningSearchMixed is recorded when search is requested alongside function tools.
	WarningSearchMixed = "web search cannot be combined with function tools"
)

const personaPreamble = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.\n" +
	"You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.\n" +
	"**Absolute paths only**\n" +
	"**Proactiveness**"

const toolErrorPrompt = "Tool calls may fail (e.g., missing prerequisites). When a tool result indicates an error, do not stop: briefly explain the cause and continue with an alternative approach or the remaining steps."

const formattingPrompt = "\n<communication_style>\n- **Formatting**. Format your responses in github-style markdown. Use backticks to format file, directory, function, and class names.\n</communication_style>"

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// searchToolNames are reserved for the backend's built-in search.
var searchToolNames = map[string]bool{
	"web_search":              true,
	"google_search":           true,
	"google_search_retrieval": true,
}

// Transcoded is the outcome of one request conversion.
type Transcoded struct {
	Model           string         // Effective backend model
	Request         *GeminiRequest // Inner generate-content payload
	ThinkingEnabled bool           // Reasoning was requested and eligible
	WebSearch       bool           // Built-in search injected
	Warnings        []string       // Degradations worth surfacing in logs
}

// RequestTranscoder converts client requests, consulting cached signatures.
// It holds no per-request state and is safe for concurrent use.
type RequestTranscoder struct {
	signatures SignatureCache
}

// NewRequestTranscoder creates a transcoder backed by the given signature cache.
func NewRequestTranscoder(signatures SignatureCache) *RequestTranscoder {
	return &RequestTranscoder{signatures: signatures}
}

// Transcode converts req for the backend. modelHint overrides req.Model when set.
// Malformed blocks are dropped, never reported as errors.
func (t *RequestTranscoder) Transcode(req *MessagesRequest, modelHint, scope string) *Transcoded {
	if modelHint == "" {
		modelHint = req.Model
	}
	out := &Transcoded{Model: MapModel(modelHint)}

	messages := normalizeMessages(req.Messages)
	out.ThinkingEnabled = thinkingEligible(req, messages, t.signatures, scope)
	if !out.ThinkingEnabled {
		messages = stripThinking(messages)
	}

	toolNames := make(map[string]string)
	for _, msg := range messages {
		for _, b := range msg.Content {
			if b.Type == BlockToolUse && b.ID != "" {
				toolNames[b.ID] = b.Name
			}
		}
	}

	gr := &GeminiRequest{
		Contents:          make([]GeminiContent, 0, len(messages)),
		SystemInstruction: buildSystemInstruction(req.System),
		GenerationConfig:  buildGenerationConfig(req, out.ThinkingEnabled),
		SafetySettings:    make([]GeminiSafetySetting, 0, len(safetyCategories)),
	}
	for _, c := range safetyCategories {
		gr.SafetySettings = append(gr.SafetySettings, GeminiSafetySetting{Category: c, Threshold: "OFF"})
	}

	for _, msg := range messages {
		parts := t.convertContent(msg, out.ThinkingEnabled, scope, toolNames)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, GeminiContent{Role: role, Parts: parts})
	}

	decls, search, mixed := convertTools(req.Tools)
	switch {
	case search && !mixed:
		gr.Tools = []GeminiTool{{GoogleSearch: &struct{}{}}}
		out.Model = WebSearchModel
		out.WebSearch = true
	case len(decls) > 0:
		gr.Tools = []GeminiTool{{FunctionDeclarations: decls}}
		gr.ToolConfig = buildToolConfig(req.ToolChoice)
	}
	if search && mixed {
		out.Warnings = append(out.Warnings, WarningSearchMixed)
		log.Warn().Int("function_tools", len(decls)).Msg(WarningSearchMixed)
	}

	out.Request = gr
	return out
}

// convertContent maps one message's blocks to backend parts.
func (t *RequestTranscoder) convertContent(msg Message, thinking bool, scope string, toolNames map[string]string) []GeminiPart {
	parts := make([]GeminiPart, 0, len(msg.Content))
	lastSignature := ""

	for _, b := range msg.Content {
		switch b.Type {
		case BlockText:
			if b.Text == "" || strings.HasPrefix(strings.TrimSpace(b.Text), systemReminderTag) {
				continue
			}
			parts = append(parts, GeminiPart{Text: b.Text})

		case BlockThinking, BlockRedactedThinking:
			if !thinking {
				continue
			}
			sig := ""
			if clean := sanitizeClientSignature(b.Signature); clean != "" {
				sig = encodeSignature(clean)
			} else if t.signatures != nil {
				sig = t.signatures.Get(scope)
			}
			if sig == "" {
				log.Debug().Str("scope", scope).Msg("dropping thinking block without signature")
				continue
			}
			parts = append(parts, GeminiPart{Thought: true, Text: b.Thinking, ThoughtSignature: sig})
			lastSignature = sig

		case BlockImage:
			if b.Source == nil || b.Source.Type != "base64" || b.Source.Data == "" {
				continue
			}
			mime := b.Source.MediaType
			if mime == "" {
				mime = "application/octet-stream"
			}
			parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{MimeType: mime, Data: b.Source.Data}})

		case BlockToolUse:
			sig := lastSignature
			if sig == "" && t.signatures != nil {
				if sig = t.signatures.GetToolSignature(scope, b.ID); sig == "" {
					sig = t.signatures.Get(scope)
				}
			}
			parts = append(parts, GeminiPart{
				FunctionCall: &GeminiFunctionCall{
					ID:   b.ID,
					Name: b.Name,
					Args: toolInputArgs(b.Input),
				},
				ThoughtSignature: sig,
			})

		case BlockToolResult:
			parts = append(parts, GeminiPart{FunctionResponse: convertToolResult(b, toolNames)})

		default:
			log.Debug().Str("type", string(b.Type)).Msg("dropping unsupported content block")
		}
	}
	return parts
}

func convertToolResult(b ContentBlock, toolNames map[string]string) *GeminiFunctionResponse {
	name := toolNames[b.ToolUseID]
	if name == "" {
		name = b.ToolUseID
	}
	if name == "" {
		name = "unknown"
	}

	text := truncateRunes(b.Content.Text("\n"), MaxToolResultChars)
	response := map[string]any{}
	if b.IsError {
		if text == "" {
			text = "Tool execution failed"
		}
		response["error"] = text
	} else {
		if text == "" {
			text = "(no output)"
		}
		response["result"] = text
	}
	return &GeminiFunctionResponse{ID: b.ToolUseID, Name: name, Response: response}
}

func buildSystemInstruction(system Content) *GeminiContent {
	parts := []GeminiPart{{Text: personaPreamble}}
	for _, b := range system {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, GeminiPart{Text: b.Text})
		}
	}
	parts = append(parts, GeminiPart{Text: toolErrorPrompt}, GeminiPart{Text: formattingPrompt})
	return &GeminiContent{Role: "user", Parts: parts}
}

func buildGenerationConfig(req *MessagesRequest, thinking bool) *GeminiGenerationConfig {
	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	cfg := &GeminiGenerationConfig{
		Temperature:     &temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: MaxOutputTokens,
		CandidateCount:  1,
		StopSequences:   req.StopSequences,
	}
	if thinking {
		budget := req.Thinking.BudgetTokens
		if budget >= MaxOutputTokens {
			budget = MaxOutputTokens - 1
		}
		cfg.ThinkingConfig = &GeminiThinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
	}
	return cfg
}

// isSearchTool recognizes the client's built-in web search tool.
func isSearchTool(tool Tool) bool {
	return searchToolNames[tool.Name] || strings.HasPrefix(tool.Type, "web_search")
}

// convertTools returns function declarations, whether search was requested,
// and whether search was mixed with other tools.
func convertTools(tools []Tool) (decls []GeminiFunctionDeclaration, search, mixed bool) {
	others := 0
	for _, raw := range tools {
		tool := raw.resolved()
		if isSearchTool(tool) {
			search = true
			continue
		}
		others++
		if tool.Name == "" {
			continue
		}

		schema := map[string]any{}
		if s := tool.schema(); len(s) > 0 {
			if err := json.Unmarshal(s, &schema); err != nil || schema == nil {
				log.Debug().Str("tool", tool.Name).Msg("tool schema is not an object, using empty schema")
				schema = map[string]any{}
			}
		}
		params := SanitizeSchema(schema)
		compactSchemaDescriptions(params)

		decls = append(decls, GeminiFunctionDeclaration{
			Name:        tool.Name,
			Description: compactToolDescription(tool.Description),
			Parameters:  params,
		})
	}
	return decls, search, search && others > 0
}

func buildToolConfig(choice *ToolChoice) *GeminiToolConfig {
	cfg := &GeminiToolConfig{FunctionCallingConfig: GeminiFunctionCallingConfig{Mode: "AUTO"}}
	if choice == nil {
		return cfg
	}
	switch choice.Type {
	case "any":
		cfg.FunctionCallingConfig.Mode = "ANY"
	case "none":
		cfg.FunctionCallingConfig.Mode = "NONE"
	case "tool":
		cfg.FunctionCallingConfig.Mode = "ANY"
		if choice.Name != "" {
			cfg.FunctionCallingConfig.AllowedFunctionNames = []string{choice.Name}
		}
	}
	return cfg
}
