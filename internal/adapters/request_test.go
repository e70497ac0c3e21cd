package adapters

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/antigravity-gateway/internal/store"
)

func parseRequest(t *testing.T, raw string) *MessagesRequest {
	t.Helper()
	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	return &req
}

func newTestSignatures(t *testing.T) *store.SignatureStore {
	t.Helper()
	s := store.NewSignatureStore(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backendSignature is a canonical base64 value whose decoded form is plain text.
var backendSignature = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("abc123", 15)))

// =============================================================================
// BASIC CONVERSION
// =============================================================================

func TestTranscode_SimpleText(t *testing.T) {
	req := parseRequest(t, `{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [{"role": "user", "content": "hello"}]
	}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "scope")

	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.False(t, out.ThinkingEnabled)
	require.Len(t, out.Request.Contents, 1)
	assert.Equal(t, "user", out.Request.Contents[0].Role)
	assert.Equal(t, "hello", out.Request.Contents[0].Parts[0].Text)

	sys := out.Request.SystemInstruction
	require.NotNil(t, sys)
	require.Len(t, sys.Parts, 4)
	assert.True(t, strings.HasPrefix(sys.Parts[0].Text, "You are Antigravity"))
	assert.Equal(t, "be brief", sys.Parts[1].Text)

	cfg := out.Request.GenerationConfig
	assert.Equal(t, MaxOutputTokens, cfg.MaxOutputTokens)
	assert.Equal(t, 1, cfg.CandidateCount)
	require.NotNil(t, cfg.Temperature)
	assert.Equal(t, 1.0, *cfg.Temperature)
	assert.Nil(t, cfg.ThinkingConfig)

	require.Len(t, out.Request.SafetySettings, 5)
	for _, s := range out.Request.SafetySettings {
		assert.Equal(t, "OFF", s.Threshold)
	}
	assert.Nil(t, out.Request.Tools)
	assert.Nil(t, out.Request.ToolConfig)
}

func TestTranscode_ModelHintOverridesRequest(t *testing.T) {
	req := parseRequest(t, `{"model":"claude-opus-4","messages":[{"role":"user","content":"hi"}]}`)

	out := NewRequestTranscoder(nil).Transcode(req, "gemini-2.5-flash-lite", "")

	assert.Equal(t, "gemini-2.5-flash-lite", out.Model)
}

func TestTranscode_SkipsSystemReminders(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[{"role":"user","content":[
		{"type":"text","text":"  <system-reminder>ignore me</system-reminder>"},
		{"type":"text","text":"real question"}
	]}]}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "")

	require.Len(t, out.Request.Contents, 1)
	require.Len(t, out.Request.Contents[0].Parts, 1)
	assert.Equal(t, "real question", out.Request.Contents[0].Parts[0].Text)
}

func TestTranscode_SamplingPassthrough(t *testing.T) {
	req := parseRequest(t, `{"model":"x","temperature":0.2,"top_p":0.9,"top_k":40,"stop_sequences":["END"],
		"messages":[{"role":"user","content":"hi"}]}`)

	cfg := NewRequestTranscoder(nil).Transcode(req, "", "").Request.GenerationConfig

	assert.Equal(t, 0.2, *cfg.Temperature)
	assert.Equal(t, 0.9, *cfg.TopP)
	assert.Equal(t, 40, *cfg.TopK)
	assert.Equal(t, []string{"END"}, cfg.StopSequences)
}

func TestTranscode_ImageBlock(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[{"role":"user","content":[
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}},
		{"type":"image","source":{"type":"url","url":"https://example.com/a.png"}}
	]}]}`)

	parts := NewRequestTranscoder(nil).Transcode(req, "", "").Request.Contents[0].Parts

	require.Len(t, parts, 1)
	assert.Equal(t, &GeminiInlineData{MimeType: "image/png", Data: "iVBORw0KGgo="}, parts[0].InlineData)
}

// =============================================================================
// TOOLS
// =============================================================================

func TestTranscode_ToolRoundTrip(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[
		{"role":"user","content":"list files"},
		{"role":"assistant","content":[
			{"type":"text","text":"(no content)"},
			{"type":"tool_use","id":"toolu_1","name":"ls","input":{"path":"/tmp"}},
			{"type":"text","text":"trailing text is dropped"}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"a.txt"}]}
		]}
	]}`)

	contents := NewRequestTranscoder(nil).Transcode(req, "", "").Request.Contents

	require.Len(t, contents, 3)
	model := contents[1]
	assert.Equal(t, "model", model.Role)
	require.Len(t, model.Parts, 1)
	assert.Equal(t, &GeminiFunctionCall{ID: "toolu_1", Name: "ls", Args: map[string]any{"path": "/tmp"}}, model.Parts[0].FunctionCall)

	result := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, result)
	assert.Equal(t, "toolu_1", result.ID)
	assert.Equal(t, "ls", result.Name)
	assert.Equal(t, map[string]any{"result": "a.txt"}, result.Response)
}

func TestTranscode_ToolErrorAndEmptyResults(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[
		{"role":"assistant","content":[
			{"type":"tool_use","id":"t1","name":"bash","input":{}},
			{"type":"tool_use","id":"t2","name":"bash","input":{}}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"t1","is_error":true,"content":""},
			{"type":"tool_result","tool_use_id":"t2","content":[]}
		]}
	]}`)

	parts := NewRequestTranscoder(nil).Transcode(req, "", "").Request.Contents[1].Parts

	require.Len(t, parts, 2)
	assert.Equal(t, map[string]any{"error": "Tool execution failed"}, parts[0].FunctionResponse.Response)
	assert.Equal(t, map[string]any{"result": "(no output)"}, parts[1].FunctionResponse.Response)
}

func TestTranscode_MissingToolResultIsSynthesized(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[
		{"role":"assistant","content":[
			{"type":"tool_use","id":"t1","name":"read","input":{}},
			{"type":"tool_use","id":"t2","name":"read","input":{}}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"t1","content":"ok"},
			{"type":"text","text":"continue"}
		]}
	]}`)

	parts := NewRequestTranscoder(nil).Transcode(req, "", "").Request.Contents[1].Parts

	require.Len(t, parts, 3)
	assert.Equal(t, "t1", parts[0].FunctionResponse.ID)
	assert.Equal(t, "t2", parts[1].FunctionResponse.ID)
	assert.Equal(t, map[string]any{"error": missingToolResultText}, parts[1].FunctionResponse.Response)
	assert.Equal(t, "continue", parts[2].Text)
}

func TestTranscode_TrailingToolUseGetsSyntheticTurn(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"bash","input":{}}]},
		{"role":"assistant","content":"done"}
	]}`)

	contents := NewRequestTranscoder(nil).Transcode(req, "", "").Request.Contents

	require.Len(t, contents, 4)
	assert.Equal(t, "user", contents[2].Role)
	assert.Equal(t, "t1", contents[2].Parts[0].FunctionResponse.ID)
}

func TestTranscode_ToolResultLongOutputTruncated(t *testing.T) {
	long := strings.Repeat("z", MaxToolResultChars+10)
	raw, err := json.Marshal(map[string]any{
		"model": "x",
		"messages": []any{
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "tool_use", "id": "t1", "name": "cat", "input": map[string]any{}},
			}},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "t1", "content": long},
			}},
		},
	})
	require.NoError(t, err)

	parts := NewRequestTranscoder(nil).Transcode(parseRequest(t, string(raw)), "", "").Request.Contents[1].Parts

	got := parts[0].FunctionResponse.Response["result"].(string)
	assert.True(t, strings.HasSuffix(got, truncationSuffix))
	assert.Len(t, got, MaxToolResultChars+len(truncationSuffix))
}

func TestTranscode_FunctionDeclarations(t *testing.T) {
	req := parseRequest(t, `{"model":"x","messages":[{"role":"user","content":"hi"}],
		"tools":[
			{"name":"read_file","description":"Read a file.\nMore detail.","input_schema":{
				"type":"object","$schema":"x","properties":{"path":{"type":"string","format":"uri"}},"required":["path"]}},
			{"custom":{"name":"nested","parameters":{"type":"object"}}}
		],
		"tool_choice":{"type":"tool","name":"read_file"}}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "")

	require.Len(t, out.Request.Tools, 1)
	decls := out.Request.Tools[0].FunctionDeclarations
	require.Len(t, decls, 2)
	assert.Equal(t, "read_file", decls[0].Name)
	assert.Equal(t, "Read a file. More detail.", decls[0].Description)
	assert.Equal(t, map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []any{"path"},
	}, decls[0].Parameters)
	assert.Equal(t, "nested", decls[1].Name)

	wire, err := json.Marshal(decls[0])
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"parametersJsonSchema":{`)
	assert.NotContains(t, string(wire), `"parameters":`)

	require.NotNil(t, out.Request.ToolConfig)
	assert.Equal(t, "ANY", out.Request.ToolConfig.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"read_file"}, out.Request.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)
}

func TestBuildToolConfig_Modes(t *testing.T) {
	tests := []struct {
		choice *ToolChoice
		mode   string
	}{
		{nil, "AUTO"},
		{&ToolChoice{Type: "auto"}, "AUTO"},
		{&ToolChoice{Type: "any"}, "ANY"},
		{&ToolChoice{Type: "none"}, "NONE"},
		{&ToolChoice{Type: "tool", Name: "x"}, "ANY"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.mode, buildToolConfig(tt.choice).FunctionCallingConfig.Mode)
	}
}

func TestTranscode_SearchOnly(t *testing.T) {
	req := parseRequest(t, `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"news today?"}],
		"tools":[{"type":"web_search_20250305","name":"web_search","max_uses":5}]}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "")

	assert.True(t, out.WebSearch)
	assert.Equal(t, WebSearchModel, out.Model)
	require.Len(t, out.Request.Tools, 1)
	assert.NotNil(t, out.Request.Tools[0].GoogleSearch)
	assert.Empty(t, out.Request.Tools[0].FunctionDeclarations)
	assert.Nil(t, out.Request.ToolConfig)
	assert.Empty(t, out.Warnings)

	body, err := json.Marshal(out.Request)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"tools":[{"googleSearch":{}}]`)
}

func TestTranscode_SearchMixedWithFunctions(t *testing.T) {
	req := parseRequest(t, `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],
		"tools":[{"name":"google_search"},{"name":"bash","input_schema":{"type":"object"}}]}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "")

	assert.False(t, out.WebSearch)
	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, []string{WarningSearchMixed}, out.Warnings)
	require.Len(t, out.Request.Tools, 1)
	assert.Nil(t, out.Request.Tools[0].GoogleSearch)
	require.Len(t, out.Request.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "bash", out.Request.Tools[0].FunctionDeclarations[0].Name)
}

// =============================================================================
// THINKING
// =============================================================================

func TestTranscode_ThinkingEnabledOnFreshConversation(t *testing.T) {
	req := parseRequest(t, `{"model":"claude-sonnet-4-5-thinking","thinking":{"type":"enabled","budget_tokens":100000},
		"messages":[{"role":"user","content":"think"}]}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "")

	assert.True(t, out.ThinkingEnabled)
	tc := out.Request.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.Equal(t, MaxOutputTokens-1, tc.ThinkingBudget)
	assert.True(t, tc.IncludeThoughts)
}

func TestTranscode_ThinkingDisabledAfterUnsignedToolTurn(t *testing.T) {
	req := parseRequest(t, `{"model":"x","thinking":{"type":"enabled","budget_tokens":2048},"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"bash","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}
	]}`)

	out := NewRequestTranscoder(nil).Transcode(req, "", "")

	assert.False(t, out.ThinkingEnabled)
	assert.Nil(t, out.Request.GenerationConfig.ThinkingConfig)
}

func TestTranscode_PriorThinkingNeedsCachedSignature(t *testing.T) {
	raw := `{"model":"x","thinking":{"type":"enabled","budget_tokens":2048},"messages":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"b"}]},
		{"role":"user","content":"c"}
	]}`

	sigs := newTestSignatures(t)
	out := NewRequestTranscoder(sigs).Transcode(parseRequest(t, raw), "", "conv")
	assert.False(t, out.ThinkingEnabled)
	for _, p := range out.Request.Contents[1].Parts {
		assert.False(t, p.Thought, "thinking must be stripped when disabled")
	}

	sigs.Store(backendSignature, "conv")
	out = NewRequestTranscoder(sigs).Transcode(parseRequest(t, raw), "", "conv")
	assert.True(t, out.ThinkingEnabled)
	first := out.Request.Contents[1].Parts[0]
	assert.True(t, first.Thought)
	assert.Equal(t, backendSignature, first.ThoughtSignature)
}

func TestTranscode_InvalidClientSignatureFallsBackToCache(t *testing.T) {
	req := parseRequest(t, `{"model":"x","thinking":{"type":"enabled","budget_tokens":2048},"messages":[
		{"role":"user","content":"a"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"hmm","signature":"short"},{"type":"text","text":"b"}]},
		{"role":"user","content":"c"}
	]}`)
	sigs := &staticSignatures{latest: "x"}

	out := NewRequestTranscoder(sigs).Transcode(req, "", "conv")

	require.True(t, out.ThinkingEnabled)
	parts := out.Request.Contents[1].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "x", parts[0].ThoughtSignature)
}

// staticSignatures is a SignatureCache with fixed answers.
type staticSignatures struct {
	latest string
	tools  map[string]string
}

func (s *staticSignatures) Store(string, string)                      {}
func (s *staticSignatures) Get(string) string                         { return s.latest }
func (s *staticSignatures) CacheToolSignature(string, string, string) {}
func (s *staticSignatures) GetToolSignature(_, id string) string      { return s.tools[id] }

// =============================================================================
// TWO-TURN SIGNATURE ROUND TRIP
// =============================================================================

func TestTranscode_SignatureSurvivesTwoTurns(t *testing.T) {
	sigs := newTestSignatures(t)
	const scope = "session-1"

	// Turn 1: backend thinks, signs and calls a tool.
	upstream := `data: {"response":{"responseId":"r1","modelVersion":"claude-sonnet-4-5-thinking","candidates":[{"content":{"role":"model","parts":[{"thought":true,"text":"plan"},{"thought":true,"text":"","thoughtSignature":"` + backendSignature + `"}]}}]}}

data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"toolu_9","name":"bash","args":{"command":"ls"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}

`
	resp, err := Accumulate(t.Context(), strings.NewReader(upstream), NewStreamTranscoder(scope, sigs))
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, StopToolUse, *resp.StopReason)
	thinking := resp.Content[0]
	assert.Equal(t, BlockThinking, thinking.Type)
	assert.Equal(t, strings.Repeat("abc123", 15), thinking.Signature, "client sees the decoded form")
	assert.Equal(t, backendSignature, sigs.GetToolSignature(scope, "toolu_9"))

	// Turn 2: client echoes the assistant turn and answers the tool.
	assistant, err := json.Marshal(resp.Content)
	require.NoError(t, err)
	req := parseRequest(t, `{"model":"claude-sonnet-4-5-thinking","thinking":{"type":"enabled","budget_tokens":4096},"messages":[
		{"role":"user","content":"run ls"},
		{"role":"assistant","content":`+string(assistant)+`},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_9","content":"a.txt"}]}
	]}`)

	out := NewRequestTranscoder(sigs).Transcode(req, "", scope)

	require.True(t, out.ThinkingEnabled)
	model := out.Request.Contents[1]
	require.Len(t, model.Parts, 2)
	assert.True(t, model.Parts[0].Thought)
	assert.Equal(t, backendSignature, model.Parts[0].ThoughtSignature)
	require.NotNil(t, model.Parts[1].FunctionCall)
	assert.Equal(t, backendSignature, model.Parts[1].ThoughtSignature)
}

func TestTranscode_ToolCallSignatureFromCache(t *testing.T) {
	sigs := newTestSignatures(t)
	sigs.CacheToolSignature("s", "toolu_1", backendSignature)

	req := parseRequest(t, `{"model":"x","messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"bash","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}]}
	]}`)

	parts := NewRequestTranscoder(sigs).Transcode(req, "", "s").Request.Contents[0].Parts

	assert.Equal(t, backendSignature, parts[0].ThoughtSignature)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestToolInputArgs(t *testing.T) {
	assert.Equal(t, map[string]any{}, toolInputArgs(nil))
	assert.Equal(t, map[string]any{"a": 1.0}, toolInputArgs(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, map[string]any{"a": 1.0}, toolInputArgs(json.RawMessage(`"{\"a\":1}"`)))
	assert.Equal(t, map[string]any{"raw": "not json"}, toolInputArgs(json.RawMessage(`"not json"`)))
	assert.Equal(t, map[string]any{"raw": "[1,2]"}, toolInputArgs(json.RawMessage(`[1,2]`)))
}

func TestSignatureCoding(t *testing.T) {
	assert.Equal(t, backendSignature, encodeSignature(decodeSignature(backendSignature)))
	assert.Equal(t, "not*base64", decodeSignature("not*base64"))
	assert.Empty(t, sanitizeClientSignature("abc"))
	assert.Empty(t, sanitizeClientSignature("has spaces in it"))
	assert.Equal(t, "QUJDREVGR0hJSg==", sanitizeClientSignature("QUJDREVGR0hJSg=="))
}

func TestContent_AcceptsStringAndFiltersNulls(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"hi"`), &c))
	assert.Equal(t, Content{{Type: BlockText, Text: "hi"}}, c)

	require.NoError(t, json.Unmarshal([]byte(`[null,{"type":"text","text":"a"},null]`), &c))
	assert.Equal(t, Content{{Type: BlockText, Text: "a"}}, c)

	require.NoError(t, json.Unmarshal([]byte(`42`), &c))
	assert.Empty(t, c)
}

func TestContent_DropsMalformedBlocks(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"hi"},{"type":"text","text":123},{"type":"text","text":"bye"}]`), &c))
	assert.Equal(t, Content{{Type: BlockText, Text: "hi"}, {Type: BlockText, Text: "bye"}}, c)
}

func TestMessagesRequest_MalformedToolResultContent(t *testing.T) {
	req := parseRequest(t, `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "t1", "content": 5},
				{"type": "text", "text": "continue"}
			]}
		]
	}`)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content, 2)
	assert.Equal(t, BlockToolResult, req.Messages[0].Content[0].Type)
	assert.Empty(t, req.Messages[0].Content[0].Content)
	assert.Equal(t, "continue", req.Messages[0].Content[1].Text)
}

func TestContentBlock_MarshalVariants(t *testing.T) {
	data, err := json.Marshal([]ContentBlock{
		{Type: BlockText},
		{Type: BlockToolUse, ID: "t", Name: "n"},
		{Type: BlockThinking, Thinking: "x", Signature: "s"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"type":"text","text":""},
		{"type":"tool_use","id":"t","name":"n","input":{}},
		{"type":"thinking","thinking":"x","signature":"s"}
	]`, string(data))

	_, err = json.Marshal(ContentBlock{Type: "bogus"})
	assert.Error(t, err)
}
