package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/antigravity-gateway/external"
	"github.com/compresr/antigravity-gateway/internal/accounts"
	"github.com/compresr/antigravity-gateway/internal/adapters"
	"github.com/compresr/antigravity-gateway/internal/retry"
)

func userText(text string) adapters.Message {
	return adapters.Message{Role: adapters.RoleUser, Content: adapters.Content{{Type: adapters.BlockText, Text: text}}}
}

// =============================================================================
// SESSION KEY
// =============================================================================

func TestSessionKey(t *testing.T) {
	a := &adapters.MessagesRequest{Messages: []adapters.Message{userText("hello")}}
	b := &adapters.MessagesRequest{Messages: []adapters.Message{userText("hello"), userText("later turn")}}
	c := &adapters.MessagesRequest{Messages: []adapters.Message{userText("different")}}

	key := sessionKey(a)
	assert.Len(t, key, sessionKeyLen)
	assert.Equal(t, key, sessionKey(b), "later turns keep the key")
	assert.NotEqual(t, key, sessionKey(c))
	assert.Empty(t, sessionKey(&adapters.MessagesRequest{}))
}

func TestSessionKey_UserIDWins(t *testing.T) {
	a := &adapters.MessagesRequest{
		Metadata: &adapters.Metadata{UserID: "user-1"},
		Messages: []adapters.Message{userText("one")},
	}
	b := &adapters.MessagesRequest{
		Metadata: &adapters.Metadata{UserID: "user-1"},
		Messages: []adapters.Message{userText("two")},
	}
	assert.Equal(t, sessionKey(a), sessionKey(b))
}

func TestSessionKey_SystemTextCounts(t *testing.T) {
	a := &adapters.MessagesRequest{
		System:   adapters.Content{{Type: adapters.BlockText, Text: "you are terse"}},
		Messages: []adapters.Message{userText("hi")},
	}
	b := &adapters.MessagesRequest{Messages: []adapters.Message{userText("hi")}}
	assert.NotEqual(t, sessionKey(a), sessionKey(b))
}

func TestNewTraceID(t *testing.T) {
	id := newTraceID()
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, newTraceID())
}

func TestAPIKeyFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"x-api-key", map[string]string{"X-Api-Key": " k1 "}, "k1"},
		{"bearer", map[string]string{"Authorization": "Bearer k2"}, "k2"},
		{"bearer lower case", map[string]string{"Authorization": "bearer k3"}, "k3"},
		{"x-api-key wins", map[string]string{"X-Api-Key": "k1", "Authorization": "Bearer k2"}, "k1"},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, apiKeyFromRequest(r))
		})
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:1000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.5", getClientIP(r), "forwarded headers ignored from remote peers")

	r.RemoteAddr = "127.0.0.1:1000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", getClientIP(r))

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", getClientIP(r))
}

// =============================================================================
// WARMUP DETECTION
// =============================================================================

func TestIsWarmup(t *testing.T) {
	tests := []struct {
		name string
		msgs []adapters.Message
		want bool
	}{
		{"warmup", []adapters.Message{userText("Warmup")}, true},
		{"warmup prefix", []adapters.Message{userText("warmup request from client")}, true},
		{"keepalive", []adapters.Message{userText("keep-alive")}, true},
		{"ping exact", []adapters.Message{userText(" ping ")}, true},
		{"ping inside text", []adapters.Message{userText("ping the server")}, false},
		{"test connection", []adapters.Message{userText("Test connection please")}, true},
		{"normal", []adapters.Message{userText("Explain goroutines")}, false},
		{"empty", nil, false},
		{"assistant last", []adapters.Message{
			userText("hi"),
			{Role: adapters.RoleAssistant, Content: adapters.Content{{Type: adapters.BlockText, Text: "Warmup"}}},
		}, false},
		{"tool result", []adapters.Message{{Role: adapters.RoleUser, Content: adapters.Content{{
			Type:      adapters.BlockToolResult,
			ToolUseID: "t1",
			Content:   adapters.Content{{Type: adapters.BlockText, Text: "Warmup complete"}},
		}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isWarmup(&adapters.MessagesRequest{Messages: tt.msgs}))
		})
	}
}

// =============================================================================
// BACKGROUND TASKS
// =============================================================================

func TestDetectBackgroundTask(t *testing.T) {
	tests := []struct {
		text string
		want BackgroundTask
	}{
		{"Please generate a short title for this chat", TaskTitleGeneration},
		{"Write a concise title", TaskTitleGeneration},
		{"Give a concise summary of the above", TaskSummary},
		{"Summarize this conversation", TaskSummary},
		{"Suggest the next step", TaskSuggestion},
		{"Update the todo list", TaskTodoUpdate},
		{"mark as done", TaskTodoUpdate},
		{"hello", TaskProbe},
		{"Refactor the parser to stream tokens", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			req := &adapters.MessagesRequest{Messages: []adapters.Message{userText(tt.text)}}
			assert.Equal(t, tt.want, detectBackgroundTask(req))
		})
	}
}

func TestDetectBackgroundTask_UsesLastUserMessage(t *testing.T) {
	req := &adapters.MessagesRequest{Messages: []adapters.Message{
		userText("Generate a title"),
		{Role: adapters.RoleAssistant, Content: adapters.Content{{Type: adapters.BlockText, Text: "ok"}}},
		userText("Now implement the handler"),
	}}
	assert.Equal(t, BackgroundTask(""), detectBackgroundTask(req))
}

func TestDowngradeModel(t *testing.T) {
	assert.Equal(t, summaryModel, downgradeModel(TaskSummary))
	for _, task := range []BackgroundTask{TaskTitleGeneration, TaskSuggestion, TaskTodoUpdate, TaskProbe} {
		assert.Equal(t, backgroundModel, downgradeModel(task), task)
	}
}

func TestStripThinking(t *testing.T) {
	req := &adapters.MessagesRequest{
		Thinking: &adapters.ThinkingConfig{Type: "enabled", BudgetTokens: 2048},
		Messages: []adapters.Message{
			userText("q"),
			{Role: adapters.RoleAssistant, Content: adapters.Content{
				{Type: adapters.BlockThinking, Thinking: "hmm", Signature: "sig"},
				{Type: adapters.BlockRedactedThinking},
				{Type: adapters.BlockText, Text: "answer"},
			}},
			userText("again"),
		},
	}

	out := stripThinking(req)
	assert.Nil(t, out.Thinking)
	require.Len(t, out.Messages, 3)
	require.Len(t, out.Messages[1].Content, 1)
	assert.Equal(t, "answer", out.Messages[1].Content[0].Text)

	// The input is untouched.
	assert.NotNil(t, req.Thinking)
	assert.Len(t, req.Messages[1].Content, 3)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorType(t *testing.T) {
	assert.Equal(t, "invalid_request_error", errorType(400))
	assert.Equal(t, "authentication_error", errorType(401))
	assert.Equal(t, "permission_error", errorType(403))
	assert.Equal(t, "not_found_error", errorType(404))
	assert.Equal(t, "rate_limit_error", errorType(429))
	assert.Equal(t, "overloaded_error", errorType(503))
	assert.Equal(t, "overloaded_error", errorType(529))
	assert.Equal(t, "api_error", errorType(500))
	assert.Equal(t, "api_error", errorType(502))
}

func TestTruncateMessage(t *testing.T) {
	short := "fine"
	assert.Equal(t, short, truncateMessage(short))

	long := strings.Repeat("é", maxErrorMessageLen+10)
	got := truncateMessage(long)
	assert.True(t, strings.HasSuffix(got, truncatedSuffix))
	assert.Equal(t, maxErrorMessageLen+len([]rune(truncatedSuffix)), len([]rune(got)))
}

func TestFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "no accounts",
			err:        retry.Stop(fmt.Errorf("select: %w", accounts.ErrNoAvailableAccounts)),
			wantStatus: http.StatusServiceUnavailable,
			wantMsg:    "no available accounts, please retry later",
		},
		{
			name:       "backend error message",
			err:        &external.HTTPError{Status: 429, Body: `{"error":{"message":"slow down"}}`},
			wantStatus: 429,
			wantMsg:    "slow down",
		},
		{
			name:       "array body",
			err:        retry.Stop(&external.HTTPError{Status: 400, Body: `[{"error":{"message":"bad field"}}]`}),
			wantStatus: 400,
			wantMsg:    "bad field",
		},
		{
			name:       "timeout",
			err:        fmt.Errorf("call: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "other",
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := failure(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, msg)
			}
		})
	}
}

func TestFailure_RawBodyWithoutMessage(t *testing.T) {
	status, msg := failure(&external.HTTPError{Status: 502, Body: "<html>bad gateway</html>"})
	assert.Equal(t, 502, status)
	assert.Contains(t, msg, "status 502")
}
