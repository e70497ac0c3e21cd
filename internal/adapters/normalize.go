package adapters

import (
	"encoding/json"
	"strings"
)

const (
	// missingToolResultText is the synthetic result for a tool call that never got one.
	missingToolResultText = "[tool_result missing; tool execution interrupted]"

	noContentSentinel = "(no content)"
)

// normalizeMessages pairs every tool_use with a tool_result and tidies assistant turns.
// Unanswered calls become synthetic error results so the backend sees a closed history.
func normalizeMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages)+1)
	var pending []string

	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			content := reorderAssistant(msg.Content)

			if len(pending) > 0 {
				out = append(out, Message{Role: RoleUser, Content: syntheticResults(pending)})
				pending = nil
			}

			out = append(out, Message{Role: RoleAssistant, Content: content})
			for _, b := range content {
				if b.Type == BlockToolUse && b.ID != "" {
					pending = append(pending, b.ID)
				}
			}
			continue
		}

		if len(pending) == 0 {
			out = append(out, msg)
			continue
		}

		var results, others Content
		seen := make(map[string]bool)
		for _, b := range msg.Content {
			if b.Type == BlockToolResult {
				results = append(results, b)
				seen[b.ToolUseID] = true
			} else {
				others = append(others, b)
			}
		}

		var missing []string
		for _, id := range pending {
			if !seen[id] {
				missing = append(missing, id)
			}
		}

		if len(missing) > 0 {
			content := make(Content, 0, len(results)+len(missing)+len(others))
			content = append(content, results...)
			content = append(content, syntheticResults(missing)...)
			content = append(content, others...)
			msg = Message{Role: msg.Role, Content: content}
		}
		out = append(out, msg)

		// every pending id is now answered, for real or synthetically
		pending = nil
	}
	return out
}

// reorderAssistant moves thinking to the front, drops filler text and
// truncates the turn at its tool calls.
func reorderAssistant(content Content) Content {
	var thinking, rest Content
	for _, b := range content {
		switch b.Type {
		case BlockThinking, BlockRedactedThinking:
			thinking = append(thinking, b)
		case BlockText:
			if t := strings.TrimSpace(b.Text); t == "" || t == noContentSentinel {
				continue
			}
			rest = append(rest, b)
		default:
			rest = append(rest, b)
		}
	}

	out := make(Content, 0, len(thinking)+len(rest))
	out = append(out, thinking...)
	sawTool := false
	for _, b := range rest {
		if b.Type == BlockToolUse {
			sawTool = true
		} else if sawTool {
			continue
		}
		out = append(out, b)
	}
	return out
}

func syntheticResults(ids []string) Content {
	out := make(Content, 0, len(ids))
	for _, id := range ids {
		out = append(out, ContentBlock{
			Type:      BlockToolResult,
			ToolUseID: id,
			IsError:   true,
			Content:   Content{{Type: BlockText, Text: missingToolResultText}},
		})
	}
	return out
}

// stripThinking removes reasoning blocks from assistant turns.
func stripThinking(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			out = append(out, msg)
			continue
		}
		content := make(Content, 0, len(msg.Content))
		for _, b := range msg.Content {
			if b.Type == BlockThinking || b.Type == BlockRedactedThinking {
				continue
			}
			content = append(content, b)
		}
		out = append(out, Message{Role: msg.Role, Content: content})
	}
	return out
}

// toolInputArgs decodes tool_use input into an args object.
func toolInputArgs(input json.RawMessage) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err == nil && args != nil {
		return args
	}

	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &args); err == nil && args != nil {
			return args
		}
		return map[string]any{"raw": s}
	}
	return map[string]any{"raw": string(input)}
}
