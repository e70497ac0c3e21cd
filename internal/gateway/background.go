package gateway

import (
	"regexp"

	"github.com/compresr/antigravity-gateway/internal/adapters"
)

// =============================================================================
// BACKGROUND TASKS - Route client housekeeping calls to cheaper models
// =============================================================================

// BackgroundTask names a housekeeping request kind.
type BackgroundTask string

const (
	TaskTitleGeneration BackgroundTask = "TITLE_GENERATION"
	TaskSummary         BackgroundTask = "SUMMARY"
	TaskSuggestion      BackgroundTask = "SUGGESTION"
	TaskTodoUpdate      BackgroundTask = "TODO_UPDATE"
	TaskProbe           BackgroundTask = "PROBE"
)

type taskPatterns struct {
	task     BackgroundTask
	patterns []*regexp.Regexp
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile("(?i)" + e)
	}
	return out
}

// backgroundTasks is checked in order; the first match wins.
var backgroundTasks = []taskPatterns{
	{TaskTitleGeneration, patterns(
		`generate.{0,30}(short\s+)?title`,
		`create.{0,30}title`,
		`suggest.{0,30}title`,
		`summarize.{0,30}in.{0,10}title`,
		`title.{0,20}for.{0,20}conversation`,
		`concise.{0,20}title`,
	)},
	{TaskSummary, patterns(
		`concise.{0,30}summary`,
		`compress.{0,30}context`,
		`shorten.{0,30}conversation`,
		`extract.{0,30}key.{0,10}points`,
		`summarize.{0,30}(conversation|chat|discussion)`,
		`brief.{0,20}overview`,
	)},
	{TaskSuggestion, patterns(
		`suggest.{0,30}next.{0,20}(step|action)`,
		`recommend.{0,30}(action|approach)`,
		`what.{0,20}should.{0,20}(i|we).{0,20}do.{0,10}next`,
		`give.{0,20}me.{0,20}suggestions`,
	)},
	{TaskTodoUpdate, patterns(
		`update.{0,30}todo`,
		`mark.{0,30}(as\s+)?(complete|done)`,
		`check.{0,20}(off|task)`,
		`todowrite`,
	)},
	{TaskProbe, patterns(
		`^warmup$`,
		`^ping$`,
		`^test$`,
		`^hello$`,
		`^hi$`,
		`connection.{0,10}test`,
	)},
}

// Downgrade targets.
const (
	summaryModel    = "gemini-2.5-flash"
	backgroundModel = "gemini-2.5-flash-lite"
)

// detectBackgroundTask classifies the last user message, or returns "".
func detectBackgroundTask(req *adapters.MessagesRequest) BackgroundTask {
	var text string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == adapters.RoleUser {
			text = req.Messages[i].Content.Text(" ")
			break
		}
	}
	if text == "" {
		return ""
	}

	for _, tp := range backgroundTasks {
		for _, p := range tp.patterns {
			if p.MatchString(text) {
				return tp.task
			}
		}
	}
	return ""
}

// downgradeModel returns the cheaper model for task.
func downgradeModel(task BackgroundTask) string {
	if task == TaskSummary {
		return summaryModel
	}
	return backgroundModel
}

// stripThinking returns a copy of req without the thinking config or any
// thinking blocks. The input is not modified.
func stripThinking(req *adapters.MessagesRequest) *adapters.MessagesRequest {
	out := *req
	out.Thinking = nil
	out.Messages = make([]adapters.Message, len(req.Messages))
	for i, m := range req.Messages {
		if m.Role != adapters.RoleAssistant {
			out.Messages[i] = m
			continue
		}
		kept := make(adapters.Content, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == adapters.BlockThinking || b.Type == adapters.BlockRedactedThinking {
				continue
			}
			kept = append(kept, b)
		}
		out.Messages[i] = adapters.Message{Role: m.Role, Content: kept}
	}
	return &out
}
