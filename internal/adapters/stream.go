package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// =============================================================================
// STREAM TRANSCODER - Backend SSE chunks to Messages API events
// =============================================================================

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockTool
)

// StreamState is the per-request transducer state.
type StreamState struct {
	BlockKind      blockKind
	BlockIndex     int
	MessageStarted bool
	MessageStopped bool
	UsedTool       bool

	lineBuffer    []byte
	lastUsage     Usage
	lastSignature string
	toolIDs       map[string]int
	captured      int
}

// StreamTranscoder re-serializes one backend stream. Not safe for concurrent use;
// create one per request.
type StreamTranscoder struct {
	scope      string
	signatures SignatureCache
	now        func() time.Time
	logger     zerolog.Logger
	state      StreamState
}

// StreamOption configures a StreamTranscoder.
type StreamOption func(*StreamTranscoder)

// WithStreamClock overrides the clock used for generated ids.
func WithStreamClock(now func() time.Time) StreamOption {
	return func(t *StreamTranscoder) { t.now = now }
}

// WithStreamLogger sets the request-scoped logger.
func WithStreamLogger(l zerolog.Logger) StreamOption {
	return func(t *StreamTranscoder) { t.logger = l }
}

// NewStreamTranscoder creates a transcoder that records signatures under scope.
func NewStreamTranscoder(scope string, signatures SignatureCache, opts ...StreamOption) *StreamTranscoder {
	t := &StreamTranscoder{
		scope:      scope,
		signatures: signatures,
		now:        time.Now,
		logger:     log.Logger,
		state:      StreamState{toolIDs: make(map[string]int)},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns a snapshot of the transducer state.
func (t *StreamTranscoder) State() StreamState { return t.state }

// CapturedSignatures reports how many signatures this stream stored.
func (t *StreamTranscoder) CapturedSignatures() int { return t.state.captured }

// Feed consumes an arbitrary byte chunk and returns the events it completes.
// Incomplete trailing lines are buffered until the next call.
func (t *StreamTranscoder) Feed(chunk []byte) []Event {
	t.state.lineBuffer = append(t.state.lineBuffer, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(t.state.lineBuffer, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(t.state.lineBuffer[:i])
		events = append(events, t.processLine(line)...)
		t.state.lineBuffer = append(t.state.lineBuffer[:0], t.state.lineBuffer[i+1:]...)
	}
	return events
}

// Close flushes the buffered tail and finalizes the message if needed.
func (t *StreamTranscoder) Close() []Event {
	var events []Event
	if tail := bytes.TrimSpace(t.state.lineBuffer); len(tail) > 0 {
		events = append(events, t.processLine(tail)...)
	}
	t.state.lineBuffer = nil

	events = append(events, t.finalize("")...)
	t.logger.Debug().
		Int("blocks", t.state.BlockIndex).
		Int("signatures", t.state.captured).
		Msg("stream transcoding complete")
	return events
}

func (t *StreamTranscoder) processLine(line []byte) []Event {
	if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
		return nil
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 || string(data) == "[DONE]" {
		return t.finalize("")
	}
	if t.state.MessageStopped {
		return nil
	}

	if !gjson.ValidBytes(data) {
		t.logger.Warn().Int("bytes", len(data)).Msg("skipping malformed stream chunk")
		return nil
	}
	raw := data
	if inner := gjson.GetBytes(data, "response"); inner.IsObject() {
		raw = []byte(inner.Raw)
	}

	var chunk GeminiResponse
	if err := json.Unmarshal(raw, &chunk); err != nil {
		t.logger.Warn().Err(err).Msg("skipping undecodable stream chunk")
		return nil
	}

	var events []Event
	if !t.state.MessageStarted {
		events = append(events, t.messageStart(chunk.ResponseID, chunk.ModelVersion, chunk.UsageMetadata))
	}
	if chunk.UsageMetadata != nil {
		t.state.lastUsage = chunk.UsageMetadata.toUsage()
	}

	for _, cand := range chunk.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				events = append(events, t.processPart(part)...)
			}
		}
		if cand.FinishReason != "" {
			events = append(events, t.finalize(cand.FinishReason)...)
		}
	}
	return events
}

func (t *StreamTranscoder) messageStart(id, model string, usage *GeminiUsageMetadata) Event {
	if id == "" {
		id = fmt.Sprintf("msg_%d", t.now().UnixMilli())
	}
	if model == "" {
		model = DefaultModel
	}
	t.state.MessageStarted = true
	return Event{
		Type: EventMessageStart,
		Message: &MessageResponse{
			ID:      id,
			Type:    "message",
			Role:    RoleAssistant,
			Model:   model,
			Content: []ContentBlock{},
			Usage:   usage.toUsage(),
		},
	}
}

func (t *StreamTranscoder) processPart(part GeminiPart) []Event {
	if t.state.MessageStopped {
		return nil
	}
	switch {
	case part.FunctionCall != nil:
		return t.toolUse(part.FunctionCall, part.ThoughtSignature)
	case part.Thought:
		if part.Text == "" && part.ThoughtSignature == "" {
			return nil
		}
		return t.thinking(part.Text, part.ThoughtSignature)
	default:
		if part.ThoughtSignature != "" {
			t.capture(part.ThoughtSignature)
		}
		return t.text(part.Text)
	}
}

func (t *StreamTranscoder) text(text string) []Event {
	if text == "" {
		return nil
	}
	var events []Event
	if t.state.BlockKind != blockText {
		events = append(events, t.startBlock(blockText, ContentBlock{Type: BlockText})...)
	}
	return append(events, t.delta(Delta{Type: DeltaText, Text: text}))
}

func (t *StreamTranscoder) thinking(text, signature string) []Event {
	var events []Event
	if t.state.BlockKind != blockThinking {
		events = append(events, t.startBlock(blockThinking, ContentBlock{Type: BlockThinking})...)
	}
	if text != "" {
		events = append(events, t.delta(Delta{Type: DeltaThinking, Thinking: text}))
	}
	if signature != "" {
		t.capture(signature)
		events = append(events, t.delta(Delta{Type: DeltaSignature, Signature: decodeSignature(signature)}))
	}
	return events
}

func (t *StreamTranscoder) toolUse(fc *GeminiFunctionCall, signature string) []Event {
	t.state.UsedTool = true

	id := fc.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", fc.Name, t.now().UnixMilli())
	}
	if n := t.state.toolIDs[id]; n > 0 {
		t.state.toolIDs[id] = n + 1
		id = fmt.Sprintf("%s-%d", id, n)
	} else {
		t.state.toolIDs[id] = 1
	}

	if signature != "" {
		t.capture(signature)
	} else if signature = t.state.lastSignature; signature == "" && t.signatures != nil {
		signature = t.signatures.Get(t.scope)
	}
	if signature != "" && t.signatures != nil {
		t.signatures.CacheToolSignature(t.scope, id, signature)
	}

	args, err := json.Marshal(remapFunctionCallArgs(fc.Name, fc.Args))
	if err != nil {
		args = []byte("{}")
	}

	events := t.startBlock(blockTool, ContentBlock{
		Type:  BlockToolUse,
		ID:    id,
		Name:  fc.Name,
		Input: json.RawMessage("{}"),
	})
	return append(events, t.delta(Delta{Type: DeltaInputJSON, PartialJSON: string(args)}))
}

// capture records a backend signature for the scope.
func (t *StreamTranscoder) capture(signature string) {
	t.state.lastSignature = signature
	t.state.captured++
	if t.signatures != nil {
		t.signatures.Store(signature, t.scope)
	}
	t.logger.Debug().Int("length", len(signature)).Msg("captured thought signature")
}

func (t *StreamTranscoder) startBlock(kind blockKind, block ContentBlock) []Event {
	events := t.endBlock()
	t.state.BlockKind = kind
	return append(events, Event{Type: EventContentBlockStart, Index: t.state.BlockIndex, Block: &block})
}

func (t *StreamTranscoder) endBlock() []Event {
	if t.state.BlockKind == blockNone {
		return nil
	}
	ev := Event{Type: EventContentBlockStop, Index: t.state.BlockIndex}
	t.state.BlockIndex++
	t.state.BlockKind = blockNone
	return []Event{ev}
}

func (t *StreamTranscoder) delta(d Delta) Event {
	return Event{Type: EventContentBlockDelta, Index: t.state.BlockIndex, Delta: &d}
}

// finalize closes the message exactly once.
func (t *StreamTranscoder) finalize(finishReason string) []Event {
	if t.state.MessageStopped {
		return nil
	}
	var events []Event
	if !t.state.MessageStarted {
		events = append(events, t.messageStart("", "", nil))
	}
	events = append(events, t.endBlock()...)

	stop := StopEndTurn
	if t.state.UsedTool {
		stop = StopToolUse
	} else if finishReason == "MAX_TOKENS" {
		stop = StopMaxTokens
	}

	t.state.MessageStopped = true
	return append(events,
		Event{Type: EventMessageDelta, StopReason: stop, Usage: t.state.lastUsage},
		Event{Type: EventMessageStop},
	)
}

// =============================================================================
// PIPE - Drive a reader through a transcoder
// =============================================================================

const streamReadSize = 32 * 1024

// Pipe reads r until EOF, emitting events in order. The message is always
// finalized, even when reading fails; the read error is returned afterwards.
func Pipe(ctx context.Context, r io.Reader, t *StreamTranscoder, emit func(Event) error) error {
	buf := make([]byte, streamReadSize)
	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range t.Feed(buf[:n]) {
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("read upstream stream: %w", err)
			break
		}
	}

	for _, ev := range t.Close() {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return readErr
}
