package adapters

import (
	"context"
	"encoding/json"
	"io"
	"strings"
)

// Accumulator folds stream events into one MessageResponse.
type Accumulator struct {
	resp       MessageResponse
	partial    map[int]*strings.Builder // tool input fragments by block index
	stopReason string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		resp:    MessageResponse{Type: "message", Role: RoleAssistant, Model: DefaultModel},
		partial: make(map[int]*strings.Builder),
	}
}

// Add applies one event.
func (a *Accumulator) Add(ev Event) {
	switch ev.Type {
	case EventMessageStart:
		if ev.Message != nil {
			a.resp.ID = ev.Message.ID
			a.resp.Model = ev.Message.Model
			a.resp.Usage = ev.Message.Usage
		}
	case EventContentBlockStart:
		if ev.Block == nil {
			return
		}
		block := *ev.Block
		if block.Type == BlockToolUse {
			a.partial[len(a.resp.Content)] = &strings.Builder{}
		}
		a.resp.Content = append(a.resp.Content, block)
	case EventContentBlockDelta:
		if ev.Delta == nil || ev.Index < 0 || ev.Index >= len(a.resp.Content) {
			return
		}
		block := &a.resp.Content[ev.Index]
		switch ev.Delta.Type {
		case DeltaText:
			block.Text += ev.Delta.Text
		case DeltaThinking:
			block.Thinking += ev.Delta.Thinking
		case DeltaSignature:
			block.Signature = ev.Delta.Signature
		case DeltaInputJSON:
			if b, ok := a.partial[ev.Index]; ok {
				b.WriteString(ev.Delta.PartialJSON)
			}
		}
	case EventContentBlockStop:
		b, ok := a.partial[ev.Index]
		if !ok || ev.Index >= len(a.resp.Content) {
			return
		}
		input := json.RawMessage(b.String())
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		a.resp.Content[ev.Index].Input = input
		delete(a.partial, ev.Index)
	case EventMessageDelta:
		a.stopReason = ev.StopReason
		a.resp.Usage = ev.Usage
	case EventMessageStop:
	}
}

// Response returns the accumulated message.
func (a *Accumulator) Response() *MessageResponse {
	resp := a.resp
	if len(resp.Content) == 0 {
		resp.Content = []ContentBlock{{Type: BlockText, Text: ""}}
	}
	stop := a.stopReason
	if stop == "" {
		stop = StopEndTurn
	}
	resp.StopReason = &stop
	return &resp
}

// Accumulate drains a backend stream into a complete response. A partial
// response is returned together with any read error.
func Accumulate(ctx context.Context, r io.Reader, t *StreamTranscoder) (*MessageResponse, error) {
	acc := NewAccumulator()
	err := Pipe(ctx, r, t, func(ev Event) error {
		acc.Add(ev)
		return nil
	})
	return acc.Response(), err
}
