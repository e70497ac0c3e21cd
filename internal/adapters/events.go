package adapters

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// SSE EVENTS - Messages API streaming events
// =============================================================================

// EventType names a Messages API stream event.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
)

// DeltaType names a content_block_delta payload.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaThinking  DeltaType = "thinking_delta"
	DeltaSignature DeltaType = "signature_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
)

// Delta is an incremental content update.
type Delta struct {
	Type        DeltaType `json:"type"`
	Text        string    `json:"text,omitempty"`
	Thinking    string    `json:"thinking,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
}

// Event is a closed variant; Type selects which fields are live.
type Event struct {
	Type       EventType
	Index      int
	Message    *MessageResponse // message_start
	Block      *ContentBlock    // content_block_start
	Delta      *Delta           // content_block_delta
	StopReason string           // message_delta
	Usage      Usage            // message_delta
}

// MarshalJSON writes the wire shape of the event.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventMessageStart:
		return json.Marshal(struct {
			Type    EventType        `json:"type"`
			Message *MessageResponse `json:"message"`
		}{e.Type, e.Message})
	case EventContentBlockStart:
		return json.Marshal(struct {
			Type         EventType     `json:"type"`
			Index        int           `json:"index"`
			ContentBlock *ContentBlock `json:"content_block"`
		}{e.Type, e.Index, e.Block})
	case EventContentBlockDelta:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Index int       `json:"index"`
			Delta *Delta    `json:"delta"`
		}{e.Type, e.Index, e.Delta})
	case EventContentBlockStop:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Index int       `json:"index"`
		}{e.Type, e.Index})
	case EventMessageDelta:
		type stopDelta struct {
			StopReason   string  `json:"stop_reason"`
			StopSequence *string `json:"stop_sequence"`
		}
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Delta stopDelta `json:"delta"`
			Usage Usage     `json:"usage"`
		}{e.Type, stopDelta{StopReason: e.StopReason}, e.Usage})
	case EventMessageStop:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// SSE encodes the event as one "event:/data:" frame.
func (e Event) SSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+len(e.Type)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, e.Type...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
