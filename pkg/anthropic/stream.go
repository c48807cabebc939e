package anthropic

import "encoding/json"

// SSE event types emitted on a streaming /v1/messages response.
const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
)

// StreamEvent is the data payload of one SSE frame.
type StreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Message      *MessagesResponse `json:"message,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *StreamDelta      `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	Error        *ErrorDetail      `json:"error,omitempty"`
}

// MarshalJSON emits the index field only for content_block events, where the
// protocol requires it even at index zero.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type alias StreamEvent
	switch e.Type {
	case EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			alias
		}{Type: e.Type, Index: e.Index, alias: alias(e)})
	}
	return json.Marshal(alias(e))
}

// StreamDelta carries either a text/thinking fragment, a partial tool-input
// JSON fragment, or the terminal stop_reason of a message_delta.
type StreamDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// Marshal serializes the event payload.
func (e *StreamEvent) Marshal() []byte {
	data, _ := json.Marshal(e)
	return data
}

// NewMessageStart builds a message_start event for a synthesized stream.
func NewMessageStart(id, model string) *StreamEvent {
	return &StreamEvent{
		Type: EventMessageStart,
		Message: &MessagesResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{},
			Usage:   &Usage{},
		},
	}
}
