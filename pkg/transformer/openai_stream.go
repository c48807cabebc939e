package transformer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/sse"
)

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// convertOpenAIStream rewrites a chat-completions chunk stream into the
// Anthropic event schema. The conversion runs in a goroutine feeding a pipe;
// closing the returned reader tears down the upstream body.
func convertOpenAIStream(upstream io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	conv := newOAIStreamState()

	go func() {
		defer upstream.Close()

		emit := func(event *anthropic.StreamEvent) bool {
			_, err := fmt.Fprintf(pw, "event: %s\ndata: %s\n\n", event.Type, event.Marshal())
			return err == nil
		}

		parser := sse.NewParser(upstream)
		for {
			frame, err := parser.Next()
			if err != nil {
				break
			}
			if string(frame.Data) == "[DONE]" {
				break
			}
			for _, event := range conv.convert(frame.Data) {
				if !emit(event) {
					pw.CloseWithError(io.ErrClosedPipe)
					return
				}
			}
		}
		for _, event := range conv.finish() {
			if !emit(event) {
				break
			}
		}
		pw.Close()
	}()

	return pr
}

// Content block kinds tracked by the stream state.
const (
	oaiBlockNone = iota
	oaiBlockText
	oaiBlockThinking
	oaiBlockTool
)

// oaiStreamState assembles Anthropic events from chunk deltas. One block is
// open at a time; switching kinds closes the previous block.
type oaiStreamState struct {
	messageID    string
	model        string
	started      bool
	blockKind    int
	blockIndex   int
	nextIndex    int
	toolIndexMap map[int]int
	stopReason   string
	usage        *anthropic.Usage
	stopped      bool
}

func newOAIStreamState() *oaiStreamState {
	return &oaiStreamState{toolIndexMap: make(map[int]int)}
}

func (s *oaiStreamState) convert(data []byte) []*anthropic.StreamEvent {
	chunk, err := decodeOAIChunk(data)
	if err != nil {
		// A malformed chunk is skipped; the stream continues.
		return nil
	}

	var events []*anthropic.StreamEvent

	if s.messageID == "" && chunk.ID != "" {
		s.messageID = chunk.ID
	}
	if s.model == "" && chunk.Model != "" {
		s.model = chunk.Model
	}

	if !s.started {
		id := s.messageID
		if id == "" {
			id = "msg_" + randomID()
		}
		events = append(events, anthropic.NewMessageStart(id, s.model))
		s.started = true
	}

	if chunk.Usage != nil {
		s.usage = &anthropic.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if delta := choice.Delta; delta != nil {
		if delta.ReasoningContent != "" {
			events = append(events, s.ensureBlock(oaiBlockThinking, nil)...)
			events = append(events, &anthropic.StreamEvent{
				Type:  anthropic.EventContentBlockDelta,
				Index: s.blockIndex,
				Delta: &anthropic.StreamDelta{Type: anthropic.DeltaThinking, Thinking: delta.ReasoningContent},
			})
		}

		if len(delta.ToolCalls) > 0 {
			for _, tc := range delta.ToolCalls {
				events = append(events, s.toolEvents(tc)...)
			}
		} else if text, ok := delta.Content.(string); ok && text != "" {
			events = append(events, s.ensureBlock(oaiBlockText, nil)...)
			events = append(events, &anthropic.StreamEvent{
				Type:  anthropic.EventContentBlockDelta,
				Index: s.blockIndex,
				Delta: &anthropic.StreamDelta{Type: anthropic.DeltaText, Text: text},
			})
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.stopReason = mapFinishReason(*choice.FinishReason)
	}

	return events
}

// ensureBlock opens a block of the wanted kind, closing any open block of a
// different kind. start, when non-nil, customizes the content_block_start.
func (s *oaiStreamState) ensureBlock(kind int, start *anthropic.ContentBlock) []*anthropic.StreamEvent {
	if s.blockKind == kind && kind != oaiBlockTool {
		return nil
	}

	var events []*anthropic.StreamEvent
	events = append(events, s.closeBlock()...)

	block := start
	if block == nil {
		switch kind {
		case oaiBlockThinking:
			block = &anthropic.ContentBlock{Type: anthropic.BlockThinking}
		default:
			block = &anthropic.ContentBlock{Type: anthropic.BlockText, Text: ""}
		}
	}

	s.blockKind = kind
	s.blockIndex = s.nextIndex
	s.nextIndex++
	events = append(events, &anthropic.StreamEvent{
		Type:         anthropic.EventContentBlockStart,
		Index:        s.blockIndex,
		ContentBlock: block,
	})
	return events
}

func (s *oaiStreamState) closeBlock() []*anthropic.StreamEvent {
	if s.blockKind == oaiBlockNone {
		return nil
	}
	event := &anthropic.StreamEvent{
		Type:  anthropic.EventContentBlockStop,
		Index: s.blockIndex,
	}
	s.blockKind = oaiBlockNone
	return []*anthropic.StreamEvent{event}
}

// toolEvents handles one tool_calls delta entry. A new OpenAI tool index
// opens a new tool_use block; argument fragments stream as input_json_delta.
func (s *oaiStreamState) toolEvents(tc oaiToolCall) []*anthropic.StreamEvent {
	var events []*anthropic.StreamEvent

	blockIndex, known := s.toolIndexMap[tc.Index]
	if !known {
		events = append(events, s.closeBlock()...)
		blockIndex = s.nextIndex
		s.nextIndex++
		s.toolIndexMap[tc.Index] = blockIndex
		s.blockKind = oaiBlockTool
		s.blockIndex = blockIndex
		events = append(events, &anthropic.StreamEvent{
			Type:  anthropic.EventContentBlockStart,
			Index: blockIndex,
			ContentBlock: &anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    claudeToolID(tc.ID),
				Name:  tc.Function.Name,
				Input: map[string]any{},
			},
		})
	}

	if tc.Function.Arguments != "" {
		events = append(events, &anthropic.StreamEvent{
			Type:  anthropic.EventContentBlockDelta,
			Index: blockIndex,
			Delta: &anthropic.StreamDelta{Type: anthropic.DeltaInputJSON, PartialJSON: tc.Function.Arguments},
		})
	}
	return events
}

// finish closes the open block and emits the terminal message events.
func (s *oaiStreamState) finish() []*anthropic.StreamEvent {
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	events := s.closeBlock()

	stop := s.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	delta := &anthropic.StreamEvent{
		Type:  anthropic.EventMessageDelta,
		Delta: &anthropic.StreamDelta{StopReason: stop},
	}
	if s.usage != nil {
		delta.Usage = s.usage
	}
	events = append(events, delta, &anthropic.StreamEvent{Type: anthropic.EventMessageStop})
	return events
}

func decodeOAIChunk(data []byte) (*oaiResponse, error) {
	var chunk oaiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}
