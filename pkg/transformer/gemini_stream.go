package transformer

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/sse"
)

// convertGeminiStream rewrites a streamGenerateContent alt=sse stream into
// the Anthropic event schema. Gemini emits whole parts per chunk, so
// function calls become a complete tool_use block in one go.
func convertGeminiStream(upstream io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer upstream.Close()

		emit := func(event *anthropic.StreamEvent) bool {
			_, err := fmt.Fprintf(pw, "event: %s\ndata: %s\n\n", event.Type, event.Marshal())
			return err == nil
		}

		state := &geminiStreamState{}
		parser := sse.NewParser(upstream)
		for {
			frame, err := parser.Next()
			if err != nil {
				break
			}
			for _, event := range state.convert(frame.Data) {
				if !emit(event) {
					pw.CloseWithError(io.ErrClosedPipe)
					return
				}
			}
		}
		for _, event := range state.finish() {
			if !emit(event) {
				break
			}
		}
		pw.Close()
	}()

	return pr
}

type geminiStreamState struct {
	started    bool
	textOpen   bool
	nextIndex  int
	textIndex  int
	sawTool    bool
	stopReason string
	usage      *anthropic.Usage
	done       bool
}

func (s *geminiStreamState) convert(data []byte) []*anthropic.StreamEvent {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil
	}

	var events []*anthropic.StreamEvent
	if !s.started {
		events = append(events, anthropic.NewMessageStart("msg_"+randomID(), ""))
		s.started = true
	}

	if chunk.UsageMetadata != nil {
		s.usage = &anthropic.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(chunk.Candidates) == 0 {
		return events
	}
	cand := chunk.Candidates[0]

	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				events = append(events, s.closeText()...)
				s.sawTool = true
				index := s.nextIndex
				s.nextIndex++
				input, _ := json.Marshal(part.FunctionCall.Args)
				events = append(events,
					&anthropic.StreamEvent{
						Type:  anthropic.EventContentBlockStart,
						Index: index,
						ContentBlock: &anthropic.ContentBlock{
							Type:  anthropic.BlockToolUse,
							ID:    "toolu_" + randomID(),
							Name:  part.FunctionCall.Name,
							Input: map[string]any{},
						},
					},
					&anthropic.StreamEvent{
						Type:  anthropic.EventContentBlockDelta,
						Index: index,
						Delta: &anthropic.StreamDelta{Type: anthropic.DeltaInputJSON, PartialJSON: string(input)},
					},
					&anthropic.StreamEvent{
						Type:  anthropic.EventContentBlockStop,
						Index: index,
					},
				)
			case part.Text != "":
				if !s.textOpen {
					s.textIndex = s.nextIndex
					s.nextIndex++
					s.textOpen = true
					events = append(events, &anthropic.StreamEvent{
						Type:         anthropic.EventContentBlockStart,
						Index:        s.textIndex,
						ContentBlock: &anthropic.ContentBlock{Type: anthropic.BlockText, Text: ""},
					})
				}
				events = append(events, &anthropic.StreamEvent{
					Type:  anthropic.EventContentBlockDelta,
					Index: s.textIndex,
					Delta: &anthropic.StreamDelta{Type: anthropic.DeltaText, Text: part.Text},
				})
			}
		}
	}

	if cand.FinishReason != "" {
		switch {
		case s.sawTool:
			s.stopReason = "tool_use"
		case cand.FinishReason == "MAX_TOKENS":
			s.stopReason = "max_tokens"
		default:
			s.stopReason = "end_turn"
		}
	}

	return events
}

func (s *geminiStreamState) closeText() []*anthropic.StreamEvent {
	if !s.textOpen {
		return nil
	}
	s.textOpen = false
	return []*anthropic.StreamEvent{{
		Type:  anthropic.EventContentBlockStop,
		Index: s.textIndex,
	}}
}

func (s *geminiStreamState) finish() []*anthropic.StreamEvent {
	if !s.started || s.done {
		return nil
	}
	s.done = true

	events := s.closeText()
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
	return append(events, delta, &anthropic.StreamEvent{Type: anthropic.EventMessageStop})
}
