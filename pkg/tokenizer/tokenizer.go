// Package tokenizer estimates the token footprint of a messages request for
// routing decisions. Counts are estimates against the cl100k_base vocabulary,
// not billing-grade numbers.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

const encodingName = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

// Counter counts request tokens with a shared cl100k_base encoding.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New returns a Counter backed by the process-wide encoding. Loading the BPE
// ranks is expensive, so it happens once.
func New() (*Counter, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding(encodingName)
	})
	if encodingErr != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encodingName, encodingErr)
	}
	return &Counter{enc: encoding}, nil
}

// Count returns the token count of a plain string.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountRequest sums token estimates across messages, the system prompt, and
// tool definitions. Serialized objects are canonicalized through json.Marshal
// (map keys sort), so two requests that differ only in field ordering count
// the same.
func (c *Counter) CountRequest(req *anthropic.MessagesRequest) int {
	total := 0

	for _, msg := range req.Messages {
		if msg.Content.IsText {
			total += c.Count(msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			total += c.countBlock(block)
		}
	}

	if req.System.Present() {
		if req.System.IsText {
			total += c.Count(req.System.Text)
		} else {
			for _, block := range req.System.Blocks {
				total += c.Count(block.Text)
			}
		}
	}

	for _, tool := range req.Tools {
		total += c.Count(tool.Name + tool.Description)
		total += c.countRaw(tool.InputSchema)
	}

	return total
}

func (c *Counter) countBlock(block anthropic.ContentBlock) int {
	switch block.Type {
	case anthropic.BlockText, anthropic.BlockThinking:
		return c.Count(block.Text + block.Thinking)
	case anthropic.BlockToolUse:
		n := c.Count(block.Name)
		if block.Input != nil {
			if data, err := json.Marshal(block.Input); err == nil {
				n += c.Count(string(data))
			}
		}
		return n
	case anthropic.BlockToolResult:
		return c.countRaw(block.Content)
	default:
		return 0
	}
}

// countRaw counts a raw JSON value, decoding a bare string to its contents
// and canonicalizing objects so key order does not matter.
func (c *Counter) countRaw(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return c.Count(string(raw))
	}
	if s, ok := v.(string); ok {
		return c.Count(s)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return c.Count(string(raw))
	}
	return c.Count(string(canonical))
}
