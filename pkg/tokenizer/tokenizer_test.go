package tokenizer

import (
	"encoding/json"
	"testing"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

func newCounter(t *testing.T) *Counter {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCount(t *testing.T) {
	c := newCounter(t)
	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d", got)
	}
	if got := c.Count("hello world"); got == 0 {
		t.Error("Count of non-empty text is zero")
	}
}

func TestCountRequestSumsAllParts(t *testing.T) {
	c := newCounter(t)

	base := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("summarize this document")},
		},
	}
	withSystem := &anthropic.MessagesRequest{
		Messages: base.Messages,
		System:   anthropic.SystemText("you are terse"),
	}
	withTools := &anthropic.MessagesRequest{
		Messages: base.Messages,
		System:   anthropic.SystemText("you are terse"),
		Tools: []anthropic.Tool{
			{Name: "search", Description: "find things", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}

	n1 := c.CountRequest(base)
	n2 := c.CountRequest(withSystem)
	n3 := c.CountRequest(withTools)
	if !(n1 > 0 && n2 > n1 && n3 > n2) {
		t.Errorf("counts not increasing: %d %d %d", n1, n2, n3)
	}
}

// Two requests that differ only in JSON key ordering must count identically,
// otherwise a request could flip across the long-context threshold between
// retries.
func TestCountRequestDeterministicKeyOrder(t *testing.T) {
	c := newCounter(t)

	a := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "assistant", Content: anthropic.BlocksContent(anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    "t1",
				Name:  "lookup",
				Input: map[string]any{"alpha": "1", "beta": "2", "gamma": "3"},
			})},
			{Role: "user", Content: anthropic.BlocksContent(anthropic.ContentBlock{
				Type:      anthropic.BlockToolResult,
				ToolUseID: "t1",
				Content:   json.RawMessage(`{"zeta":1,"alpha":2}`),
			})},
		},
	}
	b := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "assistant", Content: anthropic.BlocksContent(anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    "t1",
				Name:  "lookup",
				Input: map[string]any{"gamma": "3", "alpha": "1", "beta": "2"},
			})},
			{Role: "user", Content: anthropic.BlocksContent(anthropic.ContentBlock{
				Type:      anthropic.BlockToolResult,
				ToolUseID: "t1",
				Content:   json.RawMessage(`{"alpha":2,"zeta":1}`),
			})},
		},
	}

	for i := 0; i < 5; i++ {
		if na, nb := c.CountRequest(a), c.CountRequest(b); na != nb {
			t.Fatalf("counts differ across key order: %d vs %d", na, nb)
		}
	}
}

func TestCountRequestStringToolResult(t *testing.T) {
	c := newCounter(t)
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlocksContent(
				anthropic.ToolResultText("t1", "the result text", false),
			)},
		},
	}
	want := c.Count("the result text")
	if got := c.CountRequest(req); got != want {
		t.Errorf("string tool_result counted as %d, want %d", got, want)
	}
}
