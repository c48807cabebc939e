package anthropic

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessagesRequestPreservesUnknownFields(t *testing.T) {
	raw := `{
		"model": "claude-sonnet-4",
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 100,
		"some_future_field": {"nested": true},
		"another": 42
	}`

	var req MessagesRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Extra) != 2 {
		t.Fatalf("Extra = %v, want 2 entries", req.Extra)
	}

	req.Model = "provider,other-model"
	out, err := json.Marshal(&req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("round: %v", err)
	}
	if string(round["model"]) != `"provider,other-model"` {
		t.Errorf("model = %s", round["model"])
	}
	if string(round["some_future_field"]) != `{"nested":true}` {
		t.Errorf("some_future_field = %s", round["some_future_field"])
	}
	if string(round["another"]) != "42" {
		t.Errorf("another = %s", round["another"])
	}
}

func TestMessageContentForms(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &m); err != nil {
		t.Fatal(err)
	}
	if !m.Content.IsText || m.Content.Text != "plain" {
		t.Errorf("string content = %+v", m.Content)
	}
	out, _ := json.Marshal(m.Content)
	if string(out) != `"plain"` {
		t.Errorf("string content marshals to %s", out)
	}

	if err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"}]}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Content.IsText || len(m.Content.Blocks) != 1 {
		t.Errorf("block content = %+v", m.Content)
	}

	blocks := m.Content.BlockContent()
	if len(blocks) != 1 || blocks[0].Text != "a" {
		t.Errorf("BlockContent = %+v", blocks)
	}
	wrapped := TextContent("x").BlockContent()
	if len(wrapped) != 1 || wrapped[0].Type != BlockText || wrapped[0].Text != "x" {
		t.Errorf("wrapped string = %+v", wrapped)
	}
}

func TestSystemPromptPresence(t *testing.T) {
	var req MessagesRequest
	if err := json.Unmarshal([]byte(`{"model":"m","messages":[]}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.System.Present() {
		t.Error("absent system reported present")
	}
	out, _ := json.Marshal(&req)
	if strings.Contains(string(out), `"system"`) {
		t.Errorf("absent system serialized: %s", out)
	}

	if err := json.Unmarshal([]byte(`{"model":"m","messages":[],"system":""}`), &req); err != nil {
		t.Fatal(err)
	}
	if !req.System.Present() {
		t.Error("empty-string system reported absent")
	}
	out, _ = json.Marshal(&req)
	if !strings.Contains(string(out), `"system":""`) {
		t.Errorf("empty-string system dropped: %s", out)
	}
}

func TestThinkingEnabled(t *testing.T) {
	tests := []struct {
		thinking string
		want     bool
	}{
		{"", false},
		{"null", false},
		{"false", false},
		{`{"type":"enabled","budget_tokens":1024}`, true},
		{"true", true},
	}
	for _, tt := range tests {
		req := MessagesRequest{Thinking: json.RawMessage(tt.thinking)}
		if got := req.ThinkingEnabled(); got != tt.want {
			t.Errorf("ThinkingEnabled(%q) = %v", tt.thinking, got)
		}
	}
}

func TestParseModelPair(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		model    string
		ok       bool
	}{
		{"openrouter,anthropic/claude-sonnet-4", "openrouter", "anthropic/claude-sonnet-4", true},
		{"deepseek,deepseek-chat", "deepseek", "deepseek-chat", true},
		{"claude-sonnet-4", "", "", false},
		{",model", "", "", false},
		{"provider,", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		provider, model, ok := ParseModelPair(tt.in)
		if provider != tt.provider || model != tt.model || ok != tt.ok {
			t.Errorf("ParseModelPair(%q) = (%q, %q, %v)", tt.in, provider, model, ok)
		}
	}
}

func TestStreamEventMarshalIndex(t *testing.T) {
	// content_block events carry index even at zero
	e := StreamEvent{Type: EventContentBlockStop, Index: 0}
	out := string(e.Marshal())
	if !strings.Contains(out, `"index":0`) {
		t.Errorf("content_block_stop missing index: %s", out)
	}

	// other events omit a zero index
	e = StreamEvent{Type: EventMessageStop}
	out = string(e.Marshal())
	if strings.Contains(out, "index") {
		t.Errorf("message_stop carries index: %s", out)
	}
}

func TestToolResultText(t *testing.T) {
	block := ToolResultText("t1", "72F and sunny", false)
	if block.Type != BlockToolResult || block.ToolUseID != "t1" {
		t.Errorf("block = %+v", block)
	}
	var s string
	if err := json.Unmarshal(block.Content, &s); err != nil || s != "72F and sunny" {
		t.Errorf("content = %s (%v)", block.Content, err)
	}
}

func TestNewErrorResponse(t *testing.T) {
	out, _ := json.Marshal(NewErrorResponse("invalid_request_error", "bad body", 400))
	want := `{"type":"error","error":{"type":"invalid_request_error","message":"bad body","code":400}}`
	if string(out) != want {
		t.Errorf("error body = %s", out)
	}
}
