package transformer

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
)

func TestAnthropicToOpenAIRequest(t *testing.T) {
	temp := 0.7
	req := &anthropic.MessagesRequest{
		Model:       "openrouter,anthropic/claude-sonnet-4",
		MaxTokens:   256,
		Temperature: &temp,
		Stream:      true,
		System:      anthropic.SystemText("be terse"),
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("what is the weather")},
			{Role: "assistant", Content: anthropic.BlocksContent(
				anthropic.ContentBlock{Type: anthropic.BlockText, Text: "checking"},
				anthropic.ContentBlock{Type: anthropic.BlockToolUse, ID: "toolu_1", Name: "weather", Input: map[string]any{"city": "LA"}},
			)},
			{Role: "user", Content: anthropic.BlocksContent(
				anthropic.ToolResultText("toolu_1", "72F", false),
			)},
		},
		Tools: []anthropic.Tool{
			{Name: "weather", Description: "current weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "web_search", Type: "web_search_20250305"},
		},
	}

	out, err := anthropicToOpenAI(req)
	if err != nil {
		t.Fatalf("anthropicToOpenAI: %v", err)
	}

	if out.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("model = %q, routed prefix not stripped", out.Model)
	}
	if !out.Stream || out.StreamOptions == nil {
		t.Error("stream options not set for streaming request")
	}

	// system + user + assistant + tool = 4 messages
	if len(out.Messages) != 4 {
		t.Fatalf("messages = %+v", out.Messages)
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Content != "be terse" {
		t.Errorf("system message = %+v", out.Messages[0])
	}
	assistant := out.Messages[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Function.Name != "weather" {
		t.Errorf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"city":"LA"}` {
		t.Errorf("arguments = %q", assistant.ToolCalls[0].Function.Arguments)
	}
	toolMsg := out.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "toolu_1" || toolMsg.Content != "72F" {
		t.Errorf("tool message = %+v", toolMsg)
	}

	// server-side web_search tool has no OpenAI equivalent
	if len(out.Tools) != 1 || out.Tools[0].Function.Name != "weather" {
		t.Errorf("tools = %+v", out.Tools)
	}
}

func TestConvertToolChoice(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`{"type":"auto"}`, "auto"},
		{`{"type":"any"}`, "required"},
	}
	for _, tt := range tests {
		if got := convertToolChoice(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("convertToolChoice(%s) = %v", tt.in, got)
		}
	}

	got := convertToolChoice(json.RawMessage(`{"type":"tool","name":"weather"}`))
	m, ok := got.(map[string]any)
	if !ok || m["type"] != "function" {
		t.Errorf("tool choice = %v", got)
	}
}

func TestOpenAIToAnthropicResponse(t *testing.T) {
	finish := "tool_calls"
	oai := &oaiResponse{
		ID:    "chatcmpl-1",
		Model: "deepseek-chat",
		Choices: []oaiChoice{{
			Message: &oaiMessage{
				Role:             "assistant",
				Content:          "let me check",
				ReasoningContent: "the user wants weather",
				ToolCalls: []oaiToolCall{{
					ID:       "call_abc",
					Type:     "function",
					Function: oaiFunction{Name: "weather", Arguments: `{"city":"LA"}`},
				}},
			},
			FinishReason: &finish,
		}},
		Usage: &oaiUsage{PromptTokens: 10, CompletionTokens: 5},
	}

	out := openAIToAnthropic(oai)
	if out.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", out.StopReason)
	}
	if len(out.Content) != 3 {
		t.Fatalf("content = %+v", out.Content)
	}
	if out.Content[0].Type != anthropic.BlockThinking || out.Content[0].Thinking != "the user wants weather" {
		t.Errorf("thinking block = %+v", out.Content[0])
	}
	if out.Content[1].Type != anthropic.BlockText || out.Content[1].Text != "let me check" {
		t.Errorf("text block = %+v", out.Content[1])
	}
	tool := out.Content[2]
	if tool.Type != anthropic.BlockToolUse || tool.ID != "toolu_abc" || tool.Name != "weather" {
		t.Errorf("tool block = %+v", tool)
	}
	if tool.Input["city"] != "LA" {
		t.Errorf("tool input = %v", tool.Input)
	}
	if out.Usage == nil || out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]string{
		"stop":       "end_turn",
		"length":     "max_tokens",
		"tool_calls": "tool_use",
		"weird":      "end_turn",
	}
	for in, want := range tests {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q", in, got)
		}
	}
}

func TestConvertOpenAIStream(t *testing.T) {
	chunks := []string{
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
		`[DONE]`,
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}

	converted := convertOpenAIStream(io.NopCloser(strings.NewReader(b.String())))
	defer converted.Close()

	var types []string
	var text strings.Builder
	scanner := bufio.NewScanner(converted)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event anthropic.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		types = append(types, event.Type)
		if event.Delta != nil {
			text.WriteString(event.Delta.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	joined := strings.Join(types, " ")
	for _, required := range []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	} {
		if !strings.Contains(joined, required) {
			t.Errorf("missing %s in %v", required, types)
		}
	}
	if text.String() != "hello" {
		t.Errorf("text = %q", text.String())
	}
}
