package transformer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

func TestGeminiTransformRequestAddressing(t *testing.T) {
	provider := &config.Provider{
		Name:       "gemini",
		APIBaseURL: "https://generativelanguage.googleapis.com/v1beta/models/",
		APIKey:     "gk",
		Models:     []string{"gemini-2.5-pro"},
	}
	tr, _ := newGemini(nil)

	req := &Request{
		Body:    []byte(`{"model":"gemini,gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`),
		Headers: http.Header{},
	}
	if err := tr.TransformRequest(context.Background(), req, provider); err != nil {
		t.Fatal(err)
	}
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent"
	if req.URL != want {
		t.Errorf("URL = %q, want %q", req.URL, want)
	}
	if got := req.Headers.Get("x-goog-api-key"); got != "gk" {
		t.Errorf("x-goog-api-key = %q", got)
	}

	// streaming uses the SSE verb
	req = &Request{
		Body:    []byte(`{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
		Headers: http.Header{},
	}
	if err := tr.TransformRequest(context.Background(), req, provider); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(req.URL, ":streamGenerateContent?alt=sse") {
		t.Errorf("stream URL = %q", req.URL)
	}
}

func TestAnthropicToGemini(t *testing.T) {
	body := &anthropic.MessagesRequest{
		Model:     "gemini-2.5-pro",
		MaxTokens: 64,
		System:    anthropic.SystemText("be brief"),
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("weather in LA?")},
			{Role: "assistant", Content: anthropic.BlocksContent(
				anthropic.ContentBlock{Type: anthropic.BlockToolUse, ID: "t1", Name: "weather", Input: map[string]any{"city": "LA"}},
			)},
			{Role: "user", Content: anthropic.BlocksContent(
				anthropic.ToolResultText("t1", "72F", false),
			)},
		},
		Tools: []anthropic.Tool{
			{Name: "weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}

	out := anthropicToGemini(body)
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system = %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %+v", out.Contents)
	}
	if out.Contents[1].Role != "model" || out.Contents[1].Parts[0].FunctionCall == nil {
		t.Errorf("assistant content = %+v", out.Contents[1])
	}
	// the function response is keyed by the tool name, resolved from the id
	fr := out.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "weather" || fr.Response["result"] != "72F" {
		t.Errorf("function response = %+v", fr)
	}
	if len(out.Tools) != 1 || out.Tools[0].FunctionDeclarations[0].Name != "weather" {
		t.Errorf("tools = %+v", out.Tools)
	}
	if out.GenerationConfig == nil || out.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("generation config = %+v", out.GenerationConfig)
	}
}

func TestGeminiToAnthropic(t *testing.T) {
	gem := &geminiResponse{
		Candidates: []geminiCandidate{{
			Content: &geminiContent{
				Role: "model",
				Parts: []geminiPart{
					{Text: "checking"},
					{FunctionCall: &geminiFunctionCall{Name: "weather", Args: map[string]any{"city": "LA"}}},
				},
			},
			FinishReason: "STOP",
		}},
		UsageMetadata: &geminiUsage{PromptTokenCount: 8, CandidatesTokenCount: 4},
	}

	out := geminiToAnthropic(gem)
	if len(out.Content) != 2 {
		t.Fatalf("content = %+v", out.Content)
	}
	if out.Content[0].Text != "checking" {
		t.Errorf("text = %+v", out.Content[0])
	}
	tool := out.Content[1]
	if tool.Type != anthropic.BlockToolUse || tool.Name != "weather" || !strings.HasPrefix(tool.ID, "toolu_") {
		t.Errorf("tool block = %+v", tool)
	}
	// a function call forces the tool_use stop reason regardless of finish
	if out.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", out.StopReason)
	}
	if out.Usage.InputTokens != 8 || out.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestMapGeminiFinish(t *testing.T) {
	if got := mapGeminiFinish("MAX_TOKENS", nil); got != "max_tokens" {
		t.Errorf("MAX_TOKENS -> %q", got)
	}
	if got := mapGeminiFinish("STOP", nil); got != "end_turn" {
		t.Errorf("STOP -> %q", got)
	}
}
