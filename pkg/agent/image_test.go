package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

func imageRequest() *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model: "claude-sonnet-4",
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlocksContent(
				anthropic.ContentBlock{Type: anthropic.BlockImage, Source: json.RawMessage(`{"type":"base64","media_type":"image/png","data":"aGk="}`)},
				anthropic.ContentBlock{Type: anthropic.BlockText, Text: "what is this"},
			)},
		},
	}
}

func TestImageAgentShouldHandle(t *testing.T) {
	agent := NewImageAgent("vision,gpt-5-vision")

	if agent.ShouldHandle(&anthropic.MessagesRequest{}, nil) {
		t.Error("fired without image content")
	}
	if !agent.ShouldHandle(imageRequest(), nil) {
		t.Error("did not fire for image content")
	}
	if !agent.ShouldHandle(imageRequest(), &config.Provider{Name: "deepseek"}) {
		t.Error("did not fire for a non-vision provider")
	}
	// never intercept on the vision route itself
	if agent.ShouldHandle(imageRequest(), &config.Provider{Name: "Vision"}) {
		t.Error("fired on the vision provider")
	}

	disabled := NewImageAgent("")
	if disabled.ShouldHandle(imageRequest(), nil) {
		t.Error("fired with no route configured")
	}
}

func TestImageAgentAnalyze(t *testing.T) {
	var visionReq anthropic.MessagesRequest
	loop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &visionReq); err != nil {
			t.Errorf("vision body: %v", err)
		}
		resp := anthropic.MessagesResponse{
			ID: "msg_v", Type: "message", Role: "assistant", Model: "gpt-5-vision",
			Content: []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: "a cat on a keyboard"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer loop.Close()

	agent := NewImageAgent("vision,gpt-5-vision")
	tools := agent.Tools()
	if len(tools) != 1 || tools[0].Name != "analyzeImage" {
		t.Fatalf("tools = %+v", tools)
	}

	tc := &ToolContext{Request: imageRequest(), Loopback: loopbackFor(t, loop)}
	out, err := tools[0].Handler(context.Background(), map[string]any{"prompt": "what animal"}, tc)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "a cat on a keyboard" {
		t.Errorf("result = %q", out)
	}

	if visionReq.Model != "vision,gpt-5-vision" {
		t.Errorf("vision model = %q", visionReq.Model)
	}
	blocks := visionReq.Messages[0].Content.BlockContent()
	if len(blocks) != 2 || blocks[0].Type != anthropic.BlockImage || blocks[1].Text != "what animal" {
		t.Errorf("vision blocks = %+v", blocks)
	}
}

func TestCollectImageBlocksNested(t *testing.T) {
	nested, _ := json.Marshal([]anthropic.ContentBlock{
		{Type: anthropic.BlockImage, Source: json.RawMessage(`{"type":"base64"}`)},
		{Type: anthropic.BlockText, Text: "screenshot attached"},
	})
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlocksContent(anthropic.ContentBlock{
				Type:      anthropic.BlockToolResult,
				ToolUseID: "t1",
				Content:   nested,
			})},
		},
	}
	images := collectImageBlocks(req)
	if len(images) != 1 || images[0].Type != anthropic.BlockImage {
		t.Errorf("images = %+v", images)
	}
}
