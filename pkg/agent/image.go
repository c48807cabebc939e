package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// ImageAgent bridges image content to a vision-capable route when the
// selected provider cannot see images. Its analyzeImage tool reroutes the
// conversation's images through the proxy and feeds the description back
// into the tool loop.
type ImageAgent struct {
	// route is the "provider,model" pair of the vision-capable upstream.
	route string
}

// NewImageAgent builds the agent targeting the given routing pair.
func NewImageAgent(route string) *ImageAgent {
	return &ImageAgent{route: route}
}

func (a *ImageAgent) Name() string { return "image" }

// ShouldHandle fires when the conversation carries image blocks and the
// routed provider is not the vision route itself.
func (a *ImageAgent) ShouldHandle(req *anthropic.MessagesRequest, provider *config.Provider) bool {
	if a.route == "" || !hasImageBlocks(req) {
		return false
	}
	routeProvider, _, _ := anthropic.ParseModelPair(a.route)
	return provider == nil || !strings.EqualFold(provider.Name, routeProvider)
}

func (a *ImageAgent) Tools() []Tool {
	return []Tool{{
		Name:        "analyzeImage",
		Description: "Analyze the images attached to this conversation and answer a question about them.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"What to determine about the attached images"}},"required":["prompt"]}`),
		Handler:     a.analyzeImage,
	}}
}

func (a *ImageAgent) analyzeImage(ctx context.Context, args map[string]any, tc *ToolContext) (string, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = "Describe the attached images."
	}

	images := collectImageBlocks(tc.Request)
	if len(images) == 0 {
		return "", fmt.Errorf("no image content found in the conversation")
	}

	blocks := append(images, anthropic.ContentBlock{Type: anthropic.BlockText, Text: prompt})
	visionReq := anthropic.MessagesRequest{
		Model:     a.route,
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlocksContent(blocks...)},
		},
	}
	body, err := json.Marshal(visionReq)
	if err != nil {
		return "", err
	}

	resp, err := tc.Loopback.Messages(ctx, body)
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision route returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var msg anthropic.MessagesResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("vision response did not parse: %w", err)
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == anthropic.BlockText {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("vision route returned no text content")
	}
	return out.String(), nil
}

func hasImageBlocks(req *anthropic.MessagesRequest) bool {
	return len(collectImageBlocks(req)) > 0
}

// collectImageBlocks gathers every image block in the conversation,
// including those nested inside tool results.
func collectImageBlocks(req *anthropic.MessagesRequest) []anthropic.ContentBlock {
	var images []anthropic.ContentBlock
	for _, msg := range req.Messages {
		for _, block := range msg.Content.BlockContent() {
			switch block.Type {
			case anthropic.BlockImage:
				images = append(images, block)
			case anthropic.BlockToolResult:
				var nested []anthropic.ContentBlock
				if json.Unmarshal(block.Content, &nested) == nil {
					for _, n := range nested {
						if n.Type == anthropic.BlockImage {
							images = append(images, n)
						}
					}
				}
			}
		}
	}
	return images
}
