package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// Gemini generateContent wire types.

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecls `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiToolDecls struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// geminiTransformer speaks the generateContent dialect. The provider's
// api_base_url is the models root; the model and verb are appended per
// request, with alt=sse for streaming.
type geminiTransformer struct{}

func newGemini(_ map[string]any) (Transformer, error) {
	return &geminiTransformer{}, nil
}

func (t *geminiTransformer) Name() string { return NameGemini }

func (t *geminiTransformer) TransformRequest(_ context.Context, req *Request, provider *config.Provider) error {
	var body anthropic.MessagesRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fmt.Errorf("failed to decode anthropic body: %w", err)
	}

	model := body.Model
	if _, m, ok := anthropic.ParseModelPair(model); ok {
		model = m
	}

	converted := anthropicToGemini(&body)
	data, err := json.Marshal(converted)
	if err != nil {
		return err
	}
	req.Body = data

	verb := "generateContent"
	if body.Stream {
		verb = "streamGenerateContent?alt=sse"
	}
	base := strings.TrimSuffix(provider.APIBaseURL, "/")
	req.URL = fmt.Sprintf("%s/%s:%s", base, model, verb)

	if req.Headers == nil {
		req.Headers = make(map[string][]string)
	}
	key, err := resolveCredential(provider)
	if err != nil {
		return err
	}
	req.Headers.Set("x-goog-api-key", strings.TrimPrefix(key, "Bearer "))
	return nil
}

func (t *geminiTransformer) TransformResponse(_ context.Context, resp *Response) error {
	if resp.Streaming() {
		resp.Stream = convertGeminiStream(resp.Stream)
		resp.Headers.Set("Content-Type", "text/event-stream")
		return nil
	}

	var gem geminiResponse
	if err := json.Unmarshal(resp.Body, &gem); err != nil {
		return fmt.Errorf("failed to decode gemini response: %w", err)
	}

	data, err := json.Marshal(geminiToAnthropic(&gem))
	if err != nil {
		return err
	}
	resp.Body = data
	resp.Headers.Set("Content-Type", "application/json")
	return nil
}

func anthropicToGemini(body *anthropic.MessagesRequest) *geminiRequest {
	out := &geminiRequest{}

	if body.System.Present() {
		text := body.System.Text
		if !body.System.IsText {
			var parts []string
			for _, b := range body.System.Blocks {
				parts = append(parts, b.Text)
			}
			text = strings.Join(parts, "\n")
		}
		if text != "" {
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: text}}}
		}
	}

	// Gemini function responses are keyed by name, so remember which name
	// each tool_use id belongs to.
	toolNames := make(map[string]string)

	for _, msg := range body.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []geminiPart
		for _, block := range msg.Content.BlockContent() {
			switch block.Type {
			case anthropic.BlockText:
				if block.Text != "" {
					parts = append(parts, geminiPart{Text: block.Text})
				}
			case anthropic.BlockToolUse:
				toolNames[block.ID] = block.Name
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: block.Name,
					Args: block.Input,
				}})
			case anthropic.BlockToolResult:
				name := toolNames[block.ToolUseID]
				if name == "" {
					name = block.ToolUseID
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResp{
					Name:     name,
					Response: map[string]any{"result": rawToText(block.Content)},
				}})
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
		}
	}

	var decls []geminiFunctionDecl
	for _, tool := range body.Tools {
		if strings.HasPrefix(tool.Type, "web_search") || len(tool.InputSchema) == 0 {
			continue
		}
		decls = append(decls, geminiFunctionDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if len(decls) > 0 {
		out.Tools = []geminiToolDecls{{FunctionDeclarations: decls}}
	}

	if body.MaxTokens > 0 || body.Temperature != nil || body.TopP != nil || body.TopK != nil || len(body.StopSequences) > 0 {
		out.GenerationConfig = &geminiGenConfig{
			MaxOutputTokens: body.MaxTokens,
			Temperature:     body.Temperature,
			TopP:            body.TopP,
			TopK:            body.TopK,
			StopSequences:   body.StopSequences,
		}
	}

	return out
}

func geminiToAnthropic(gem *geminiResponse) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:   "msg_" + randomID(),
		Type: "message",
		Role: "assistant",
	}

	if len(gem.Candidates) > 0 {
		cand := gem.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					out.Content = append(out.Content, anthropic.ContentBlock{
						Type:  anthropic.BlockToolUse,
						ID:    "toolu_" + randomID(),
						Name:  part.FunctionCall.Name,
						Input: part.FunctionCall.Args,
					})
				case part.Text != "":
					out.Content = append(out.Content, anthropic.ContentBlock{
						Type: anthropic.BlockText,
						Text: part.Text,
					})
				}
			}
		}
		out.StopReason = mapGeminiFinish(cand.FinishReason, out.Content)
	}
	if len(out.Content) == 0 {
		out.Content = []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: ""}}
	}

	if gem.UsageMetadata != nil {
		out.Usage = &anthropic.Usage{
			InputTokens:  gem.UsageMetadata.PromptTokenCount,
			OutputTokens: gem.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

func mapGeminiFinish(reason string, content []anthropic.ContentBlock) string {
	for _, block := range content {
		if block.Type == anthropic.BlockToolUse {
			return "tool_use"
		}
	}
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
