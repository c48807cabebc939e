package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// OpenAI chat-completions wire types, shared by the openai, openrouter, and
// deepseek transformers.

type oaiMessage struct {
	Role             string          `json:"role"`
	Content          any             `json:"content"`
	ToolCalls        []oaiToolCall   `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Name             json.RawMessage `json:"name,omitempty"`
}

type oaiToolCall struct {
	Index    int         `json:"index,omitempty"`
	ID       string      `json:"id,omitempty"`
	Type     string      `json:"type,omitempty"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiToolSpec `json:"function"`
}

type oaiToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiRequest struct {
	Model         string          `json:"model"`
	Messages      []oaiMessage    `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions json.RawMessage `json:"stream_options,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
	Tools         []oaiTool       `json:"tools,omitempty"`
	ToolChoice    any             `json:"tool_choice,omitempty"`

	// OpenRouter extensions.
	Provider  json.RawMessage `json:"provider,omitempty"`
	Reasoning json.RawMessage `json:"reasoning,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiChoice struct {
	Index        int             `json:"index"`
	Message      *oaiMessage     `json:"message,omitempty"`
	Delta        *oaiMessage     `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason,omitempty"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

type oaiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// openAITransformer speaks the OpenAI chat-completions dialect: it converts
// the Anthropic body both ways, including the event stream.
type openAITransformer struct {
	name string
	// requestHook lets dialect variants adjust the converted request.
	requestHook func(*oaiRequest, *config.Provider)
}

func newOpenAI(_ map[string]any) (Transformer, error) {
	return &openAITransformer{name: NameOpenAI}, nil
}

func (t *openAITransformer) Name() string { return t.name }

func (t *openAITransformer) Endpoint() string { return "/v1/chat/completions" }

func (t *openAITransformer) TransformRequest(_ context.Context, req *Request, provider *config.Provider) error {
	var body anthropic.MessagesRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return fmt.Errorf("failed to decode anthropic body: %w", err)
	}

	converted, err := anthropicToOpenAI(&body)
	if err != nil {
		return err
	}
	if t.requestHook != nil {
		t.requestHook(converted, provider)
	}

	data, err := json.Marshal(converted)
	if err != nil {
		return err
	}
	req.Body = data

	if req.URL == "" {
		req.URL = provider.APIBaseURL
	}
	if req.Headers == nil {
		req.Headers = make(map[string][]string)
	}
	key, err := resolveCredential(provider)
	if err != nil {
		return err
	}
	if key != "" {
		if !strings.HasPrefix(key, "Bearer ") {
			key = "Bearer " + key
		}
		req.Headers.Set("Authorization", key)
	}
	return nil
}

func (t *openAITransformer) TransformResponse(_ context.Context, resp *Response) error {
	if resp.Streaming() {
		resp.Stream = convertOpenAIStream(resp.Stream)
		resp.Headers.Set("Content-Type", "text/event-stream")
		return nil
	}

	var oai oaiResponse
	if err := json.Unmarshal(resp.Body, &oai); err != nil {
		return fmt.Errorf("failed to decode openai response: %w", err)
	}
	if oai.Error != nil {
		body, _ := json.Marshal(anthropic.NewErrorResponse("api_error", oai.Error.Message, oai.Error.Code))
		resp.Body = body
		return nil
	}

	converted := openAIToAnthropic(&oai)
	data, err := json.Marshal(converted)
	if err != nil {
		return err
	}
	resp.Body = data
	resp.Headers.Set("Content-Type", "application/json")
	return nil
}

// anthropicToOpenAI converts a messages request into the chat-completions
// shape. Server-side tools with no input schema (web_search and friends)
// have no OpenAI equivalent and are dropped from the tool list.
func anthropicToOpenAI(body *anthropic.MessagesRequest) (*oaiRequest, error) {
	// Model names may arrive as "provider,model"; only the model part goes
	// upstream.
	model := body.Model
	if _, m, ok := anthropic.ParseModelPair(model); ok {
		model = m
	}

	out := &oaiRequest{
		Model:       model,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stream:      body.Stream,
		Stop:        body.StopSequences,
	}
	if body.Stream {
		opts, _ := json.Marshal(map[string]bool{"include_usage": true})
		out.StreamOptions = opts
	}

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
			out.Messages = append(out.Messages, oaiMessage{Role: "system", Content: text})
		}
	}

	for _, msg := range body.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range body.Tools {
		if strings.HasPrefix(tool.Type, "web_search") || len(tool.InputSchema) == 0 {
			continue
		}
		out.Tools = append(out.Tools, oaiTool{
			Type: "function",
			Function: oaiToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	// tool_choice only makes sense alongside tools.
	if len(out.Tools) > 0 && body.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(body.ToolChoice)
	}

	return out, nil
}

// convertMessage expands one Anthropic message into one or more OpenAI
// messages: tool results become their own role "tool" messages.
func convertMessage(msg anthropic.Message) ([]oaiMessage, error) {
	if msg.Content.IsText {
		return []oaiMessage{{Role: msg.Role, Content: msg.Content.Text}}, nil
	}

	var out []oaiMessage
	var textParts []string
	var toolCalls []oaiToolCall

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.BlockText:
			textParts = append(textParts, block.Text)
		case anthropic.BlockToolUse:
			args := "{}"
			if block.Input != nil {
				if data, err := json.Marshal(block.Input); err == nil {
					args = string(data)
				}
			}
			toolCalls = append(toolCalls, oaiToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: oaiFunction{Name: block.Name, Arguments: args},
			})
		case anthropic.BlockToolResult:
			out = append(out, oaiMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    rawToText(block.Content),
			})
		case anthropic.BlockThinking, anthropic.BlockRedactedThinking:
			// Thinking blocks are Anthropic-internal; upstreams in the
			// OpenAI dialect reject them.
		case anthropic.BlockImage:
			// Collapsed to a placeholder; vision routing is the image
			// agent's concern before the request reaches this dialect.
			textParts = append(textParts, "[image omitted]")
		}
	}

	if len(textParts) > 0 || len(toolCalls) > 0 {
		converted := oaiMessage{Role: msg.Role, ToolCalls: toolCalls}
		if len(textParts) > 0 {
			converted.Content = strings.Join(textParts, "\n")
		}
		out = append(out, converted)
	}
	return out, nil
}

// rawToText renders a tool_result content value as plain text.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func convertToolChoice(raw json.RawMessage) any {
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil
	}
	switch choice.Type {
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}
	default:
		return "auto"
	}
}

// openAIToAnthropic converts a unary chat-completions response.
func openAIToAnthropic(oai *oaiResponse) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:    oai.ID,
		Type:  "message",
		Role:  "assistant",
		Model: oai.Model,
	}
	if out.ID == "" {
		out.ID = "msg_" + randomID()
	}

	if len(oai.Choices) > 0 {
		choice := oai.Choices[0]
		if choice.Message != nil {
			if choice.Message.ReasoningContent != "" {
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type:     anthropic.BlockThinking,
					Thinking: choice.Message.ReasoningContent,
				})
			}
			if text, ok := choice.Message.Content.(string); ok && text != "" {
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type: anthropic.BlockText,
					Text: text,
				})
			}
			for _, tc := range choice.Message.ToolCalls {
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type:  anthropic.BlockToolUse,
					ID:    claudeToolID(tc.ID),
					Name:  tc.Function.Name,
					Input: parseToolArguments(tc.Function.Arguments),
				})
			}
		}
		if choice.FinishReason != nil {
			out.StopReason = mapFinishReason(*choice.FinishReason)
		}
	}
	if len(out.Content) == 0 {
		out.Content = []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: ""}}
	}

	if oai.Usage != nil {
		out.Usage = &anthropic.Usage{
			InputTokens:  oai.Usage.PromptTokens,
			OutputTokens: oai.Usage.CompletionTokens,
		}
	}
	return out
}

func parseToolArguments(arguments string) map[string]any {
	if arguments == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return map[string]any{}
	}
	return input
}

// claudeToolID rewrites OpenAI call_ ids into the toolu_ namespace.
func claudeToolID(id string) string {
	if strings.HasPrefix(id, "call_") {
		return "toolu_" + strings.TrimPrefix(id, "call_")
	}
	if id == "" {
		return "toolu_" + randomID()
	}
	return id
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return "end_turn"
	}
}
