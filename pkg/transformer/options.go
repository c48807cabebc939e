package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// decodeOptions maps a config options map onto a typed options struct.
func decodeOptions(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("invalid transformer options: %w", err)
	}
	return nil
}

// maxTokenOptions caps the request's max_tokens.
type maxTokenOptions struct {
	MaxTokens int `json:"max_tokens"`
}

type maxTokenTransformer struct {
	opts maxTokenOptions
}

func newMaxToken(options map[string]any) (Transformer, error) {
	t := &maxTokenTransformer{}
	if err := decodeOptions(options, &t.opts); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *maxTokenTransformer) Name() string { return NameMaxToken }

func (t *maxTokenTransformer) TransformRequest(_ context.Context, req *Request, _ *config.Provider) error {
	if t.opts.MaxTokens <= 0 {
		return nil
	}
	var body anthropic.MessagesRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return err
	}
	if body.MaxTokens == 0 || body.MaxTokens > t.opts.MaxTokens {
		body.MaxTokens = t.opts.MaxTokens
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = data
	}
	return nil
}

func (t *maxTokenTransformer) TransformResponse(context.Context, *Response) error { return nil }

// cleanCacheTransformer strips cache_control markers, which gateways that
// do not implement prompt caching reject.
type cleanCacheTransformer struct{}

func newCleanCache(_ map[string]any) (Transformer, error) {
	return &cleanCacheTransformer{}, nil
}

func (t *cleanCacheTransformer) Name() string { return NameCleanCache }

func (t *cleanCacheTransformer) TransformRequest(_ context.Context, req *Request, _ *config.Provider) error {
	if !bytes.Contains(req.Body, []byte("cache_control")) {
		return nil
	}
	var body anthropic.MessagesRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return err
	}
	for i := range body.Messages {
		for j := range body.Messages[i].Content.Blocks {
			body.Messages[i].Content.Blocks[j].CacheControl = nil
		}
	}
	for i := range body.System.Blocks {
		body.System.Blocks[i].CacheControl = nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req.Body = data
	return nil
}

func (t *cleanCacheTransformer) TransformResponse(context.Context, *Response) error { return nil }

// toolUseOptions configures the tooluse transformer.
type toolUseOptions struct {
	// Mode is passed as the tool_choice type; defaults to "auto".
	Mode string `json:"mode"`
	// Route marks the provider as a tool-following route for the router's
	// tooluse-router hint.
	Route string `json:"tooluse-router"`
}

// toolUseTransformer injects tool_choice when tools are present so weaker
// models reliably call them, and removes a dangling tool_choice otherwise.
type toolUseTransformer struct {
	opts toolUseOptions
}

func newToolUse(options map[string]any) (Transformer, error) {
	t := &toolUseTransformer{}
	if err := decodeOptions(options, &t.opts); err != nil {
		return nil, err
	}
	if t.opts.Mode == "" {
		t.opts.Mode = "auto"
	}
	return t, nil
}

func (t *toolUseTransformer) Name() string { return NameToolUse }

func (t *toolUseTransformer) TransformRequest(_ context.Context, req *Request, _ *config.Provider) error {
	var body anthropic.MessagesRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return err
	}
	if len(body.Tools) == 0 {
		if body.ToolChoice == nil {
			return nil
		}
		body.ToolChoice = nil
	} else if body.ToolChoice == nil {
		choice, _ := json.Marshal(map[string]string{"type": t.opts.Mode})
		body.ToolChoice = choice
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req.Body = data
	return nil
}

func (t *toolUseTransformer) TransformResponse(context.Context, *Response) error { return nil }

// reasoningOptions configures the reasoning transformer.
type reasoningOptions struct {
	// Effort is the provider-side reasoning effort; defaults to "medium".
	Effort string `json:"effort"`
	// BudgetTokens caps the thinking budget when the dialect supports one.
	BudgetTokens int `json:"budget_tokens"`
}

// reasoningTransformer maps the Anthropic thinking field onto the
// reasoning_effort dialect used by OpenAI-compatible upstreams.
type reasoningTransformer struct {
	opts reasoningOptions
}

func newReasoning(options map[string]any) (Transformer, error) {
	t := &reasoningTransformer{}
	if err := decodeOptions(options, &t.opts); err != nil {
		return nil, err
	}
	if t.opts.Effort == "" {
		t.opts.Effort = "medium"
	}
	return t, nil
}

func (t *reasoningTransformer) Name() string { return NameReasoning }

func (t *reasoningTransformer) TransformRequest(_ context.Context, req *Request, _ *config.Provider) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return err
	}
	thinking, ok := body["thinking"]
	if !ok || string(thinking) == "null" || string(thinking) == "false" {
		return nil
	}
	delete(body, "thinking")
	effort, _ := json.Marshal(t.opts.Effort)
	body["reasoning_effort"] = effort
	if t.opts.BudgetTokens > 0 {
		budget, _ := json.Marshal(map[string]int{"max_tokens": t.opts.BudgetTokens})
		body["reasoning"] = budget
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req.Body = data
	return nil
}

func (t *reasoningTransformer) TransformResponse(context.Context, *Response) error { return nil }
