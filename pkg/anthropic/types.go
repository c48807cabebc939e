// Package anthropic defines the Anthropic /v1/messages wire types the proxy
// speaks on its client-facing edge. Unknown body fields are preserved so the
// proxy can forward them untouched.
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Content block types.
const (
	BlockText             = "text"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockImage            = "image"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// MessagesRequest is the request body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitzero"`
	Tools         []Tool          `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`

	// Extra holds fields the proxy does not model, forwarded verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownRequestFields = map[string]bool{
	"model": true, "messages": true, "system": true, "tools": true,
	"max_tokens": true, "temperature": true, "top_p": true, "top_k": true,
	"stream": true, "stop_sequences": true, "thinking": true,
	"tool_choice": true, "metadata": true,
}

func (r *MessagesRequest) UnmarshalJSON(data []byte) error {
	type alias MessagesRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if !knownRequestFields[k] {
			if a.Extra == nil {
				a.Extra = make(map[string]json.RawMessage)
			}
			a.Extra[k] = raw[k]
		}
	}

	*r = MessagesRequest(a)
	return nil
}

func (r MessagesRequest) MarshalJSON() ([]byte, error) {
	type alias MessagesRequest
	data, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ThinkingEnabled reports whether the request carries a truthy thinking field.
func (r *MessagesRequest) ThinkingEnabled() bool {
	t := bytes.TrimSpace(r.Thinking)
	if len(t) == 0 {
		return false
	}
	switch string(t) {
	case "null", "false", `""`, "0":
		return false
	}
	return true
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a bare string or a list of content blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	// IsText distinguishes an empty string body from an empty block list.
	IsText bool
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		c.IsText = true
		return json.Unmarshal(data, &c.Text)
	}
	c.IsText = false
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// TextContent returns a string rendering of the content for token counting.
func (c MessageContent) TextContent() string {
	if c.IsText {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		out += b.Text
	}
	return out
}

// BlockContent returns the content as blocks, wrapping a bare string.
func (c MessageContent) BlockContent() []ContentBlock {
	if c.IsText {
		return []ContentBlock{{Type: BlockText, Text: c.Text}}
	}
	return c.Blocks
}

// TextContent builds a string message content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text, IsText: true}
}

// BlocksContent builds a block-list message content.
func BlocksContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// ContentBlock is one element of a block-list message content. The Type field
// selects which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ToolResultText builds a tool_result block with plain-text content.
func ToolResultText(toolUseID, text string, isErr bool) ContentBlock {
	content, _ := json.Marshal(text)
	return ContentBlock{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isErr,
	}
}

// SystemPrompt is either a bare string or a list of text blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
	// set reports whether the field was present at all
	set bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.set = true
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}
	s.IsText = false
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// IsZero lets omitempty drop an absent system prompt.
func (s SystemPrompt) IsZero() bool {
	return !s.set && !s.IsText && len(s.Blocks) == 0 && s.Text == ""
}

// Present reports whether the request carried a system field.
func (s SystemPrompt) Present() bool {
	return s.set || s.IsText || len(s.Blocks) > 0 || s.Text != ""
}

// SystemText builds a string system prompt.
func SystemText(text string) SystemPrompt {
	return SystemPrompt{Text: text, IsText: true, set: true}
}

// SystemBlocks builds a block-list system prompt.
func SystemBlocks(blocks ...ContentBlock) SystemPrompt {
	return SystemPrompt{Blocks: blocks, set: true}
}

// Tool is an Anthropic tool definition. Server tools (web_search etc.) carry
// a Type; client tools carry an InputSchema.
type Tool struct {
	Name        string          `json:"name"`
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     int             `json:"max_uses,omitempty"`
}

// Usage holds the token counters surfaced by upstreams.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// MessagesResponse is the unary response body of POST /v1/messages.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// ErrorResponse is the unary error body.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error record.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// NewErrorResponse builds the client-visible unary error shape.
func NewErrorResponse(errType, message string, code any) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message, Code: code},
	}
}

// ParseModelPair splits a "provider,model" routing value. The second return
// is false when the string is not a pair.
func ParseModelPair(s string) (provider, model string, ok bool) {
	idx := bytes.IndexByte([]byte(s), ',')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// ModelPair joins provider and model into the routing form.
func ModelPair(provider, model string) string {
	return fmt.Sprintf("%s,%s", provider, model)
}
