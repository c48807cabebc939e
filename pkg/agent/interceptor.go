package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/logger"
	"github.com/musistudio/claude-code-router/pkg/sse"
)

type interceptState int

const (
	stateIdle interceptState = iota
	stateCapturing
)

// Interceptor screens a response stream for tool calls owned by the active
// agents. Owned calls never reach the client: their input is assembled from
// the deltas, the tool runs locally, and once the upstream turn ends the
// conversation is continued through the proxy with the results spliced into
// the client-visible stream.
type Interceptor struct {
	active *ActiveSet
	out    *sse.Writer
	tc     *ToolContext
	// base is the outgoing request with the client's original model value,
	// so a continuation re-routes from scratch.
	base *anthropic.MessagesRequest
	log  *slog.Logger

	// onTool, when set, observes every tool execution.
	onTool func(ctx context.Context, tool string, duration time.Duration, err error)

	state     interceptState
	acc       *sse.InputAccumulator
	toolIndex int
	toolID    string
	toolName  string

	assistantBlocks []anthropic.ContentBlock
	toolResults     []anthropic.ContentBlock
}

// NewInterceptor wires an interceptor for one request.
func NewInterceptor(active *ActiveSet, out *sse.Writer, tc *ToolContext, base *anthropic.MessagesRequest) *Interceptor {
	return &Interceptor{
		active: active,
		out:    out,
		tc:     tc,
		base:   base,
		log:    logger.Component("agent"),
		acc:    sse.NewInputAccumulator(),
	}
}

// OnTool registers an observer for tool executions.
func (i *Interceptor) OnTool(fn func(ctx context.Context, tool string, duration time.Duration, err error)) {
	i.onTool = fn
}

// Run drains the upstream stream through the state machine until EOF,
// stream error, or context cancellation.
func (i *Interceptor) Run(ctx context.Context, stream io.Reader) error {
	parser := sse.NewParser(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, err := parser.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := i.handle(ctx, event); err != nil {
			return err
		}
	}
}

func (i *Interceptor) handle(ctx context.Context, event *sse.Event) error {
	switch i.state {
	case stateCapturing:
		return i.handleCapturing(ctx, event)
	default:
		return i.handleIdle(ctx, event)
	}
}

func (i *Interceptor) handleIdle(ctx context.Context, event *sse.Event) error {
	payload := event.Payload

	if payload != nil && payload.Type == anthropic.EventContentBlockStart &&
		payload.ContentBlock != nil && payload.ContentBlock.Type == anthropic.BlockToolUse {
		if _, owned := i.active.Owns(payload.ContentBlock.Name); owned {
			i.state = stateCapturing
			i.toolIndex = payload.Index
			i.toolID = payload.ContentBlock.ID
			i.toolName = payload.ContentBlock.Name
			i.log.Debug("capturing tool call", "tool", i.toolName, "id", i.toolID)
			return nil
		}
	}

	if payload != nil && payload.Type == anthropic.EventMessageDelta && len(i.toolResults) > 0 {
		if err := i.out.Forward(event); err != nil {
			return err
		}
		i.splice(ctx)
		return nil
	}

	return i.out.Forward(event)
}

func (i *Interceptor) handleCapturing(ctx context.Context, event *sse.Event) error {
	payload := event.Payload
	if payload == nil {
		return i.out.Forward(event)
	}

	switch {
	case payload.Type == anthropic.EventContentBlockDelta && payload.Index == i.toolIndex &&
		payload.Delta != nil && payload.Delta.Type == anthropic.DeltaInputJSON:
		i.acc.Append(i.toolIndex, payload.Delta.PartialJSON)
		return nil

	case payload.Type == anthropic.EventContentBlockStop && payload.Index == i.toolIndex:
		i.finishCapture(ctx)
		return nil
	}

	return i.out.Forward(event)
}

// finishCapture parses the assembled input, runs the tool, and queues the
// tool_use / tool_result pair for the continuation.
func (i *Interceptor) finishCapture(ctx context.Context) {
	args, raw, err := i.acc.Finalize(i.toolIndex)
	if err != nil {
		i.log.Warn("tool input did not parse, passing raw text",
			"tool", i.toolName, "error", err)
		args = map[string]any{"_raw": raw}
	}

	i.assistantBlocks = append(i.assistantBlocks, anthropic.ContentBlock{
		Type:  anthropic.BlockToolUse,
		ID:    i.toolID,
		Name:  i.toolName,
		Input: args,
	})

	result, isErr := i.execute(ctx, args)
	i.toolResults = append(i.toolResults, anthropic.ToolResultText(i.toolID, result, isErr))

	i.state = stateIdle
	i.toolID = ""
	i.toolName = ""
}

func (i *Interceptor) execute(ctx context.Context, args map[string]any) (string, bool) {
	tool, ok := i.active.Owns(i.toolName)
	if !ok {
		return "unknown tool " + i.toolName, true
	}
	start := time.Now()
	result, err := tool.Handler(ctx, args, i.tc)
	if i.onTool != nil {
		i.onTool(ctx, i.toolName, time.Since(start), err)
	}
	if err != nil {
		i.log.Warn("tool failed", "tool", i.toolName, "error", err)
		return err.Error(), true
	}
	return result, false
}

// splice issues the continuation request through the proxy and forwards its
// events, minus message_start and message_stop, into the outer stream. Any
// failure leaves the outer stream to finish on its own.
func (i *Interceptor) splice(ctx context.Context) {
	cont := *i.base
	cont.Messages = make([]anthropic.Message, 0, len(i.base.Messages)+2)
	cont.Messages = append(cont.Messages, i.base.Messages...)
	cont.Messages = append(cont.Messages,
		anthropic.Message{Role: "assistant", Content: anthropic.BlocksContent(i.assistantBlocks...)},
		anthropic.Message{Role: "user", Content: anthropic.BlocksContent(i.toolResults...)},
	)
	cont.Stream = true

	i.assistantBlocks = nil
	i.toolResults = nil

	body, err := json.Marshal(cont)
	if err != nil {
		i.log.Error("continuation encode failed", "error", err)
		return
	}
	resp, err := i.tc.Loopback.Messages(ctx, body)
	if err != nil {
		i.log.Error("continuation request failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		i.log.Error("continuation rejected", "status", resp.StatusCode)
		return
	}

	parser := sse.NewParser(resp.Body)
	for {
		if ctx.Err() != nil {
			return
		}
		event, err := parser.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			i.log.Warn("continuation stream ended early", "error", err)
			return
		}
		switch event.Type() {
		case anthropic.EventMessageStart, anthropic.EventMessageStop:
			continue
		}
		if err := i.out.Forward(event); err != nil {
			return
		}
	}
}
