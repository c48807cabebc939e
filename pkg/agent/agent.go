// Package agent implements local tool agents: bundles of tools injected into
// outgoing requests whose calls are intercepted from the response stream,
// executed in-process, and folded back into a continuation request.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// Handler executes one tool call. The returned string becomes the
// tool_result content; an error becomes an is_error tool_result.
type Handler func(ctx context.Context, args map[string]any, tc *ToolContext) (string, error)

// Tool is one locally executed tool an agent contributes.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Definition renders the tool as an Anthropic tool declaration.
func (t Tool) Definition() anthropic.Tool {
	return anthropic.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// ToolContext is the per-request environment handed to tool handlers.
type ToolContext struct {
	Request  *anthropic.MessagesRequest
	Config   *config.Config
	Loopback *Loopback
}

// Agent is a registered bundle of tools. ShouldHandle decides per request
// whether the bundle's tools are injected and intercepted.
type Agent interface {
	Name() string
	ShouldHandle(req *anthropic.MessagesRequest, provider *config.Provider) bool
	Tools() []Tool
}

// Registry holds the process-wide agent set.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Duplicate names are rejected.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("agent %q already registered", a.Name())
	}
	r.agents[a.Name()] = a
	r.order = append(r.order, a.Name())
	return nil
}

// Names lists registered agents in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Activate evaluates every agent against the request and routed provider.
// An agent joins the active set when its predicate fires, or when the
// provider's autoApprove list names one of its tools.
func (r *Registry) Activate(req *anthropic.MessagesRequest, provider *config.Provider) *ActiveSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := &ActiveSet{tools: make(map[string]Tool)}
	for _, name := range r.order {
		a := r.agents[name]
		if !a.ShouldHandle(req, provider) && !autoApproved(a, provider) {
			continue
		}
		set.names = append(set.names, name)
		for _, tool := range a.Tools() {
			set.tools[tool.Name] = tool
		}
	}
	return set
}

func autoApproved(a Agent, provider *config.Provider) bool {
	if provider == nil {
		return false
	}
	for _, tool := range a.Tools() {
		if provider.AutoApproves(tool.Name) {
			return true
		}
	}
	return false
}

// ActiveSet is the per-request view of the agents whose tools are live.
type ActiveSet struct {
	names []string
	tools map[string]Tool
}

// Empty reports whether no agent activated.
func (s *ActiveSet) Empty() bool {
	return s == nil || len(s.tools) == 0
}

// Names lists the active agents.
func (s *ActiveSet) Names() []string {
	if s == nil {
		return nil
	}
	return s.names
}

// Owns returns the tool behind a name when an active agent contributes it.
func (s *ActiveSet) Owns(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	tool, ok := s.tools[name]
	return tool, ok
}

// InjectTools appends the active tools' declarations to the outgoing
// request, skipping names the client already declared.
func (s *ActiveSet) InjectTools(req *anthropic.MessagesRequest) {
	if s.Empty() {
		return
	}
	declared := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		declared[t.Name] = true
	}

	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		if !declared[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		req.Tools = append(req.Tools, s.tools[name].Definition())
	}
}
