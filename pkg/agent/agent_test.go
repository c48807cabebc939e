package agent

import (
	"encoding/json"
	"testing"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

type fakeAgent struct {
	name   string
	handle bool
	tools  []Tool
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) ShouldHandle(*anthropic.MessagesRequest, *config.Provider) bool {
	return a.handle
}

func (a *fakeAgent) Tools() []Tool { return a.tools }

func weatherTool(handler Handler) Tool {
	return Tool{
		Name:        "weather",
		Description: "current weather for a city",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		Handler:     handler,
	}
}

func TestRegistryActivate(t *testing.T) {
	reg := NewRegistry()
	active := &fakeAgent{name: "on", handle: true, tools: []Tool{weatherTool(nil)}}
	inactive := &fakeAgent{name: "off", tools: []Tool{{Name: "unused"}}}
	if err := reg.Register(active); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(inactive); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAgent{name: "on"}); err == nil {
		t.Error("duplicate agent accepted")
	}

	set := reg.Activate(&anthropic.MessagesRequest{}, nil)
	if set.Empty() {
		t.Fatal("active agent not activated")
	}
	if _, ok := set.Owns("weather"); !ok {
		t.Error("weather tool not owned")
	}
	if _, ok := set.Owns("unused"); ok {
		t.Error("inactive agent's tool owned")
	}
	if names := set.Names(); len(names) != 1 || names[0] != "on" {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistryActivateByAutoApprove(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeAgent{name: "a", tools: []Tool{weatherTool(nil)}})

	provider := &config.Provider{Name: "p", AutoApprove: []string{"weather"}}
	set := reg.Activate(&anthropic.MessagesRequest{}, provider)
	if set.Empty() {
		t.Error("autoApprove did not activate the agent")
	}

	set = reg.Activate(&anthropic.MessagesRequest{}, &config.Provider{Name: "p"})
	if !set.Empty() {
		t.Error("agent active without predicate or autoApprove")
	}
}

func TestInjectTools(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeAgent{name: "a", handle: true, tools: []Tool{weatherTool(nil)}})
	set := reg.Activate(&anthropic.MessagesRequest{}, nil)

	req := &anthropic.MessagesRequest{}
	set.InjectTools(req)
	if len(req.Tools) != 1 || req.Tools[0].Name != "weather" {
		t.Fatalf("tools = %+v", req.Tools)
	}

	// a client-declared tool of the same name is not duplicated
	req = &anthropic.MessagesRequest{
		Tools: []anthropic.Tool{{Name: "weather", InputSchema: json.RawMessage(`{}`)}},
	}
	set.InjectTools(req)
	if len(req.Tools) != 1 {
		t.Errorf("client tool duplicated: %+v", req.Tools)
	}
}

func TestActiveSetEmptyIsSafe(t *testing.T) {
	var set *ActiveSet
	if !set.Empty() {
		t.Error("nil set not empty")
	}
	if _, ok := set.Owns("x"); ok {
		t.Error("nil set owns a tool")
	}
	set.InjectTools(&anthropic.MessagesRequest{})
}
