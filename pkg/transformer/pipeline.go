package transformer

import (
	"context"
	"fmt"

	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// Pipeline is an ordered transformer chain for one provider+model. Requests
// run through it front to back, responses back to front.
type Pipeline struct {
	transformers []Transformer
	provider     *config.Provider
}

// Resolve builds the pipeline for a provider and model from its configured
// use lists. An empty configuration yields the identity pipeline seeded with
// the anthropic edge transformer, which signs and addresses the request.
func Resolve(registry *Registry, provider *config.Provider, model string) (*Pipeline, error) {
	uses := provider.Transformer.PipelineFor(model)

	p := &Pipeline{provider: provider}

	// The edge transformer is always first unless the config chain starts
	// with a dialect that replaces it.
	needsEdge := true
	for _, use := range uses {
		if replacesEdge(use.Name) {
			needsEdge = false
			break
		}
	}
	if needsEdge {
		edge, err := registry.Build(NameAnthropic, nil)
		if err != nil {
			return nil, err
		}
		p.transformers = append(p.transformers, edge)
	}

	for _, use := range uses {
		t, err := registry.Build(use.Name, use.Options)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", provider.Name, err)
		}
		p.transformers = append(p.transformers, t)
	}

	return p, nil
}

// replacesEdge reports whether a transformer speaks its own wire dialect and
// performs its own addressing and signing.
func replacesEdge(name string) bool {
	switch name {
	case NameOpenAI, NameOpenRouter, NameDeepSeek, NameGemini:
		return true
	}
	return false
}

// Names returns the chain's transformer names in request order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.transformers))
	for i, t := range p.transformers {
		names[i] = t.Name()
	}
	return names
}

// ApplyRequest runs the chain over the outbound request in order.
func (p *Pipeline) ApplyRequest(ctx context.Context, req *Request) error {
	for _, t := range p.transformers {
		if err := t.TransformRequest(ctx, req, p.provider); err != nil {
			return transformError(t.Name(), "in", p.provider.Name, err)
		}
	}
	return nil
}

// ApplyResponse runs the chain over the reply in reverse order.
func (p *Pipeline) ApplyResponse(ctx context.Context, resp *Response) error {
	for i := len(p.transformers) - 1; i >= 0; i-- {
		t := p.transformers[i]
		if err := t.TransformResponse(ctx, resp); err != nil {
			return transformError(t.Name(), "out", p.provider.Name, err)
		}
	}
	return nil
}

func transformError(name, direction, provider string, err error) error {
	// Upstream taxonomy errors pass through unchanged so a transformer
	// cannot mask an auth failure as a transform failure.
	if apiErr := apierror.AsError(err); apiErr.Kind != apierror.KindUnknown {
		return err
	}
	return apierror.Wrap(apierror.KindTransform, err,
		fmt.Sprintf("transformer %s (%s) failed", name, direction)).
		WithProvider(provider, "")
}
