package transformer

import (
	"encoding/json"

	"github.com/musistudio/claude-code-router/pkg/config"
)

// openRouterOptions configures provider routing and reasoning passthrough.
type openRouterOptions struct {
	// Provider is forwarded verbatim as OpenRouter's provider routing
	// preference object.
	Provider map[string]any `json:"provider"`
	// Reasoning is forwarded verbatim as the reasoning configuration.
	Reasoning map[string]any `json:"reasoning"`
}

// newOpenRouter builds the OpenRouter dialect: OpenAI-compatible bodies plus
// routing preferences.
func newOpenRouter(options map[string]any) (Transformer, error) {
	var opts openRouterOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, err
	}

	hook := func(req *oaiRequest, _ *config.Provider) {
		if len(opts.Provider) > 0 {
			if data, err := json.Marshal(opts.Provider); err == nil {
				req.Provider = data
			}
		}
		if len(opts.Reasoning) > 0 {
			if data, err := json.Marshal(opts.Reasoning); err == nil {
				req.Reasoning = data
			}
		}
	}

	return &openAITransformer{name: NameOpenRouter, requestHook: hook}, nil
}

// deepSeekMaxTokens is the hard output cap of the DeepSeek API.
const deepSeekMaxTokens = 8192

// newDeepSeek builds the DeepSeek dialect: OpenAI-compatible bodies with the
// output cap enforced. reasoning_content in replies maps to thinking blocks
// through the shared conversion.
func newDeepSeek(_ map[string]any) (Transformer, error) {
	hook := func(req *oaiRequest, _ *config.Provider) {
		if req.MaxTokens == 0 || req.MaxTokens > deepSeekMaxTokens {
			req.MaxTokens = deepSeekMaxTokens
		}
	}
	return &openAITransformer{name: NameDeepSeek, requestHook: hook}, nil
}
