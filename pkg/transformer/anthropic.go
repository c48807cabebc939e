package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
)

// anthropicTransformer is the edge of every pipeline that targets an
// Anthropic-native upstream: it addresses the request and signs it with the
// provider credential. Both directions are otherwise identity, and the
// transformer declares itself symmetric.
type anthropicTransformer struct{}

func newAnthropic(_ map[string]any) (Transformer, error) {
	return &anthropicTransformer{}, nil
}

func (t *anthropicTransformer) Name() string { return NameAnthropic }

func (t *anthropicTransformer) Endpoint() string { return "/v1/messages" }

func (t *anthropicTransformer) TransformRequest(_ context.Context, req *Request, provider *config.Provider) error {
	if req.URL == "" {
		req.URL = provider.APIBaseURL
	}
	req.Body = stripRoutedModel(req.Body)
	if req.Headers == nil {
		req.Headers = make(map[string][]string)
	}
	req.Headers.Set("anthropic-version", "2023-06-01")

	key, err := resolveCredential(provider)
	if err != nil {
		return err
	}
	if strings.HasPrefix(key, "Bearer ") {
		req.Headers.Set("Authorization", key)
	} else if key != "" {
		req.Headers.Set("x-api-key", key)
	}
	return nil
}

func (t *anthropicTransformer) TransformResponse(context.Context, *Response) error {
	return nil
}

// stripRoutedModel rewrites a routed "provider,model" body model to the
// bare model name the upstream expects.
func stripRoutedModel(body []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	var model string
	if err := json.Unmarshal(fields["model"], &model); err != nil {
		return body
	}
	_, bare, ok := anthropic.ParseModelPair(model)
	if !ok {
		return body
	}
	raw, _ := json.Marshal(bare)
	fields["model"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}

// resolveCredential returns the provider API key, resolving the
// oauth-managed sentinel through the external keystore's environment
// hand-off. A refreshed token always wins over a stale one.
func resolveCredential(provider *config.Provider) (string, error) {
	if provider.APIKey != config.OAuthManaged {
		return provider.APIKey, nil
	}
	envKey := fmt.Sprintf("CCR_OAUTH_TOKEN_%s", strings.ToUpper(strings.ReplaceAll(provider.Name, "-", "_")))
	if token := os.Getenv(envKey); token != "" {
		return "Bearer " + token, nil
	}
	if token := os.Getenv("CCR_OAUTH_TOKEN"); token != "" {
		return "Bearer " + token, nil
	}
	return "", fmt.Errorf("provider %s uses oauth-managed credentials but no token is available", provider.Name)
}
