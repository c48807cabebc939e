// Package config defines the proxy configuration model and its loader.
// Snapshots are immutable: a reload builds a fresh *Config and swaps it whole.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Default values applied by SetDefaults.
const (
	DefaultPort                 = 3456
	DefaultHost                 = "127.0.0.1"
	DefaultAPITimeoutMS         = 600_000
	DefaultLongContextThreshold = 60_000
)

// Config is the root configuration document. Field tags follow the
// historical config.json key casing, which is part of the on-disk contract.
type Config struct {
	Log              bool     `json:"LOG"`
	LogLevel         string   `json:"LOG_LEVEL"`
	LogFormat        string   `json:"LOG_FORMAT"`
	Host             string   `json:"HOST"`
	Port             int      `json:"PORT"`
	APIKey           string   `json:"APIKEY"`
	APITimeoutMS     int      `json:"API_TIMEOUT_MS"`
	ProxyURL         string   `json:"PROXY_URL"`
	CustomRouterPath string   `json:"CUSTOM_ROUTER_PATH"`
	AllowedOrigins   []string `json:"ALLOWED_ORIGINS"`

	Transformers []CustomTransformer `json:"transformers"`
	Providers    []Provider          `json:"Providers"`
	Router       RouterConfig        `json:"Router"`
}

// Provider describes one upstream LLM service.
type Provider struct {
	Name        string          `json:"name"`
	APIBaseURL  string          `json:"api_base_url"`
	APIKey      string          `json:"api_key"`
	Models      []string        `json:"models"`
	Disabled    bool            `json:"disabled,omitempty"`
	AutoApprove []string        `json:"autoApprove,omitempty"`
	Transformer TransformerSpec `json:"transformer,omitzero"`
}

// OAuthManaged is the api_key sentinel for providers whose credentials live
// in an external keystore rather than in the config file.
const OAuthManaged = "oauth-managed"

// HasModel reports whether the provider lists the model (case-insensitive)
// and returns the canonical casing.
func (p *Provider) HasModel(model string) (string, bool) {
	for _, m := range p.Models {
		if strings.EqualFold(m, model) {
			return m, true
		}
	}
	return "", false
}

// AutoApproves reports whether the provider auto-approves the named tool.
func (p *Provider) AutoApproves(tool string) bool {
	for _, t := range p.AutoApprove {
		if t == tool {
			return true
		}
	}
	return false
}

// RouterConfig maps routing roles to "provider,model" values.
type RouterConfig struct {
	Default              string `json:"default"`
	Background           string `json:"background,omitempty"`
	Think                string `json:"think,omitempty"`
	LongContext          string `json:"longContext,omitempty"`
	LongContextThreshold int    `json:"longContextThreshold,omitempty"`
	WebSearch            string `json:"webSearch,omitempty"`
	ToolUse              string `json:"toolUse,omitempty"`
	Image                string `json:"image,omitempty"`
	Fallback             string `json:"fallback,omitempty"`

	// ToolUseFirst gives the toolUse slot precedence over think when a
	// request qualifies for both.
	ToolUseFirst bool `json:"toolUseFirst,omitempty"`
}

// CustomTransformer declares a user transformer module loaded from disk.
type CustomTransformer struct {
	Name    string         `json:"name,omitempty"`
	Path    string         `json:"path"`
	Options map[string]any `json:"options,omitempty"`
}

// TransformerUse is one pipeline entry: a bare transformer name or a
// [name, options] pair.
type TransformerUse struct {
	Name    string
	Options map[string]any
}

func (u *TransformerUse) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &u.Name)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("transformer use entry must be a name or [name, options]: %w", err)
	}
	if len(arr) == 0 {
		return fmt.Errorf("transformer use entry is empty")
	}
	if err := json.Unmarshal(arr[0], &u.Name); err != nil {
		return fmt.Errorf("transformer use entry name: %w", err)
	}
	if len(arr) > 1 {
		if err := json.Unmarshal(arr[1], &u.Options); err != nil {
			return fmt.Errorf("transformer %q options: %w", u.Name, err)
		}
	}
	return nil
}

func (u TransformerUse) MarshalJSON() ([]byte, error) {
	if len(u.Options) == 0 {
		return json.Marshal(u.Name)
	}
	return json.Marshal([]any{u.Name, u.Options})
}

// TransformerSpec is a provider's transformer configuration: a default
// pipeline under "use" plus optional per-model pipelines keyed by model name.
type TransformerSpec struct {
	Use      []TransformerUse
	PerModel map[string][]TransformerUse
}

func (s *TransformerSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if key == "use" {
			if err := json.Unmarshal(val, &s.Use); err != nil {
				return fmt.Errorf("transformer use: %w", err)
			}
			continue
		}
		var sub struct {
			Use []TransformerUse `json:"use"`
		}
		if err := json.Unmarshal(val, &sub); err != nil {
			return fmt.Errorf("transformer %q: %w", key, err)
		}
		if s.PerModel == nil {
			s.PerModel = make(map[string][]TransformerUse)
		}
		s.PerModel[key] = sub.Use
	}
	return nil
}

func (s TransformerSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.PerModel)+1)
	if len(s.Use) > 0 {
		out["use"] = s.Use
	}
	for model, use := range s.PerModel {
		out[model] = map[string]any{"use": use}
	}
	return json.Marshal(out)
}

// IsZero lets omitzero drop an absent transformer spec.
func (s TransformerSpec) IsZero() bool {
	return len(s.Use) == 0 && len(s.PerModel) == 0
}

// PipelineFor returns the transformer pipeline for a model: the provider
// default list plus any model-specific additions, in declaration order.
func (s TransformerSpec) PipelineFor(model string) []TransformerUse {
	pipeline := make([]TransformerUse, 0, len(s.Use))
	pipeline = append(pipeline, s.Use...)
	if extra, ok := s.PerModel[model]; ok {
		pipeline = append(pipeline, extra...)
	}
	return pipeline
}

// Provider resolves a provider by name, case-insensitively. Disabled
// providers are not returned.
func (c *Config) Provider(name string) (*Provider, bool) {
	for i := range c.Providers {
		p := &c.Providers[i]
		if strings.EqualFold(p.Name, name) && !p.Disabled {
			return p, true
		}
	}
	return nil, false
}

// ResolvePair validates a "provider,model" pair against the configured
// providers and returns it in canonical casing.
func (c *Config) ResolvePair(pair string) (string, bool) {
	idx := strings.IndexByte(pair, ',')
	if idx <= 0 || idx == len(pair)-1 {
		return "", false
	}
	provider, ok := c.Provider(strings.TrimSpace(pair[:idx]))
	if !ok {
		return "", false
	}
	model, ok := provider.HasModel(strings.TrimSpace(pair[idx+1:]))
	if !ok {
		return "", false
	}
	return provider.Name + "," + model, true
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	// Without an API key the proxy must not listen beyond loopback.
	if c.APIKey == "" {
		c.Host = DefaultHost
	}
	if c.APITimeoutMS == 0 {
		c.APITimeoutMS = DefaultAPITimeoutMS
	}
	if c.Router.LongContextThreshold == 0 {
		c.Router.LongContextThreshold = DefaultLongContextThreshold
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{
			fmt.Sprintf("http://127.0.0.1:%d", c.Port),
			fmt.Sprintf("http://localhost:%d", c.Port),
		}
	}
}
