package config

import (
	"fmt"
	"strings"
)

// Validate checks structural invariants: unique provider names, required
// fields, and that every router slot references an enabled provider that
// lists the referenced model.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[key] = true
		if p.APIBaseURL == "" {
			return fmt.Errorf("provider %q: api_base_url is required", p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: at least one model is required", p.Name)
		}
	}

	if c.Router.Default == "" {
		return fmt.Errorf("Router.default is required")
	}

	slots := map[string]string{
		"default":     c.Router.Default,
		"background":  c.Router.Background,
		"think":       c.Router.Think,
		"longContext": c.Router.LongContext,
		"webSearch":   c.Router.WebSearch,
		"toolUse":     c.Router.ToolUse,
		"image":       c.Router.Image,
		"fallback":    c.Router.Fallback,
	}
	for slot, pair := range slots {
		if pair == "" {
			continue
		}
		if _, ok := c.ResolvePair(pair); !ok {
			return fmt.Errorf("Router.%s: %q does not resolve to an enabled provider and model", slot, pair)
		}
	}

	return nil
}
