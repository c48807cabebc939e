package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load reads, expands, parses, defaults, and validates a config file.
// JSON and YAML are supported, selected by extension.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw, path)
}

// Parse builds a validated Config from raw file bytes. The path is used only
// to pick the parser and for error messages.
func Parse(raw []byte, path string) (*Config, error) {
	expanded := []byte(expandEnvVars(string(raw)))

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = koanfyaml.Parser()
	default:
		parser = koanfjson.Parser()
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(expanded), parser); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Round-trip through JSON so polymorphic fields (transformer specs,
	// string-or-array pipelines) decode through their UnmarshalJSON hooks,
	// which koanf's struct mapper would bypass.
	merged, err := json.Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies the environment variables the proxy honors over
// file values. Invalid values fall back to the configured ones.
func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SERVICE_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port < 65536 {
			cfg.Port = port
		} else {
			slog.Warn("ignoring invalid SERVICE_PORT", "value", raw)
		}
	}
	if raw := os.Getenv("APIKEY"); raw != "" {
		cfg.APIKey = raw
	}
	if raw := os.Getenv("API_TIMEOUT_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.APITimeoutMS = ms
		}
	}
	if raw := os.Getenv("CUSTOM_ROUTER_PATH"); raw != "" {
		cfg.CustomRouterPath = raw
	}
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
}
