package transformer

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/musistudio/claude-code-router/pkg/config"
)

// Registry maps transformer names to factories, plus an endpoint-suffix
// index for transformers that claim one. It is read-mostly: populated at
// startup and swapped whole on config reload.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	endpoints map[string]string
}

// NewRegistry returns a registry with all built-ins loaded.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		endpoints: make(map[string]string),
	}
	registerBuiltins(r)
	return r
}

// Register adds a factory under a name. An instance is built once to probe
// for an endpoint declaration.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("transformer name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("transformer %q already registered", name)
	}
	r.factories[name] = factory

	if probe, err := factory(nil); err == nil {
		if et, ok := probe.(EndpointTransformer); ok && et.Endpoint() != "" {
			r.endpoints[et.Endpoint()] = name
		}
	}
	return nil
}

// Build instantiates a transformer by name with the given options.
func (r *Registry) Build(name string, options map[string]any) (Transformer, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transformer %q", name)
	}
	return factory(options)
}

// Names lists registered transformer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EndpointOf returns the endpoint suffix a transformer claimed, if any.
func (r *Registry) EndpointOf(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for suffix, owner := range r.endpoints {
		if owner == name {
			return suffix
		}
	}
	return ""
}

// ByEndpoint resolves a transformer name from a URL path suffix.
func (r *Registry) ByEndpoint(urlPath string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for suffix, name := range r.endpoints {
		if strings.HasSuffix(urlPath, suffix) {
			return name, true
		}
	}
	return "", false
}

// ValidateCustomPath applies the secure-path policy for user transformer
// modules: the resolved path must stay inside root after normalization and
// must not climb out with "..".
func ValidateCustomPath(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("custom transformer root is not configured")
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(root, cleaned)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("custom transformer path %q escapes root %q", path, root)
	}
	// Symlinks are resolved so a link cannot smuggle the target outside.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("custom transformer path %q: %w", path, err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", err
	}
	rel, err = filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("custom transformer path %q resolves outside root %q", path, root)
	}
	return resolved, nil
}

// LoadCustom registers the user transformer modules declared in config.
// Each runs out of process through the plugin host. Load failures are
// returned but callers typically log and continue with built-ins only.
func (r *Registry) LoadCustom(root string, declared []config.CustomTransformer) error {
	var errs []string
	for _, decl := range declared {
		path, err := ValidateCustomPath(root, decl.Path)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		name := decl.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		declOptions := decl.Options
		err = r.Register(name, func(options map[string]any) (Transformer, error) {
			merged := make(map[string]any, len(declOptions)+len(options))
			for k, v := range declOptions {
				merged[k] = v
			}
			for k, v := range options {
				merged[k] = v
			}
			return NewPluginTransformer(name, path, merged)
		})
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("custom transformer load: %s", strings.Join(errs, "; "))
	}
	return nil
}
