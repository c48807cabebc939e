// Package router selects the upstream (provider, model) pair for each
// incoming request from content signals: explicit pairs, inline directives,
// token footprint, thinking mode, and tool usage.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/config"
	"github.com/musistudio/claude-code-router/pkg/logger"
	"github.com/musistudio/claude-code-router/pkg/tokenizer"
	"github.com/musistudio/claude-code-router/pkg/upstream"
)

// Routing reasons, surfaced in logs and metrics.
const (
	ReasonExplicit    = "explicit"
	ReasonCustom      = "custom"
	ReasonLongContext = "longContext"
	ReasonDirective   = "directive"
	ReasonBackground  = "background"
	ReasonThink       = "think"
	ReasonWebSearch   = "webSearch"
	ReasonToolUse     = "toolUse"
	ReasonDefault     = "default"
	ReasonFallback    = "fallback"
)

const backgroundModelPrefix = "claude-3-5-haiku"

var directivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`<CCR-SUBAGENT-MODEL>(.*?)</CCR-SUBAGENT-MODEL>`),
	regexp.MustCompile(`<CCR-TOOLUSE-ROUTER>(.*?)</CCR-TOOLUSE-ROUTER>`),
}

// Decision is the routing outcome. Pair is the canonical "provider,model"
// string written back into the request body.
type Decision struct {
	Provider *config.Provider
	Model    string
	Pair     string
	Reason   string
	Tokens   int
}

// Router evaluates the slot rules against each request.
type Router struct {
	counter  *tokenizer.Counter
	breakers *upstream.BreakerSet
	custom   *customRouter
	log      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCustomRouter loads the external router module at path.
func WithCustomRouter(path string) Option {
	return func(r *Router) {
		if path != "" {
			r.custom = newCustomRouter(path)
		}
	}
}

// New builds a Router over the shared token counter and breaker set.
func New(counter *tokenizer.Counter, breakers *upstream.BreakerSet, opts ...Option) *Router {
	r := &Router{
		counter:  counter,
		breakers: breakers,
		log:      logger.Component("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks the upstream pair and mutates req: body.model becomes the
// chosen pair and inline directives are stripped from the system content.
// Rule evaluation never fails the request; anything that goes wrong inside
// a rule falls through to the default slot. The only error Route returns is
// an open breaker with no usable fallback.
func (r *Router) Route(ctx context.Context, req *anthropic.MessagesRequest, cfg *config.Config) (Decision, error) {
	// Directives are stripped from the outgoing system content whether or
	// not they end up deciding the route.
	directive := extractDirective(req)

	pair, reason := r.pick(ctx, req, cfg, directive)

	canonical, ok := cfg.ResolvePair(pair)
	if !ok {
		r.log.Warn("routing slot points at unknown pair, using default",
			"pair", pair, "reason", reason)
		reason = ReasonDefault
		canonical, ok = cfg.ResolvePair(cfg.Router.Default)
		if !ok {
			return Decision{}, apierror.Newf(apierror.KindConfig,
				"default route %q does not resolve", cfg.Router.Default)
		}
	}

	canonical, reason, err := r.applyBreaker(canonical, reason, cfg)
	if err != nil {
		return Decision{}, err
	}

	providerName, model, _ := anthropic.ParseModelPair(canonical)
	provider, _ := cfg.Provider(providerName)

	req.Model = canonical
	dec := Decision{
		Provider: provider,
		Model:    model,
		Pair:     canonical,
		Reason:   reason,
	}
	r.log.Debug("routed request", "pair", canonical, "reason", reason)
	return dec, nil
}

func (r *Router) pick(ctx context.Context, req *anthropic.MessagesRequest, cfg *config.Config, directive string) (string, string) {
	rc := cfg.Router

	// Explicit "provider,model" from the client wins outright.
	if _, _, ok := anthropic.ParseModelPair(req.Model); ok {
		if canonical, found := cfg.ResolvePair(req.Model); found {
			return canonical, ReasonExplicit
		}
	}

	if r.custom != nil {
		if pair := r.customRoute(ctx, req, cfg); pair != "" {
			return pair, ReasonCustom
		}
	}

	tokens := r.counter.CountRequest(req)
	if rc.LongContext != "" && tokens > rc.LongContextThreshold {
		return rc.LongContext, ReasonLongContext
	}

	if directive != "" {
		return directive, ReasonDirective
	}

	if rc.Background != "" && strings.HasPrefix(req.Model, backgroundModelPrefix) {
		return rc.Background, ReasonBackground
	}

	toolUsePair := toolUseRoute(cfg)
	wantsToolUse := qualifiesForToolUse(req)

	if rc.ToolUseFirst && toolUsePair != "" && wantsToolUse {
		return toolUsePair, ReasonToolUse
	}

	if rc.Think != "" && req.ThinkingEnabled() {
		return rc.Think, ReasonThink
	}

	if rc.WebSearch != "" && hasWebSearchTool(req.Tools) {
		return rc.WebSearch, ReasonWebSearch
	}

	if toolUsePair != "" && wantsToolUse {
		return toolUsePair, ReasonToolUse
	}

	return rc.Default, ReasonDefault
}

// applyBreaker substitutes the fallback slot when the selected provider's
// breaker is open. An open fallback, or no fallback, surfaces as an error.
func (r *Router) applyBreaker(pair, reason string, cfg *config.Config) (string, string, error) {
	providerName, _, _ := anthropic.ParseModelPair(pair)
	if r.breakers == nil || !r.breakers.Get(providerName).Open() {
		return pair, reason, nil
	}

	fallback, ok := cfg.ResolvePair(cfg.Router.Fallback)
	if ok && !strings.EqualFold(fallback, pair) {
		fbProvider, _, _ := anthropic.ParseModelPair(fallback)
		if !r.breakers.Get(fbProvider).Open() {
			r.log.Warn("provider breaker open, using fallback",
				"provider", providerName, "fallback", fallback)
			return fallback, ReasonFallback, nil
		}
	}
	return "", "", apierror.Newf(apierror.KindCircuitOpen,
		"provider %s is unavailable", providerName).WithProvider(providerName, "")
}

func (r *Router) customRoute(ctx context.Context, req *anthropic.MessagesRequest, cfg *config.Config) string {
	pair, err := r.custom.Route(ctx, req, cfg)
	if err != nil {
		r.log.Warn("custom router failed, falling through", "error", err)
		return ""
	}
	if pair == "" {
		return ""
	}
	if _, _, ok := anthropic.ParseModelPair(pair); !ok {
		r.log.Warn("custom router returned malformed pair", "pair", pair)
		return ""
	}
	return pair
}

// Close stops the custom router module if one was loaded.
func (r *Router) Close() {
	if r.custom != nil {
		r.custom.Close()
	}
}

// extractDirective removes inline routing directives from the system
// content and returns the first extracted pair.
func extractDirective(req *anthropic.MessagesRequest) string {
	if !req.System.Present() {
		return ""
	}
	var pair string
	strip := func(text string) string {
		for _, pattern := range directivePatterns {
			if pair == "" {
				if m := pattern.FindStringSubmatch(text); m != nil {
					pair = strings.TrimSpace(m[1])
				}
			}
			text = pattern.ReplaceAllString(text, "")
		}
		return text
	}

	if req.System.IsText {
		req.System.Text = strip(req.System.Text)
		return pair
	}
	for i := range req.System.Blocks {
		if req.System.Blocks[i].Type == anthropic.BlockText {
			req.System.Blocks[i].Text = strip(req.System.Blocks[i].Text)
		}
	}
	return pair
}

func hasWebSearchTool(tools []anthropic.Tool) bool {
	for _, tool := range tools {
		if strings.HasPrefix(tool.Type, "web_search") {
			return true
		}
	}
	return false
}

// qualifiesForToolUse matches requests that declare client tools or whose
// history is already mid tool loop.
func qualifiesForToolUse(req *anthropic.MessagesRequest) bool {
	if len(req.Tools) > 0 && !hasWebSearchTool(req.Tools) {
		return true
	}
	for _, msg := range req.Messages {
		for _, block := range msg.Content.BlockContent() {
			switch block.Type {
			case anthropic.BlockToolUse, anthropic.BlockToolResult:
				return true
			}
		}
	}
	return false
}

// toolUseRoute resolves the toolUse slot, falling back to a route declared
// as a tooluse transformer option on any provider.
func toolUseRoute(cfg *config.Config) string {
	if cfg.Router.ToolUse != "" {
		return cfg.Router.ToolUse
	}
	for _, provider := range cfg.Providers {
		for _, use := range provider.Transformer.Use {
			if use.Name != "tooluse" {
				continue
			}
			if route, ok := use.Options["route"].(string); ok && route != "" {
				return route
			}
			if route, ok := use.Options["tooluse-router"].(string); ok && route != "" {
				return route
			}
		}
	}
	return ""
}
