// Command ccr runs the claude-code-router proxy.
//
// Usage:
//
//	ccr serve --config config.json
//	ccr schema > config-schema.json
//	ccr version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	ccr "github.com/musistudio/claude-code-router"
	"github.com/musistudio/claude-code-router/pkg/agent"
	"github.com/musistudio/claude-code-router/pkg/config"
	"github.com/musistudio/claude-code-router/pkg/logger"
	"github.com/musistudio/claude-code-router/pkg/observability"
	"github.com/musistudio/claude-code-router/pkg/router"
	"github.com/musistudio/claude-code-router/pkg/server"
	"github.com/musistudio/claude-code-router/pkg/tokenizer"
	"github.com/musistudio/claude-code-router/pkg/transformer"
	"github.com/musistudio/claude-code-router/pkg/upstream"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the proxy server."`
	Schema  SchemaCmd  `cmd:"" help:"Generate JSON Schema for the config file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.json"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(ccr.GetVersion().String())
	return nil
}

// ServeCmd starts the proxy server.
type ServeCmd struct {
	Watch   bool `help:"Watch the config file for changes and hot-reload." default:"true" negatable:""`
	Observe bool `help:"Enable observability (metrics + OTLP tracing to localhost:4317)."`

	Port int `help:"Override the configured port." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	// CLI flags win; config file settings fill in the rest.
	level := cli.LogLevel
	if level == "info" && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	format := logger.Format(cli.LogFormat)
	if cfg.LogFormat != "" && cli.LogFormat == "text" {
		format = logger.Format(cfg.LogFormat)
	}
	logger.Setup(logger.Options{Level: level, Format: format})

	store := config.NewStore(cfg)

	obs := observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:     c.Observe,
			EndpointURL: "localhost:4317",
			ServiceName: "claude-code-router",
		},
		Metrics: observability.MetricsConfig{Enabled: c.Observe},
	})
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("observability shutdown failed", "error", err)
		}
	}()

	counter, err := tokenizer.New()
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}

	breakers := upstream.NewBreakerSet(func(provider, from, to string) {
		slog.Warn("breaker transition", "provider", provider, "from", from, "to", to)
		obs.Metrics().RecordBreaker(context.Background(), provider, to)
	})
	client, err := upstreamClient(cfg)
	if err != nil {
		return err
	}
	dispatcher := upstream.NewDispatcher(client, breakers,
		time.Duration(cfg.APITimeoutMS)*time.Millisecond)

	registry := transformer.NewRegistry()
	if len(cfg.Transformers) > 0 {
		root := filepath.Dir(cli.Config)
		if err := registry.LoadCustom(root, cfg.Transformers); err != nil {
			slog.Warn("some custom transformers failed to load", "error", err)
		}
	}

	rt := router.New(counter, breakers, router.WithCustomRouter(cfg.CustomRouterPath))
	defer rt.Close()

	agents := agent.NewRegistry()
	if cfg.Router.Image != "" {
		if err := agents.Register(agent.NewImageAgent(cfg.Router.Image)); err != nil {
			return err
		}
	}

	srv := server.New(store, registry, rt, dispatcher, counter,
		server.WithObservability(obs),
		server.WithAgents(agents),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if c.Watch {
		g.Go(func() error {
			return config.Watch(gctx, cli.Config, store, func(next *config.Config) {
				slog.Info("configuration reloaded", "providers", len(next.Providers))
			})
		})
	}
	return g.Wait()
}

// upstreamClient builds the retrying HTTP client, honoring PROXY_URL.
func upstreamClient(cfg *config.Config) (*upstream.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid PROXY_URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return upstream.NewClient(upstream.WithHTTPClient(&http.Client{Transport: transport})), nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ccr"),
		kong.Description("claude-code-router - an intercepting reverse proxy for the Anthropic messages API"),
		kong.UsageOnError(),
	)

	// .env is optional; environment expansion in the config depends on it
	// during local development.
	_ = godotenv.Load()

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
