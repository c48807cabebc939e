// Package server exposes the proxy's HTTP surface: the Anthropic-compatible
// /v1/messages endpoint at the core, plus token counting, health, metrics,
// and the management stubs.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/musistudio/claude-code-router/pkg/agent"
	"github.com/musistudio/claude-code-router/pkg/config"
	"github.com/musistudio/claude-code-router/pkg/logger"
	"github.com/musistudio/claude-code-router/pkg/observability"
	"github.com/musistudio/claude-code-router/pkg/router"
	"github.com/musistudio/claude-code-router/pkg/session"
	"github.com/musistudio/claude-code-router/pkg/tokenizer"
	"github.com/musistudio/claude-code-router/pkg/transformer"
	"github.com/musistudio/claude-code-router/pkg/upstream"
)

// Server is the proxy HTTP server. Configuration is read through the store
// snapshot on every request so reloads apply without a restart.
type Server struct {
	store      *config.Store
	registry   *transformer.Registry
	agents     *agent.Registry
	router     *router.Router
	dispatcher *upstream.Dispatcher
	counter    *tokenizer.Counter
	usage      *session.UsageCache
	obs        *observability.Manager
	log        *slog.Logger

	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithObservability attaches the telemetry manager.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) {
		s.obs = obs
	}
}

// WithAgents replaces the agent registry.
func WithAgents(agents *agent.Registry) Option {
	return func(s *Server) {
		s.agents = agents
	}
}

// New assembles the server over its collaborators.
func New(store *config.Store, registry *transformer.Registry, rt *router.Router,
	dispatcher *upstream.Dispatcher, counter *tokenizer.Counter, opts ...Option) *Server {
	s := &Server{
		store:      store,
		registry:   registry,
		agents:     agent.NewRegistry(),
		router:     rt,
		dispatcher: dispatcher,
		counter:    counter,
		usage:      session.NewUsageCache(session.DefaultCapacity),
		log:        logger.Component("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Usage exposes the session usage cache.
func (s *Server) Usage() *session.UsageCache {
	return s.usage
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "Anthropic-Version"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.requestLogging)
	if s.obs != nil {
		r.Use(observability.HTTPMiddleware(s.obs.Tracer("ccr"), s.obs.Metrics()))
	}
	r.Use(s.auth)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ui/*", s.handleUI)
	r.Handle("/metrics", observability.Handler())

	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)

	r.Get("/api/config", s.handleGetConfig)
	r.Get("/api/transformers", s.handleTransformers)

	// Management operations served by the desktop tooling, mounted so the
	// core never shadows their paths.
	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/config"},
		{http.MethodPost, "/api/restart"},
		{http.MethodGet, "/api/logs"},
		{http.MethodDelete, "/api/logs"},
		{http.MethodGet, "/api/update/check"},
		{http.MethodPost, "/api/update/perform"},
	} {
		r.MethodFunc(route.method, route.path, s.handleNotImplemented)
	}

	return r
}

// Start runs the server until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.store.Get()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
		// Write deadlines would sever long-lived SSE responses; the
		// per-request context carries the real timeout.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.log.Info("server starting", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains the server with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.log.Info("server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

// loopbackFor builds the client agents use to re-enter the proxy for
// continuations and sub-requests.
func (s *Server) loopbackFor(cfg *config.Config, r *http.Request) *agent.Loopback {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return agent.NewLoopback(host, cfg.Port, r)
}
