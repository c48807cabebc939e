package server

import (
	"encoding/json"
	"io"
	"net/http"

	ccr "github.com/musistudio/claude-code-router"
	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/config"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "claude-code-router",
		"version": ccr.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUI is a placeholder mount; the desktop tooling ships the assets.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	s.writeErrorStatus(w, http.StatusNotImplemented, "this endpoint is served by the management tooling")
}

// handleCountTokens estimates the request's token footprint with the same
// counter the router uses.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, apierror.Wrap(apierror.KindInvalidRequest, err, "failed to read request body"))
		return
	}
	var req anthropic.MessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(w, apierror.Wrap(apierror.KindInvalidRequest, err, "request body is not a valid messages request"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"input_tokens": s.counter.CountRequest(&req),
	})
}

// handleGetConfig returns the active config snapshot with credentials
// blanked.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Get()
	redacted := *cfg
	if redacted.APIKey != "" {
		redacted.APIKey = "***"
	}
	redacted.Providers = make([]config.Provider, len(cfg.Providers))
	copy(redacted.Providers, cfg.Providers)
	for i := range redacted.Providers {
		if redacted.Providers[i].APIKey != "" && redacted.Providers[i].APIKey != config.OAuthManaged {
			redacted.Providers[i].APIKey = "***"
		}
	}
	writeJSON(w, http.StatusOK, &redacted)
}

// handleTransformers lists the registered transformer names.
func (s *Server) handleTransformers(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name     string `json:"name"`
		Endpoint string `json:"endpoint,omitempty"`
	}
	names := s.registry.Names()
	entries := make([]entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, entry{Name: name, Endpoint: s.registry.EndpointOf(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transformers": entries})
}
