package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/musistudio/claude-code-router/pkg/agent"
	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/config"
	"github.com/musistudio/claude-code-router/pkg/session"
	"github.com/musistudio/claude-code-router/pkg/sse"
	"github.com/musistudio/claude-code-router/pkg/transformer"
)

// maxBodySize bounds a messages request body; conversations carry whole
// files and images.
const maxBodySize = 100 * 1024 * 1024

// handleMessages is the proxy core: decode, route, inject agent tools,
// transform, dispatch, transform back, and stream or buffer the reply.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.store.Get()

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

	sessionID := sessionFromMetadata(req.Metadata)
	originalModel := req.Model

	decision, err := s.router.Route(ctx, &req, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.obs != nil {
		s.obs.Metrics().RecordRoute(ctx, decision.Reason, decision.Pair)
	}

	active := s.agents.Activate(&req, decision.Provider)
	active.InjectTools(&req)

	// The continuation base keeps the client's model value so a
	// tool-following turn re-routes from scratch.
	base := req
	base.Model = originalModel

	pipeline, err := transformer.Resolve(s.registry, decision.Provider, decision.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := json.Marshal(&req)
	if err != nil {
		s.writeError(w, apierror.Wrap(apierror.KindTransform, err, "failed to encode routed request"))
		return
	}
	treq := &transformer.Request{
		Body:    body,
		Headers: make(http.Header),
		Timeout: time.Duration(cfg.APITimeoutMS) * time.Millisecond,
	}
	if err := pipeline.ApplyRequest(ctx, treq); err != nil {
		s.writeError(w, err)
		return
	}

	upstreamStart := time.Now()
	resp, err := s.dispatcher.Dispatch(ctx, treq, decision.Provider.Name, req.Stream)
	if s.obs != nil {
		s.obs.Metrics().RecordUpstream(ctx, decision.Provider.Name, decision.Model, time.Since(upstreamStart), err)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := pipeline.ApplyResponse(ctx, resp); err != nil {
		if resp.Stream != nil {
			resp.Stream.Close()
		}
		s.writeError(w, err)
		return
	}

	s.log.Info("dispatched",
		"pair", decision.Pair,
		"reason", decision.Reason,
		"transformers", strings.Join(pipeline.Names(), ","),
		"session", sessionID,
		"stream", resp.Streaming(),
	)

	if resp.Streaming() {
		s.serveStream(w, r, cfg, resp, active, &base, sessionID)
		return
	}
	s.serveUnary(ctx, w, resp, sessionID, decision.Model)
}

// serveUnary forwards a buffered upstream reply and records its usage.
func (s *Server) serveUnary(ctx context.Context, w http.ResponseWriter, resp *transformer.Response, sessionID, model string) {
	var msg anthropic.MessagesResponse
	if json.Unmarshal(resp.Body, &msg) == nil && msg.Usage != nil {
		s.usage.Put(sessionID, *msg.Usage)
		if s.obs != nil {
			s.obs.Metrics().RecordUsage(ctx, model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// serveStream wires the usage tee and the agent interceptor around the
// upstream event stream.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, cfg *config.Config,
	resp *transformer.Response, active *agent.ActiveSet, base *anthropic.MessagesRequest, sessionID string) {
	ctx := r.Context()

	stream := session.TeeUsage(ctx, resp.Stream, s.usage, sessionID)
	defer stream.Close()

	writer := sse.NewWriter(w)
	tc := &agent.ToolContext{
		Request:  base,
		Config:   cfg,
		Loopback: s.loopbackFor(cfg, r),
	}
	interceptor := agent.NewInterceptor(active, writer, tc, base)
	if s.obs != nil {
		interceptor.OnTool(s.obs.Metrics().RecordTool)
	}

	if err := interceptor.Run(ctx, stream); err != nil {
		if writer.Started() {
			// Mid-stream failures terminate the connection; the client
			// already holds partial events.
			s.log.Warn("stream ended early", "error", err, "session", sessionID)
			return
		}
		s.writeError(w, err)
	}
}

// sessionFromMetadata derives the session id from the client's
// metadata.user_id, which embeds a "session_" suffix.
func sessionFromMetadata(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return ""
	}
	if idx := strings.Index(meta.UserID, "session_"); idx >= 0 {
		return meta.UserID[idx:]
	}
	return meta.UserID
}
