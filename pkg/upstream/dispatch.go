// Package upstream issues transformed provider calls, applying retry,
// per-provider circuit breaking, and timeouts, and surfaces the reply as a
// buffered body or a byte stream.
package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/transformer"
)

// Dispatcher sends transformed requests to providers.
type Dispatcher struct {
	client         *Client
	breakers       *BreakerSet
	defaultTimeout time.Duration
}

// NewDispatcher wires a dispatcher. defaultTimeout applies when a
// transformer has not set a per-request deadline.
func NewDispatcher(client *Client, breakers *BreakerSet, defaultTimeout time.Duration) *Dispatcher {
	if client == nil {
		client = NewClient()
	}
	return &Dispatcher{client: client, breakers: breakers, defaultTimeout: defaultTimeout}
}

// Breakers exposes the breaker set for routing decisions.
func (d *Dispatcher) Breakers() *BreakerSet {
	return d.breakers
}

// errorBodyLimit bounds how much of an upstream error body is kept.
const errorBodyLimit = 64 * 1024

// Dispatch performs the provider call described by the transformed request.
// wantStream hints that the caller asked for a streaming response.
func (d *Dispatcher) Dispatch(ctx context.Context, treq *transformer.Request, provider string, wantStream bool) (*transformer.Response, error) {
	breaker := d.breakers.Get(provider)
	if !breaker.Allow() {
		return nil, apierror.Newf(apierror.KindCircuitOpen, "provider %s circuit is open", provider).
			WithProvider(provider, "")
	}

	timeout := treq.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	resp, err := d.send(ctx, treq)
	if err != nil {
		cancel()
		breaker.Record(false)
		return nil, apierror.AsError(err).WithProvider(provider, "")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		cancel()
		apiErr := apierror.FromStatus(resp.StatusCode, strings.TrimSpace(string(body))).WithProvider(provider, "")
		// A 4xx short of 429 is the caller's fault and says nothing about
		// provider health, so it neither trips nor resets the breaker.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			breaker.Record(false)
		}
		return nil, apiErr
	}

	breaker.Record(true)

	out := &transformer.Response{
		StatusCode: resp.StatusCode,
		Headers:    mirrorHeaders(resp.Header),
	}

	if isEventStream(resp.Header) || wantStream {
		// The body stays open for the interceptor; the timeout is released
		// when the stream is closed.
		out.Stream = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
		return out, nil
	}

	defer cancel()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindNetwork, err, "failed to read upstream body").
			WithProvider(provider, "")
	}
	out.Body = body
	return out, nil
}

func (d *Dispatcher) send(ctx context.Context, treq *transformer.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, treq.URL, bytes.NewReader(treq.Body))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindConfig, err, "invalid upstream request")
	}
	body := treq.Body
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	for key, values := range treq.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("dispatching upstream request", "url", treq.URL, "bytes", len(treq.Body))
	return d.client.Do(req)
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// mirrorHeaders copies upstream headers minus hop-by-hop ones.
func mirrorHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		switch http.CanonicalHeaderKey(key) {
		case "Transfer-Encoding", "Connection", "Keep-Alive", "Content-Length":
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}

// cancelReadCloser ties a timeout cancel to stream close.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
