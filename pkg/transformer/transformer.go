// Package transformer translates between the Anthropic-shaped request at the
// proxy edge and each provider's native wire format. A pipeline of
// transformers is applied in declaration order on the way out and in reverse
// order on the way back.
package transformer

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/musistudio/claude-code-router/pkg/config"
)

// Request is the mutable outbound call under transformation. Body starts as
// the Anthropic-shaped JSON and ends provider-native.
type Request struct {
	Body    []byte
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// Clone copies the request so a retry sees untransformed state.
func (r *Request) Clone() *Request {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Request{
		Body:    body,
		URL:     r.URL,
		Headers: r.Headers.Clone(),
		Timeout: r.Timeout,
	}
}

// Response is the upstream reply under transformation. Exactly one of Body
// (unary) and Stream (SSE) is set; transformers may replace either, and must
// leave the proxy-facing side Anthropic-shaped.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Streaming reports whether the response is an event stream.
func (r *Response) Streaming() bool {
	return r.Stream != nil
}

// Transformer adapts requests and responses for one provider dialect. Either
// direction may be a no-op.
type Transformer interface {
	// Name identifies the transformer in config and error records.
	Name() string

	// TransformRequest rewrites the outbound request in place. It runs once
	// per upstream attempt and must be idempotent within a request.
	TransformRequest(ctx context.Context, req *Request, provider *config.Provider) error

	// TransformResponse rewrites the upstream reply toward the Anthropic
	// schema. Streaming transformers wrap resp.Stream.
	TransformResponse(ctx context.Context, resp *Response) error
}

// EndpointTransformer is implemented by transformers that claim an endpoint
// suffix: requests whose URL matches route through them without explicit
// provider configuration.
type EndpointTransformer interface {
	Transformer
	Endpoint() string
}

// Factory builds a transformer from its config options map.
type Factory func(options map[string]any) (Transformer, error)
