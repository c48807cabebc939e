package agent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Loopback sends synthesized requests back through the proxy's own
// /v1/messages endpoint so they pick up routing and transformation exactly
// like client traffic. The original client credential is carried along.
type Loopback struct {
	endpoint string
	headers  http.Header
	client   *http.Client
}

// NewLoopback targets the proxy listening at host:port. Credential headers
// from the originating request are replayed on every loopback call.
func NewLoopback(host string, port int, from *http.Request) *Loopback {
	headers := make(http.Header)
	if from != nil {
		for _, key := range []string{"Authorization", "X-Api-Key", "Anthropic-Version"} {
			if v := from.Header.Get(key); v != "" {
				headers.Set(key, v)
			}
		}
	}
	return &Loopback{
		endpoint: fmt.Sprintf("http://%s/v1/messages", net.JoinHostPort(host, strconv.Itoa(port))),
		headers:  headers,
		client: &http.Client{
			// Streaming bodies outlive any sane fixed deadline; the
			// request context carries the real one.
			Timeout: 0,
			Transport: &http.Transport{
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Messages posts a request body to the proxy. The caller owns the response
// body.
func (l *Loopback) Messages(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range l.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return l.client.Do(req)
}
