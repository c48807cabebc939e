package upstream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/musistudio/claude-code-router/pkg/apierror"
)

// Retry policy defaults.
const (
	defaultMaxAttempts = 3
	defaultMinBackoff  = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2
)

// Client is an HTTP client with exponential backoff and jitter for retriable
// failures: network errors, 5xx, and 429. Other 4xx are terminal.
type Client struct {
	http        *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxAttempts sets the total attempt cap.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBackoff sets the backoff window.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// NewClient creates a retrying client. The zero timeout on the underlying
// http.Client is deliberate: per-request deadlines come from the context.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do issues the request, retrying retriable failures with jittered
// exponential backoff. The request must carry GetBody so retries can replay
// the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, apierror.Wrap(apierror.KindUnknown, err, "failed to replay request body")
				}
				req.Body = body
			}
			delay := c.backoff(attempt)
			slog.Debug("retrying upstream request", "attempt", attempt, "delay", delay, "url", req.URL.String())
			select {
			case <-req.Context().Done():
				return nil, classifyError(req.Context().Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = classifyError(err)
			if !apierror.AsError(lastErr).Retriable() {
				return nil, lastErr
			}
			continue
		}

		if !retriableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastErr = apierror.FromStatus(resp.StatusCode, "").WithStatus(resp.StatusCode)
		drainAndClose(resp)
	}

	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.minBackoff) * math.Pow(backoffFactor, float64(attempt-1))
	if d > float64(c.maxBackoff) {
		d = float64(c.maxBackoff)
	}
	// Full jitter keeps concurrent retries from stampeding.
	return time.Duration(d/2 + rand.Float64()*d/2)
}

func retriableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func drainAndClose(resp *http.Response) {
	if resp.Body != nil {
		resp.Body.Close()
	}
}

// classifyError maps transport-level failures onto the error taxonomy.
func classifyError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierror.Wrap(apierror.KindTimeout, err, "upstream request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return apierror.Wrap(apierror.KindNetwork, err, "request cancelled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apierror.Wrap(apierror.KindTimeout, err, "upstream network timeout")
		}
		return apierror.Wrap(apierror.KindNetwork, err, "upstream network error")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apierror.Wrap(apierror.KindNetwork, err, "upstream DNS failure")
	}

	return apierror.Wrap(apierror.KindNetwork, err, "upstream connection error")
}
