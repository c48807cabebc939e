package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/config"
	"github.com/musistudio/claude-code-router/pkg/plugins"
)

// customRouter proxies routing to the module at CUSTOM_ROUTER_PATH. The
// process is started lazily and restarted after a failed call.
type customRouter struct {
	path string

	mu     sync.Mutex
	client *plugins.Client
	impl   plugins.Router
}

func newCustomRouter(path string) *customRouter {
	return &customRouter{path: path}
}

func (c *customRouter) dial() (plugins.Router, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.impl != nil {
		return c.impl, nil
	}
	client, err := plugins.Dial(c.path, plugins.PluginRouter)
	if err != nil {
		return nil, err
	}
	impl := client.Router()
	if impl == nil {
		client.Close()
		return nil, fmt.Errorf("module %s does not implement router", c.path)
	}
	c.client = client
	c.impl = impl
	return impl, nil
}

func (c *customRouter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
	}
	c.client = nil
	c.impl = nil
}

// Route hands the request and the current config snapshot to the module.
func (c *customRouter) Route(ctx context.Context, req *anthropic.MessagesRequest, cfg *config.Config) (string, error) {
	impl, err := c.dial()
	if err != nil {
		return "", err
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}

	type result struct {
		pair string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		pair, err := impl.Route(plugins.RouteArgs{Request: reqJSON, Config: cfgJSON})
		done <- result{pair, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			c.reset()
			return "", res.err
		}
		return res.pair, nil
	}
}

func (c *customRouter) Close() {
	c.reset()
}
