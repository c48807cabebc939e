package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/config"
	"github.com/musistudio/claude-code-router/pkg/plugins"
)

// pluginTransformer proxies both directions to an out-of-process module.
// The module process is started lazily on first use and kept alive for the
// lifetime of the registry entry. Stream responses pass through untouched;
// modules only see unary bodies.
type pluginTransformer struct {
	name    string
	path    string
	options []byte

	mu     sync.Mutex
	client *plugins.Client
	impl   plugins.BodyTransformer
}

// NewPluginTransformer builds a transformer backed by the executable at
// path. The options map is serialized once and handed to the module on
// every call.
func NewPluginTransformer(name, path string, options map[string]any) (Transformer, error) {
	encoded, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("custom transformer %s: encode options: %w", name, err)
	}
	return &pluginTransformer{name: name, path: path, options: encoded}, nil
}

func (t *pluginTransformer) Name() string { return t.name }

func (t *pluginTransformer) dial() (plugins.BodyTransformer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.impl != nil {
		return t.impl, nil
	}
	client, err := plugins.Dial(t.path, plugins.PluginTransformer)
	if err != nil {
		return nil, err
	}
	impl := client.Transformer()
	if impl == nil {
		client.Close()
		return nil, fmt.Errorf("module %s does not implement transformer", t.path)
	}
	t.client = client
	t.impl = impl
	return impl, nil
}

func (t *pluginTransformer) call(direction string, body []byte, url string, headers map[string][]string) (plugins.TransformReply, error) {
	impl, err := t.dial()
	if err != nil {
		return plugins.TransformReply{}, err
	}
	reply, err := impl.Transform(plugins.TransformArgs{
		Direction: direction,
		Body:      body,
		URL:       url,
		Headers:   headers,
		Options:   t.options,
	})
	if err != nil {
		// A dead module process is restarted on the next call.
		t.mu.Lock()
		if t.client != nil {
			t.client.Close()
		}
		t.client = nil
		t.impl = nil
		t.mu.Unlock()
		return plugins.TransformReply{}, err
	}
	return reply, nil
}

func (t *pluginTransformer) TransformRequest(ctx context.Context, req *Request, provider *config.Provider) error {
	reply, err := t.call("in", req.Body, req.URL, req.Headers)
	if err != nil {
		return apierror.Wrap(apierror.KindTransform, err, fmt.Sprintf("custom transformer %s request", t.name))
	}
	if reply.Body != nil {
		req.Body = reply.Body
	}
	if reply.URL != "" {
		req.URL = reply.URL
	}
	if reply.Headers != nil {
		req.Headers = reply.Headers
	}
	return nil
}

func (t *pluginTransformer) TransformResponse(ctx context.Context, resp *Response) error {
	if resp.Streaming() {
		return nil
	}
	reply, err := t.call("out", resp.Body, "", resp.Headers)
	if err != nil {
		return apierror.Wrap(apierror.KindTransform, err, fmt.Sprintf("custom transformer %s response", t.name))
	}
	if reply.Body != nil {
		resp.Body = reply.Body
	}
	if reply.Headers != nil {
		resp.Headers = reply.Headers
	}
	return nil
}

// Close stops the module process if one is running.
func (t *pluginTransformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
		t.impl = nil
	}
}
