// Package plugins defines the contract between the proxy and out-of-process
// extension modules: custom routers and custom body transformers. Modules
// are ordinary executables served over go-plugin's net/rpc protocol.
package plugins

import (
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Plugin map keys.
const (
	PluginRouter      = "router"
	PluginTransformer = "transformer"
)

// Handshake guards against launching arbitrary executables as plugins.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CCR_PLUGIN",
	MagicCookieValue: "claude-code-router",
}

// RouteArgs carries a routing request to a custom router module. Both
// payloads are JSON: the messages request and the current config snapshot.
type RouteArgs struct {
	Request []byte
	Config  []byte
}

// Router is the custom-router contract. Route returns a "provider,model"
// pair, or an empty string to fall through to the built-in rules.
type Router interface {
	Route(args RouteArgs) (string, error)
}

// TransformArgs carries one direction of a body transformation. Direction
// is "in" (request) or "out" (unary response). Options is the JSON-encoded
// transformer options map.
type TransformArgs struct {
	Direction string
	Body      []byte
	URL       string
	Headers   map[string][]string
	Options   []byte
}

// TransformReply is the rewritten call. Zero-value fields mean unchanged.
type TransformReply struct {
	Body    []byte
	URL     string
	Headers map[string][]string
}

// BodyTransformer is the custom-transformer contract. Stream responses are
// not routed through modules; only unary bodies are.
type BodyTransformer interface {
	Transform(args TransformArgs) (TransformReply, error)
}

// RouterPlugin adapts a Router over net/rpc.
type RouterPlugin struct {
	Impl Router
}

func (p *RouterPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &routerRPCServer{impl: p.Impl}, nil
}

func (p *RouterPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &routerRPCClient{client: c}, nil
}

type routerRPCClient struct {
	client *rpc.Client
}

func (c *routerRPCClient) Route(args RouteArgs) (string, error) {
	var reply string
	if err := c.client.Call("Plugin.Route", args, &reply); err != nil {
		return "", err
	}
	return reply, nil
}

type routerRPCServer struct {
	impl Router
}

func (s *routerRPCServer) Route(args RouteArgs, reply *string) error {
	out, err := s.impl.Route(args)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

// TransformerPlugin adapts a BodyTransformer over net/rpc.
type TransformerPlugin struct {
	Impl BodyTransformer
}

func (p *TransformerPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &transformerRPCServer{impl: p.Impl}, nil
}

func (p *TransformerPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &transformerRPCClient{client: c}, nil
}

type transformerRPCClient struct {
	client *rpc.Client
}

func (c *transformerRPCClient) Transform(args TransformArgs) (TransformReply, error) {
	var reply TransformReply
	if err := c.client.Call("Plugin.Transform", args, &reply); err != nil {
		return TransformReply{}, err
	}
	return reply, nil
}

type transformerRPCServer struct {
	impl BodyTransformer
}

func (s *transformerRPCServer) Transform(args TransformArgs, reply *TransformReply) error {
	out, err := s.impl.Transform(args)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

var pluginMap = map[string]plugin.Plugin{
	PluginRouter:      &RouterPlugin{},
	PluginTransformer: &TransformerPlugin{},
}

// Client wraps a running plugin process.
type Client struct {
	client *plugin.Client
	raw    any
}

// Dial launches the module at path and dispenses the named plugin.
func Dial(path, name string) (*Client, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginMap,
		Cmd:             exec.Command(path),
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "ccr-plugin",
			Level: hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start plugin %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense(name)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not serve %q: %w", path, name, err)
	}
	return &Client{client: client, raw: raw}, nil
}

// Router returns the dispensed router, or nil.
func (c *Client) Router() Router {
	r, _ := c.raw.(Router)
	return r
}

// Transformer returns the dispensed transformer, or nil.
func (c *Client) Transformer() BodyTransformer {
	t, _ := c.raw.(BodyTransformer)
	return t
}

// Close kills the plugin process.
func (c *Client) Close() {
	c.client.Kill()
}

// Serve runs a module's main: it blocks serving the given implementations.
// Custom modules import this package and call Serve from func main.
func Serve(router Router, transformer BodyTransformer) {
	served := map[string]plugin.Plugin{}
	if router != nil {
		served[PluginRouter] = &RouterPlugin{Impl: router}
	}
	if transformer != nil {
		served[PluginTransformer] = &TransformerPlugin{Impl: transformer}
	}
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         served,
	})
}
