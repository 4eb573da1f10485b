package jsonrpc

import (
	"fmt"
	"net/http"
	"net/url"
)

// DefaultHandlerPath is assumed when the dial URL has no path.
const DefaultHandlerPath = "/RPC2"

// Client is a logical connection to a JSON-RPC server: remote methods
// are invoked by dotted name and travel through a private Transport.
// Reserved operations (Close, Transport, SetHandler) are plain struct
// methods so they can never collide with remote method names.
type Client struct {
	transport *Transport
	host      string
	handler   string
	encOpts   []EncodeOption
}

// ClientOption adjusts Dial.
type ClientOption func(*Client, *TransportConfig)

// WithAPIKey sends key as X-API-Key on every request.
func WithAPIKey(key string) ClientOption {
	return func(_ *Client, cfg *TransportConfig) { cfg.APIKey = key }
}

// WithHostName overrides the HTTP Host header.
func WithHostName(name string) ClientOption {
	return func(_ *Client, cfg *TransportConfig) { cfg.HostName = name }
}

// WithTransportConfig replaces the whole transport configuration.
func WithTransportConfig(tc TransportConfig) ClientOption {
	return func(_ *Client, cfg *TransportConfig) {
		secure := cfg.Secure
		*cfg = tc
		cfg.Secure = secure
	}
}

// WithEncodeOptions applies codec options (encoder hook, ASCII
// fallback) to every outgoing call.
func WithEncodeOptions(opts ...EncodeOption) ClientOption {
	return func(c *Client, _ *TransportConfig) { c.encOpts = opts }
}

// Dial parses rawurl (http or https) and builds a client for it.
func Dial(rawurl string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: bad url %q: %w", rawurl, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("jsonrpc: unsupported scheme %q", u.Scheme)
	}
	c := &Client{host: u.Host, handler: u.Path}
	if c.handler == "" {
		c.handler = DefaultHandlerPath
	}
	cfg := TransportConfig{Secure: u.Scheme == "https"}
	for _, opt := range opts {
		opt(c, &cfg)
	}
	c.transport = NewTransport(cfg)
	return c, nil
}

// Call invokes a remote method by its dotted name.
func (c *Client) Call(method string, params []any, kwargs map[string]any) (any, error) {
	body, err := EncodeCall(method, params, kwargs, c.encOpts...)
	if err != nil {
		return nil, err
	}
	return c.transport.Request(c.host, c.handler, body)
}

// Method returns a callable handle for name; chained Method calls
// accumulate a dot-joined path the way remote namespaces are addressed.
func (c *Client) Method(name string) Method {
	return Method{client: c, name: name}
}

// Do sends a pre-serialized body through the transport unchanged.
func (c *Client) Do(body []byte) (any, error) {
	return c.transport.Request(c.host, c.handler, body)
}

// SetHandler overrides the handler path and installs custom headers
// for subsequent requests. Pass nil headers to clear the override.
func (c *Client) SetHandler(path string, headers http.Header) *Client {
	if path != "" {
		c.handler = path
	}
	c.transport.SetHeaders(headers)
	return c
}

// Transport exposes the underlying transport.
func (c *Client) Transport() *Transport { return c.transport }

// Close releases the cached connection.
func (c *Client) Close() { c.transport.Close() }

// Method is a bound handle on a remote method name.
type Method struct {
	client *Client
	name   string
}

// Method descends one namespace segment: m.Method("emit") addresses
// "<m>.emit".
func (m Method) Method(name string) Method {
	return Method{client: m.client, name: m.name + "." + name}
}

// Name returns the accumulated dotted method name.
func (m Method) Name() string { return m.name }

// Call invokes the method with positional params only.
func (m Method) Call(params ...any) (any, error) {
	return m.client.Call(m.name, params, nil)
}

// CallKw invokes the method with positional and keyword arguments.
func (m Method) CallKw(params []any, kwargs map[string]any) (any, error) {
	return m.client.Call(m.name, params, kwargs)
}
