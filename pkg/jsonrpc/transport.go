package jsonrpc

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEncodeThreshold is the request-body size above which
// list-shaped payloads are gzip-compressed. 1400 clears a common MTU.
const DefaultEncodeThreshold = 1400

const userAgent = "udplogd-jsonrpc/1.0"

// maxErrorBody bounds how much of a non-200 response is captured into
// a ProtocolError.
const maxErrorBody = 1 << 20

// TransportConfig carries the knobs for a Transport. The zero value is
// usable for plain HTTP with defaults.
type TransportConfig struct {
	// Secure selects the https connection class.
	Secure bool
	// APIKey is sent as X-API-Key on every request when set.
	APIKey string
	// HostName overrides the HTTP Host header when set.
	HostName string
	// EncodeThreshold replaces DefaultEncodeThreshold; negative
	// disables request compression entirely.
	EncodeThreshold int
	// Timeout bounds each HTTP exchange. Zero means 30s.
	Timeout time.Duration
	// TLSSkipVerify disables certificate verification for https.
	TLSSkipVerify bool
}

type remoteTarget struct {
	host   string
	secure bool
}

type connection struct {
	host   string
	secure bool
	client *http.Client
	tr     *http.Transport
}

func (c *connection) close() {
	if c != nil && c.tr != nil {
		c.tr.CloseIdleConnections()
	}
}

// Transport delivers one call envelope per Request and hides connection
// management: one cached connection handle per (scheme, host), a single
// transparent retry on a reset connection, gzip negotiation and sticky
// Location redirects. A Transport is not safe for concurrent use;
// concurrent callers need their own Transport instances.
//
// Redirect loops are not detected beyond the sticky remap: one hop is
// resolved and cached, and an identical redirect from the new host
// would be followed again on the next call.
type Transport struct {
	cfg     TransportConfig
	conn    *connection
	remap   map[string]remoteTarget
	headers http.Header // per-call override set via the client side channel
}

// NewTransport builds a Transport for the given configuration.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.EncodeThreshold == 0 {
		cfg.EncodeThreshold = DefaultEncodeThreshold
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{cfg: cfg, remap: make(map[string]remoteTarget)}
}

// SetHeaders installs an override header set applied after the
// standard headers on subsequent requests. Pass nil to clear.
func (t *Transport) SetHeaders(h http.Header) { t.headers = h }

// Close drops the cached connection handle.
func (t *Transport) Close() {
	t.conn.close()
	t.conn = nil
}

// Request sends one serialized envelope and returns the decoded
// response value. A closed or reset cached connection is retried once
// with a fresh connection; all other failures propagate.
func (t *Transport) Request(host, path string, body []byte) (any, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		v, err := t.roundTrip(host, path, body, nil)
		if err != nil && attempt == 0 && retryable(err) {
			lastErr = err
			continue
		}
		return v, err
	}
	return nil, lastErr
}

// RequestStream sends a streaming body with chunked transfer encoding.
// Streaming bodies are never compressed and never retried (the body
// cannot be replayed).
func (t *Transport) RequestStream(host, path string, body io.Reader) (any, error) {
	return t.roundTrip(host, path, nil, body)
}

// Get issues a body-less GET against path, returning the decoded JSON
// value or raw text lines. Used by introspection endpoints layered on
// the same transport.
func (t *Transport) Get(host, path string) (any, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		v, err := t.roundTrip(host, path, nil, nil)
		if err != nil && attempt == 0 && retryable(err) {
			lastErr = err
			continue
		}
		return v, err
	}
	return nil, lastErr
}

func (t *Transport) roundTrip(host, path string, body []byte, stream io.Reader) (any, error) {
	target := remoteTarget{host: host, secure: t.cfg.Secure}
	remapped := false
	if alias, ok := t.remap[host]; ok {
		target = alias
		remapped = true
	}

	resp, err := t.send(target, path, body, stream)
	if err != nil {
		// A dead connection leaves the handle in an unknown state.
		t.Close()
		if remapped {
			delete(t.remap, host)
		}
		return nil, err
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		if stream != nil {
			// The streamed body is already consumed and cannot be
			// replayed against the new host.
			drain(resp)
			t.Close()
			return nil, fmt.Errorf("jsonrpc: server redirected a streaming request to %s", loc)
		}
		return t.followRedirect(host, target, path, body, loc, resp)
	}
	return t.finish(target, path, resp, remapped, host)
}

// followRedirect resolves a Location signal: the call is reissued
// against the new host over a connection of the matching class, and
// the original host is remembered as a sticky remap.
func (t *Transport) followRedirect(origHost string, from remoteTarget, path string, body []byte, loc string, resp *http.Response) (any, error) {
	drain(resp)
	u, err := url.Parse(loc)
	if err != nil || u.Host == "" {
		// No routable host in the signal; hand the location back.
		return loc, nil
	}
	next := remoteTarget{host: u.Host, secure: u.Scheme == "https"}
	if next.secure != from.secure {
		t.conn.close()
		t.conn = t.dial(next)
	}
	resp2, err := t.send(next, path, body, nil)
	if err != nil {
		t.Close()
		return nil, err
	}
	delete(t.remap, next.host)
	t.remap[origHost] = next
	return t.finish(next, path, resp2, false, "")
}

func (t *Transport) finish(target remoteTarget, path string, resp *http.Response, remapped bool, origHost string) (any, error) {
	if resp.StatusCode == http.StatusOK {
		v, err := t.parseResponse(resp)
		if err != nil {
			if _, ok := err.(*Fault); !ok {
				t.Close()
			}
			if remapped {
				delete(t.remap, origHost)
			}
		}
		return v, err
	}

	// Error status: capture the body, then make sure the now suspect
	// connection is never reused.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	if IsGzipped(raw) {
		if dec, err := GzipDecode(raw, maxErrorBody); err == nil {
			raw = dec
		}
	}
	t.Close()
	if remapped {
		delete(t.remap, origHost)
	}
	return nil, &ProtocolError{
		URL:        t.urlFor(target, path),
		StatusCode: resp.StatusCode,
		Reason:     http.StatusText(resp.StatusCode),
		Body:       raw,
		Header:     resp.Header,
	}
}

// send builds the request against the cached (or fresh) connection for
// target and executes it.
func (t *Transport) send(target remoteTarget, path string, body []byte, stream io.Reader) (*http.Response, error) {
	conn := t.connect(target)

	method := http.MethodPost
	var reqBody io.Reader
	header := make(http.Header)
	header.Set("Accept-Encoding", "gzip")
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", userAgent)
	if t.cfg.APIKey != "" {
		header.Set("X-API-Key", t.cfg.APIKey)
	}

	switch {
	case stream != nil:
		reqBody = stream // chunked; never compressed
	case len(body) > 0:
		if t.shouldCompress(body) {
			enc, err := GzipEncode(body)
			if err != nil {
				return nil, err
			}
			body = enc
			header.Set("Content-Encoding", "gzip")
		}
		reqBody = bytes.NewReader(body)
	default:
		method = http.MethodGet
	}

	req, err := http.NewRequest(method, t.urlFor(target, path), reqBody)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	for k, vs := range t.headers {
		req.Header[k] = vs
	}
	if t.cfg.HostName != "" {
		req.Host = t.cfg.HostName
	}
	if stream == nil && reqBody != nil {
		req.ContentLength = int64(len(body))
	}
	return conn.client.Do(req)
}

// shouldCompress applies the gzip policy: list-shaped payloads at or
// over the threshold are compressed, scalars and small bodies are not.
func (t *Transport) shouldCompress(body []byte) bool {
	if t.cfg.EncodeThreshold < 0 || len(body) < t.cfg.EncodeThreshold {
		return false
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// connect returns the cached connection when the target matches, else
// closes the old handle and caches a fresh one.
func (t *Transport) connect(target remoteTarget) *connection {
	if t.conn != nil && t.conn.host == target.host && t.conn.secure == target.secure {
		return t.conn
	}
	t.conn.close()
	t.conn = t.dial(target)
	return t.conn
}

func (t *Transport) dial(target remoteTarget) *connection {
	tr := &http.Transport{
		MaxConnsPerHost:   1,
		MaxIdleConns:      1,
		DisableKeepAlives: false,
	}
	if target.secure && t.cfg.TLSSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &connection{
		host:   target.host,
		secure: target.secure,
		tr:     tr,
		client: &http.Client{
			Timeout:   t.cfg.Timeout,
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects are a protocol-level signal here; never
				// auto-follow.
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *Transport) urlFor(target remoteTarget, path string) string {
	scheme := "http"
	if target.secure {
		scheme = "https"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, target.host, path)
}

// parseResponse interprets a 200 response: gzip bodies are inflated,
// text/* responses come back as raw lines, everything else is decoded
// through the wire codec.
func (t *Transport) parseResponse(resp *http.Response) (any, error) {
	defer drain(resp)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == "gzip" || IsGzipped(raw) {
		if raw, err = GzipDecode(raw, -1); err != nil {
			return nil, err
		}
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text") {
		return splitLines(raw), nil
	}
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindResult:
		return env.Result, nil
	case KindCall:
		// Introspection endpoints echo call envelopes back.
		if len(env.Kwargs) > 0 {
			return []any{env.Params, env.Kwargs}, nil
		}
		return env.Params, nil
	}
	return nil, ErrMalformedEnvelope
}

func splitLines(raw []byte) []string {
	s := strings.TrimRight(string(raw), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// drain consumes and closes a response body so the underlying
// connection can be reused.
func drain(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
