// Package sse implements the Server-Sent-Events side of the daemon: a
// reconnecting, resumable stream client and an in-process broadcast
// hub with a text/event-stream handler.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rexliu/udplogd/pkg/jsonrpc"
)

// DefaultRetry is the reconnect delay when the server never sent a
// retry: hint.
const DefaultRetry = 2000 * time.Millisecond

// Event is one decoded stream record. Data fragments accumulate across
// repeated data: lines and join with newlines for consumers that want
// a single string.
type Event struct {
	Name string
	Data []string
	ID   string
}

// Text joins the data fragments with newlines.
func (e *Event) Text() string { return strings.Join(e.Data, "\n") }

// Message is one item of the client stream: an event, or a transient
// error the stream survived. LastID accompanies errors so a consumer
// can tell where resumption will pick up.
type Message struct {
	Event  *Event
	Err    error
	LastID string
}

// Config carries the stream client knobs.
type Config struct {
	// URL is the text/event-stream endpoint.
	URL string
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// HostName overrides the HTTP Host header when set.
	HostName string
	// LastEventID resumes the stream from a known position.
	LastEventID string
	// Retry is the initial reconnect delay; the server's retry: hint
	// overrides it. Zero means DefaultRetry.
	Retry time.Duration
	// Ping surfaces empty-field lines as "ping" events instead of
	// dropping them as comments.
	Ping bool
	// HTTPClient overrides the default client (no timeout; the stream
	// is long-lived).
	HTTPClient *http.Client
}

// Client produces a lazy, restartable sequence of events from one URL,
// reconnecting with Last-Event-ID across failures.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a stream client for cfg.
func New(cfg Config) *Client {
	if cfg.Retry == 0 {
		cfg.Retry = DefaultRetry
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc}
}

// Stream starts the connect/read/backoff loop and returns its output
// channel. The channel closes when ctx is cancelled; errors along the
// way are yielded as Messages, never terminal.
func (c *Client) Stream(ctx context.Context) <-chan Message {
	ch := make(chan Message)
	go c.run(ctx, ch)
	return ch
}

func (c *Client) run(ctx context.Context, ch chan<- Message) {
	defer close(ch)
	lastID := c.cfg.LastEventID
	retry := c.cfg.Retry

	for {
		resp, err := c.connect(ctx, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.yield(ctx, ch, Message{Err: err, LastID: lastID}) {
				return
			}
			if !c.backoff(ctx, retry) {
				return
			}
			continue
		}

		p := newParser(resp.Body, c.cfg.Ping)
		for {
			ev, err := p.next()
			if p.retry > 0 {
				retry = p.retry
			}
			if err != nil {
				resp.Body.Close()
				if ctx.Err() != nil {
					return
				}
				if err == io.EOF {
					err = fmt.Errorf("sse: stream ended")
				}
				if !c.yield(ctx, ch, Message{Err: err, LastID: lastID}) {
					return
				}
				break
			}
			if ev.ID != "" {
				lastID = ev.ID
			}
			if !c.yield(ctx, ch, Message{Event: ev}) {
				resp.Body.Close()
				return
			}
		}
		if !c.backoff(ctx, retry) {
			return
		}
	}
}

func (c *Client) yield(ctx context.Context, ch chan<- Message, m Message) bool {
	select {
	case ch <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff sleeps for the retry interval plus jitter, abandoning the
// wait on cancellation.
func (c *Client) backoff(ctx context.Context, retry time.Duration) bool {
	delay := retry + time.Duration(rand.Int63n(int64(retry/2)+1))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) connect(ctx context.Context, lastID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	if c.cfg.HostName != "" {
		req.Host = c.cfg.HostName
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &jsonrpc.ProtocolError{
			URL:        c.cfg.URL,
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Body:       body,
			Header:     resp.Header,
		}
	}
	return resp, nil
}

// parser accumulates field lines into events and flushes on blank
// lines. It owns the retry hint extracted from retry: fields.
type parser struct {
	r     *bufio.Reader
	ping  bool
	retry time.Duration

	name string
	data []string
	id   string
}

func newParser(r io.Reader, ping bool) *parser {
	return &parser{r: bufio.NewReader(r), ping: ping}
}

// next blocks until one complete event is framed or the stream fails.
func (p *parser) next() (*Event, error) {
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if ev := p.flush(); ev != nil {
				return ev, nil
			}
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "":
			// Comment/heartbeat line. In ping-mode it names the
			// pending frame, which still flushes on the blank line.
			if p.ping {
				p.name = "ping"
			}
		case "event":
			p.name = value
		case "data":
			p.data = append(p.data, value)
		case "id":
			p.id = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				p.retry = time.Duration(ms) * time.Millisecond
			}
		case "chunk":
			if err := p.readChunk(value); err != nil {
				return nil, err
			}
		}
	}
}

// readChunk reads exactly n raw bytes as one data fragment, then
// consumes the remainder of the directive's line.
func (p *parser) readChunk(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("sse: bad chunk length %q", value)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(p.r, raw); err != nil {
		return err
	}
	p.data = append(p.data, string(raw))
	if _, err := p.r.ReadString('\n'); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// flush emits the accumulated event when anything was set, defaulting
// the name to "message", and resets state.
func (p *parser) flush() *Event {
	if p.name == "" && len(p.data) == 0 && p.id == "" {
		return nil
	}
	ev := &Event{Name: p.name, Data: p.data, ID: p.id}
	if ev.Name == "" {
		ev.Name = "message"
	}
	p.name, p.data, p.id = "", nil, ""
	return ev
}
