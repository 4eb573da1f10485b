package sse

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Hub broadcasts events to connected stream subscribers. Slow
// subscribers drop events rather than stall the publisher.
type Hub struct {
	log       zerolog.Logger
	pingEvery time.Duration
	retryHint time.Duration

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	nextID atomic.Uint64
}

type subscriber struct {
	send chan Event
}

// NewHub builds an empty hub. Subscribers receive a keepalive comment
// every 15s and a reconnect hint of DefaultRetry.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:       log,
		pingEvery: 15 * time.Second,
		retryHint: DefaultRetry,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Publish broadcasts ev to every subscriber. An empty ID is filled
// from the hub's sequence so resumption headers stay meaningful.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = fmt.Sprint(h.nextID.Add(1))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			h.log.Warn().Str("event", ev.Name).Msg("dropping event for slow subscriber")
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

func (h *Hub) register() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	sub := &subscriber{send: make(chan Event, 16)}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// ServeHTTP streams the hub as text/event-stream until the client
// hangs up or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub := h.register()
	if sub == nil {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "retry: %d\n\n", h.retryHint.Milliseconds())
	flusher.Flush()

	ping := time.NewTicker(h.pingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-sub.send:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent frames one event. Data fragments containing newlines are
// split so each wire line stays a valid data: line.
func writeEvent(w http.ResponseWriter, ev Event) {
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	if ev.Name != "" && ev.Name != "message" {
		fmt.Fprintf(w, "event: %s\n", ev.Name)
	}
	for _, frag := range ev.Data {
		for _, line := range strings.Split(frag, "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
	}
	fmt.Fprint(w, "\n")
}
