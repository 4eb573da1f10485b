package udplog

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MaxPacket is the largest datagram accepted; longer packets are
// truncated by the socket read.
const MaxPacket = 8192

// Listener reads JSON datagrams and enqueues them as records.
// Malformed and over-rate datagrams are dropped and counted.
type Listener struct {
	conn    *net.UDPConn
	limiter *rate.Limiter
	queue   *Queue
	log     zerolog.Logger
	stats   counters
}

// Listen binds addr (host:port). ratePerSec bounds sustained ingest
// with burst headroom; zero disables limiting.
func Listen(addr string, ratePerSec float64, burst int, queue *Queue, log zerolog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = int(ratePerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Listener{conn: conn, limiter: limiter, queue: queue, log: log}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Stats merges listener and queue counters.
func (l *Listener) Stats() Stats {
	s := l.stats.snapshot()
	qs := l.queue.Stats()
	s.Received = qs.Received
	s.Dropped += qs.Dropped
	s.Flushed = qs.Flushed
	s.Batches = qs.Batches
	return s
}

// Run reads datagrams until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, MaxPacket)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if l.limiter != nil && !l.limiter.Allow() {
			l.stats.dropped.Add(1)
			continue
		}
		l.accept(buf[:n], src)
	}
}

func (l *Listener) accept(raw []byte, src *net.UDPAddr) {
	if !json.Valid(raw) {
		l.stats.dropped.Add(1)
		l.log.Debug().Str("source", src.String()).Msg("dropping malformed datagram")
		return
	}
	now := time.Now()
	payload := make(json.RawMessage, len(raw))
	copy(payload, raw)
	l.queue.Enqueue(Record{
		ID:         newRecordID(now),
		ReceivedAt: now,
		Source:     src.String(),
		Payload:    payload,
	})
}
