package udplog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Stats counts queue and listener activity.
type Stats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Flushed  uint64 `json:"flushed"`
	Batches  uint64 `json:"batches"`
}

type counters struct {
	received atomic.Uint64
	dropped  atomic.Uint64
	flushed  atomic.Uint64
	batches  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		Flushed:  c.flushed.Load(),
		Batches:  c.batches.Load(),
	}
}

// Queue batches records toward a Sink: a batch is flushed when it
// reaches FlushSize or when FlushInterval elapses with records
// pending, whichever comes first. Each flush runs on its own goroutine
// so a slow sink never blocks ingest.
type Queue struct {
	flushSize     int
	flushInterval time.Duration
	sink          Sink
	log           zerolog.Logger

	ch      chan Record
	flushWG sync.WaitGroup
	stats   counters
}

// NewQueue builds a queue. Zero flushSize means 64 records; zero
// flushInterval means one second.
func NewQueue(flushSize int, flushInterval time.Duration, sink Sink, log zerolog.Logger) *Queue {
	if flushSize <= 0 {
		flushSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Queue{
		flushSize:     flushSize,
		flushInterval: flushInterval,
		sink:          sink,
		log:           log,
		ch:            make(chan Record, flushSize*4),
	}
}

// Enqueue accepts one record without blocking. A full queue drops the
// record and counts it.
func (q *Queue) Enqueue(rec Record) bool {
	select {
	case q.ch <- rec:
		q.stats.received.Add(1)
		return true
	default:
		q.stats.dropped.Add(1)
		return false
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats { return q.stats.snapshot() }

// Run drains the queue until ctx is cancelled, then performs one final
// flush and waits for every in-flight flush goroutine.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, q.flushSize)
	for {
		select {
		case rec := <-q.ch:
			batch = append(batch, rec)
			if len(batch) >= q.flushSize {
				q.dispatch(batch)
				batch = make([]Record, 0, q.flushSize)
				ticker.Reset(q.flushInterval)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				q.dispatch(batch)
				batch = make([]Record, 0, q.flushSize)
			}
		case <-ctx.Done():
			// Drain whatever arrived before cancellation.
			for {
				select {
				case rec := <-q.ch:
					batch = append(batch, rec)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				q.flush(context.Background(), batch)
			}
			q.flushWG.Wait()
			return
		}
	}
}

func (q *Queue) dispatch(batch []Record) {
	q.flushWG.Add(1)
	go func() {
		defer q.flushWG.Done()
		// Shutdown must not abort a flush already in flight, so the
		// sink never sees the run context.
		q.flush(context.Background(), batch)
	}()
}

func (q *Queue) flush(ctx context.Context, batch []Record) {
	if err := q.sink.WriteBatch(ctx, batch); err != nil {
		q.log.Error().Err(err).Int("batch", len(batch)).Msg("flush failed")
		q.stats.dropped.Add(uint64(len(batch)))
		return
	}
	q.stats.flushed.Add(uint64(len(batch)))
	q.stats.batches.Add(1)
}
