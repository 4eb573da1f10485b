// Package udplog receives JSON log records over UDP and hands them to
// a storage sink in time- or size-triggered batches.
package udplog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexliu/udplogd/pkg/uid"
)

// Record is one ingested log entry. Payload keeps the datagram's JSON
// object verbatim.
type Record struct {
	ID         string
	ReceivedAt time.Time
	Source     string
	Payload    json.RawMessage
}

// Sink persists one drained batch. WriteBatch sees records in arrival
// order and may be called from concurrent flush goroutines.
type Sink interface {
	WriteBatch(ctx context.Context, batch []Record) error
}

// PrintSink logs every record instead of storing it. Useful for
// development and as the fallback when no store is configured.
type PrintSink struct {
	Log zerolog.Logger
}

func (s *PrintSink) WriteBatch(_ context.Context, batch []Record) error {
	for _, rec := range batch {
		s.Log.Info().
			Str("id", rec.ID).
			Str("source", rec.Source).
			Time("receivedAt", rec.ReceivedAt).
			RawJSON("payload", rec.Payload).
			Msg("record")
	}
	return nil
}

// newRecordID stamps records with sortable unique ids.
func newRecordID(t time.Time) string {
	return uid.New(t)
}
