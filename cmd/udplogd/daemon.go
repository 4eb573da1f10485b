package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexliu/udplogd/pkg/config"
	"github.com/rexliu/udplogd/pkg/jsonrpc/server"
	"github.com/rexliu/udplogd/pkg/sse"
	"github.com/rexliu/udplogd/pkg/storage/sqlite"
	"github.com/rexliu/udplogd/pkg/udplog"
)

// daemon wires the ingest pipeline to the RPC and event surfaces.
type daemon struct {
	cfg      *config.Config
	log      zerolog.Logger
	listener *udplog.Listener
	store    *sqlite.Store // nil for the print backend
	hub      *sse.Hub
	started  time.Time
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	d := &daemon{cfg: cfg, log: log, started: time.Now()}

	var sink udplog.Sink
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		d.store = store
		sink = store
	default:
		sink = &udplog.PrintSink{Log: log}
	}

	queue := udplog.NewQueue(cfg.Queue.FlushSize, cfg.Queue.FlushInterval(), sink, log)
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		queue.Run(ctx)
	}()

	listener, err := udplog.Listen(cfg.UDP.Addr, cfg.UDP.RatePerSec, cfg.UDP.Burst, queue, log)
	if err != nil {
		return fmt.Errorf("udp listen: %w", err)
	}
	d.listener = listener
	go func() {
		if err := listener.Run(ctx); err != nil {
			log.Error().Err(err).Msg("udp listener failed")
		}
	}()

	d.hub = sse.NewHub(log)
	defer d.hub.Close()

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		APIKey:          cfg.Server.APIKey,
		Debug:           cfg.Server.Debug,
		EncodeThreshold: cfg.Server.EncodeThreshold,
		Sequential:      cfg.Server.Sequential,
		EnableCORS:      cfg.Server.EnableCORS,
	}, log)
	dispatcher := d.newDispatcher()
	for _, path := range cfg.Server.Paths {
		srv.Handle(path, dispatcher)
	}
	srv.HandleHTTP("/events", d.hub)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("rpc shutdown incomplete")
	}
	<-queueDone
	return nil
}

// newDispatcher builds the daemon's method table.
func (d *daemon) newDispatcher() *server.Dispatcher {
	disp := server.NewDispatcher(d.log)
	disp.SetDebug(d.cfg.Server.Debug)
	disp.EnableIntrospection()
	disp.EnableMulticall()
	if d.cfg.Emit.URL != "" {
		disp.SetDefaultEmit("", "message", d.cfg.Emit.URL, d.cfg.Emit.APIKey)
	}

	disp.Register("ping", d.ping)
	disp.Describe("ping", "return the daemon's current time and uptime")
	disp.Register("stats", d.stats)
	disp.Describe("stats", "return ingest counters")
	disp.Register("log.count", d.logCount)
	disp.Describe("log.count", "return the number of stored records")
	disp.Register("log.tail", d.logTail)
	disp.Describe("log.tail", "return the newest records, newest first")
	disp.Register("ann.emit_async", d.emitAsync)
	disp.Describe("ann.emit_async", "publish an async completion to the event stream")
	return disp
}

func (d *daemon) ping(_ []any, _ map[string]any) (any, error) {
	return map[string]any{
		"now":    time.Now().UnixMilli(),
		"uptime": time.Since(d.started).String(),
	}, nil
}

func (d *daemon) stats(_ []any, _ map[string]any) (any, error) {
	s := d.listener.Stats()
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *daemon) logCount(_ []any, _ map[string]any) (any, error) {
	if d.store == nil {
		return nil, fmt.Errorf("no record store configured")
	}
	return d.store.Count(context.Background())
}

func (d *daemon) logTail(params []any, kwargs map[string]any) (any, error) {
	if d.store == nil {
		return nil, fmt.Errorf("no record store configured")
	}
	limit := 10
	if len(params) > 0 {
		if f, ok := params[0].(float64); ok {
			limit = int(f)
		}
	}
	if f, ok := kwargs["limit"].(float64); ok {
		limit = int(f)
	}
	records, err := d.store.Tail(context.Background(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(records))
	for _, rec := range records {
		var payload any
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			payload = string(rec.Payload)
		}
		out = append(out, map[string]any{
			"id":         rec.ID,
			"receivedAt": rec.ReceivedAt.UnixMilli(),
			"source":     rec.Source,
			"payload":    payload,
		})
	}
	return out, nil
}

// emitAsync closes the async-multicall loop: completion pushes land
// here and fan out to event-stream subscribers.
func (d *daemon) emitAsync(params []any, _ map[string]any) (any, error) {
	if len(params) != 4 {
		return nil, fmt.Errorf("ann.emit_async expects (ssekey, eventname, id, result)")
	}
	sseKey, _ := params[0].(string)
	eventName, _ := params[1].(string)
	id, _ := params[2].(string)
	payload, err := json.Marshal(map[string]any{
		"key":    sseKey,
		"id":     id,
		"result": params[3],
	})
	if err != nil {
		return nil, err
	}
	if eventName == "" {
		eventName = "message"
	}
	d.hub.Publish(sse.Event{Name: eventName, Data: []string{string(payload)}, ID: id})
	return true, nil
}
