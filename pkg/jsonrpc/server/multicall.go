package server

import (
	"sync"

	"github.com/rexliu/udplogd/pkg/jsonrpc"
)

// Announcer delivers one async-multicall completion to the push
// target configured by the batch's system.emit entry.
type Announcer interface {
	EmitAsync(sseKey, eventName, id string, result any) error
}

// AnnouncerFactory builds the outbound channel for a push target.
type AnnouncerFactory func(url, apiKey string) Announcer

type multicallState struct {
	announce    AnnouncerFactory
	defaultEmit *emitTarget
	workers     sync.WaitGroup
}

// emitTarget is the completion channel for async entries later in the
// same batch.
type emitTarget struct {
	sseKey    string
	eventName string
	ann       Announcer
}

// dialAnnouncer pushes completions by calling ann.emit_async on a
// fresh outbound RPC connection per push.
func dialAnnouncer(url, apiKey string) Announcer {
	return &rpcAnnouncer{url: url, apiKey: apiKey}
}

type rpcAnnouncer struct {
	url    string
	apiKey string
}

func (a *rpcAnnouncer) EmitAsync(sseKey, eventName, id string, result any) error {
	client, err := jsonrpc.Dial(a.url, jsonrpc.WithAPIKey(a.apiKey))
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.Call("ann.emit_async", []any{sseKey, eventName, id, result}, nil)
	return err
}

// SetAnnouncerFactory replaces the outbound push channel. Intended for
// composition roots that deliver completions in-process.
func (d *Dispatcher) SetAnnouncerFactory(f AnnouncerFactory) {
	d.mc.announce = f
}

// SetDefaultEmit configures a completion channel used when a batch
// carries async entries but no system.emit entry of its own. An empty
// url clears it.
func (d *Dispatcher) SetDefaultEmit(sseKey, eventName, url, apiKey string) {
	if url == "" {
		d.mc.defaultEmit = nil
		return
	}
	if eventName == "" {
		eventName = "message"
	}
	d.mc.defaultEmit = &emitTarget{
		sseKey:    sseKey,
		eventName: eventName,
		ann:       d.mc.announce(url, apiKey),
	}
}

// WaitAsync blocks until every spawned async worker, including its
// completion push, has finished. Used on shutdown and in tests.
func (d *Dispatcher) WaitAsync() {
	d.mc.workers.Wait()
}

// EnableMulticall registers the system.multicall builtin on d.
func (d *Dispatcher) EnableMulticall() {
	d.Register(jsonrpc.MulticallMethod, d.multicall)
	d.Describe(jsonrpc.MulticallMethod, "execute a batch of calls in one round trip")
}

// multicall executes a batch of call descriptors in submission order.
// Each entry yields exactly one positional record: a singleton list on
// success, an {"error": [code, message]} object on failure. One
// entry's failure never aborts its siblings.
func (d *Dispatcher) multicall(params []any, _ map[string]any) (any, error) {
	if len(params) != 1 {
		return nil, jsonrpc.Faultf(1, "system.multicall expects a single list of calls")
	}
	calls, ok := params[0].([]any)
	if !ok {
		return nil, jsonrpc.Faultf(1, "system.multicall expects a list of calls")
	}

	emit := d.mc.defaultEmit
	results := make([]any, len(calls))
	for i, raw := range calls {
		results[i] = d.dispatchEntry(raw, &emit)
	}
	return results, nil
}

func (d *Dispatcher) dispatchEntry(raw any, emit **emitTarget) any {
	desc, ok := raw.(map[string]any)
	if !ok {
		return errorRecord(jsonrpc.Faultf(1, "multicall entry is not an object"))
	}
	method, _ := desc["method"].(string)
	if method == "" {
		return errorRecord(jsonrpc.Faultf(1, "multicall entry has no method"))
	}
	params, _ := desc["params"].([]any)
	kwargs, _ := desc["kwargs"].(map[string]any)

	if id, inner, async := jsonrpc.SplitAsync(method); async {
		if inner == "system.emit" {
			return d.configureEmit(params, kwargs, emit)
		}
		return d.spawnAsync(id, inner, params, kwargs, *emit)
	}
	if method == "system.emit" {
		return d.configureEmit(params, kwargs, emit)
	}

	v, fault := d.Dispatch(method, params, kwargs)
	if fault != nil {
		return errorRecord(fault)
	}
	return []any{v}
}

// configureEmit installs the completion channel for the async entries
// that follow in this batch.
func (d *Dispatcher) configureEmit(params []any, kwargs map[string]any, emit **emitTarget) any {
	if len(params) != 2 {
		return errorRecord(jsonrpc.Faultf(1, "system.emit expects (ssekey, eventname)"))
	}
	sseKey, _ := params[0].(string)
	eventName, _ := params[1].(string)
	url, _ := kwargs["url"].(string)
	apiKey, _ := kwargs["api_key"].(string)
	if url == "" {
		return errorRecord(jsonrpc.Faultf(1, "system.emit requires a url"))
	}
	*emit = &emitTarget{
		sseKey:    sseKey,
		eventName: eventName,
		ann:       d.mc.announce(url, apiKey),
	}
	return []any{true}
}

// spawnAsync runs one entry on its own worker and answers its inline
// slot immediately: [id] when a completion channel exists, [null] when
// none does. The entry runs either way; without a channel it is
// fire-and-forget and only the completion push is skipped.
func (d *Dispatcher) spawnAsync(id, method string, params []any, kwargs map[string]any, emit *emitTarget) any {
	ack := any(nil)
	if emit != nil {
		if id == "" || id == "0" {
			id = jsonrpc.NewCallID()
		}
		ack = id
	}
	d.mc.workers.Add(1)
	go func() {
		defer d.mc.workers.Done()
		v, fault := d.Dispatch(method, params, kwargs)
		if emit == nil {
			return
		}
		var payload any
		if fault != nil {
			payload = errorRecord(fault)
		} else {
			payload = v
		}
		if err := emit.ann.EmitAsync(emit.sseKey, emit.eventName, id, payload); err != nil {
			d.log.Warn().Err(err).Str("method", method).Str("id", id).
				Msg("async completion push failed")
		}
	}()
	return []any{ack}
}

func errorRecord(f *jsonrpc.Fault) map[string]any {
	return map[string]any{"error": []any{f.Code, f.Message}}
}
