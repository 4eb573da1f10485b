package server

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rexliu/udplogd/pkg/jsonrpc"
)

type capturedPush struct {
	sseKey    string
	eventName string
	id        string
	result    any
}

type captureAnnouncer struct {
	mu     sync.Mutex
	url    string
	apiKey string
	pushes []capturedPush
}

func (a *captureAnnouncer) EmitAsync(sseKey, eventName, id string, result any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes = append(a.pushes, capturedPush{sseKey, eventName, id, result})
	return nil
}

func (a *captureAnnouncer) snapshot() []capturedPush {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]capturedPush(nil), a.pushes...)
}

func newMulticallDispatcher(t *testing.T) (*Dispatcher, *captureAnnouncer) {
	t.Helper()
	d := newTestDispatcher()
	d.EnableMulticall()
	ann := &captureAnnouncer{}
	d.SetAnnouncerFactory(func(url, apiKey string) Announcer {
		ann.url, ann.apiKey = url, apiKey
		return ann
	})
	d.Register("add", func(params []any, _ map[string]any) (any, error) {
		a, _ := params[0].(float64)
		b, _ := params[1].(float64)
		return a + b, nil
	})
	d.Register("fail", func(_ []any, _ map[string]any) (any, error) {
		return nil, errors.New("entry broke")
	})
	return d, ann
}

func call(method string, params ...any) map[string]any {
	desc := map[string]any{"method": method}
	if len(params) > 0 {
		desc["params"] = params
	}
	return desc
}

func TestMulticallIsolation(t *testing.T) {
	d, _ := newMulticallDispatcher(t)

	batch := []any{
		call("add", float64(1), float64(2)),
		call("fail"),
		call("add", float64(3), float64(4)),
	}
	v, fault := d.Dispatch(jsonrpc.MulticallMethod, []any{batch}, nil)
	if fault != nil {
		t.Fatalf("fault: %v", fault)
	}
	results := v.([]any)
	if len(results) != 3 {
		t.Fatalf("expected 3 records, got %d", len(results))
	}
	if !reflect.DeepEqual(results[0], []any{float64(3)}) {
		t.Fatalf("first record = %#v", results[0])
	}
	rec, ok := results[1].(map[string]any)
	if !ok {
		t.Fatalf("failed entry record = %#v", results[1])
	}
	pair := rec["error"].([]any)
	if pair[0] != 1 || pair[1] != "entry broke" {
		t.Fatalf("error pair = %#v", pair)
	}
	if !reflect.DeepEqual(results[2], []any{float64(7)}) {
		t.Fatalf("third record survived as %#v", results[2])
	}
}

func TestMulticallMalformedEntries(t *testing.T) {
	d, _ := newMulticallDispatcher(t)

	batch := []any{
		"not an object",
		map[string]any{"params": []any{}},
	}
	v, fault := d.Dispatch(jsonrpc.MulticallMethod, []any{batch}, nil)
	if fault != nil {
		t.Fatalf("fault: %v", fault)
	}
	for i, rec := range v.([]any) {
		if _, ok := rec.(map[string]any); !ok {
			t.Fatalf("record %d should be an error record, got %#v", i, rec)
		}
	}
}

func TestMulticallAsync(t *testing.T) {
	d, ann := newMulticallDispatcher(t)

	batch := []any{
		map[string]any{
			"method": "async:0:system.emit",
			"params": []any{"stream-1", "done"},
			"kwargs": map[string]any{"url": "http://push.example/RPC2", "api_key": "k"},
		},
		call("async:ABC:add", float64(2), float64(3)),
		call("async:DEF:fail"),
	}
	v, fault := d.Dispatch(jsonrpc.MulticallMethod, []any{batch}, nil)
	if fault != nil {
		t.Fatalf("fault: %v", fault)
	}
	results := v.([]any)
	if !reflect.DeepEqual(results[0], []any{true}) {
		t.Fatalf("emit record = %#v", results[0])
	}
	if !reflect.DeepEqual(results[1], []any{"ABC"}) {
		t.Fatalf("async ack = %#v", results[1])
	}
	if !reflect.DeepEqual(results[2], []any{"DEF"}) {
		t.Fatalf("async ack = %#v", results[2])
	}

	d.WaitAsync()
	pushes := ann.snapshot()
	if len(pushes) != 2 {
		t.Fatalf("expected 2 completion pushes, got %d", len(pushes))
	}
	if ann.url != "http://push.example/RPC2" || ann.apiKey != "k" {
		t.Fatalf("announcer target = %q/%q", ann.url, ann.apiKey)
	}
	byID := map[string]capturedPush{}
	for _, p := range pushes {
		if p.sseKey != "stream-1" || p.eventName != "done" {
			t.Fatalf("push channel = %+v", p)
		}
		byID[p.id] = p
	}
	if got := byID["ABC"].result; got != float64(5) {
		t.Fatalf("ABC result = %#v", got)
	}
	if rec, ok := byID["DEF"].result.(map[string]any); !ok || rec["error"] == nil {
		t.Fatalf("DEF should push an error record, got %#v", byID["DEF"].result)
	}
}

func TestMulticallAsyncWithoutChannel(t *testing.T) {
	d, ann := newMulticallDispatcher(t)
	var ran atomic.Int32
	d.Register("side.effect", func(_ []any, _ map[string]any) (any, error) {
		ran.Add(1)
		return true, nil
	})

	v, fault := d.Dispatch(jsonrpc.MulticallMethod,
		[]any{[]any{call("async:ABC:side.effect")}}, nil)
	if fault != nil {
		t.Fatalf("fault: %v", fault)
	}
	results := v.([]any)
	if !reflect.DeepEqual(results[0], []any{nil}) {
		t.Fatalf("expected [null] ack, got %#v", results[0])
	}
	d.WaitAsync()
	if got := ran.Load(); got != 1 {
		t.Fatalf("fire-and-forget entry ran %d times, want 1", got)
	}
	if len(ann.snapshot()) != 0 {
		t.Fatal("no push expected without a configured channel")
	}
}

func TestMulticallGeneratesIDs(t *testing.T) {
	d, ann := newMulticallDispatcher(t)

	batch := []any{
		map[string]any{
			"method": "async:0:system.emit",
			"params": []any{"s", "e"},
			"kwargs": map[string]any{"url": "http://push.example/RPC2"},
		},
		call("async::add", float64(1), float64(1)),
	}
	v, fault := d.Dispatch(jsonrpc.MulticallMethod, []any{batch}, nil)
	if fault != nil {
		t.Fatalf("fault: %v", fault)
	}
	ack := v.([]any)[1].([]any)
	id, ok := ack[0].(string)
	if !ok || id == "" {
		t.Fatalf("expected generated id, got %#v", ack)
	}
	d.WaitAsync()
	pushes := ann.snapshot()
	if len(pushes) != 1 || pushes[0].id != id {
		t.Fatalf("push id mismatch: %#v vs ack %q", pushes, id)
	}
}
