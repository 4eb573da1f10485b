package jsonrpc

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSplitAsync(t *testing.T) {
	id, method, ok := SplitAsync("async:ABC:slow.op")
	if !ok || id != "ABC" || method != "slow.op" {
		t.Fatalf("got (%q, %q, %v)", id, method, ok)
	}
	if _, _, ok := SplitAsync("plain.method"); ok {
		t.Fatal("plain name parsed as async")
	}
	if _, _, ok := SplitAsync("async:noinner"); ok {
		t.Fatal("missing method segment parsed as async")
	}
}

func TestMultiCall(t *testing.T) {
	var captured *Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		env, err := Decode(raw)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		captured = env
		out, _ := EncodeResult([]any{
			[]any{"pong"},
			map[string]any{"error": []any{float64(3), "broken"}},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}))
	defer srv.Close()

	client, err := Dial(srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	mc := NewMultiCall(client)
	mc.Add("ping")
	mc.AddKw("log.tail", []any{float64(5)}, map[string]any{"source": "a"})
	if mc.Len() != 2 {
		t.Fatalf("len = %d", mc.Len())
	}

	results, err := mc.Call()
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if mc.Len() != 0 {
		t.Fatal("batch not drained after Call")
	}
	if captured.Method != MulticallMethod {
		t.Fatalf("wire method = %q", captured.Method)
	}
	descriptors := captured.Params[0].([]any)
	if len(descriptors) != 2 {
		t.Fatalf("descriptor count = %d", len(descriptors))
	}
	first := descriptors[0].(map[string]any)
	if first["method"] != "ping" {
		t.Fatalf("first descriptor = %#v", first)
	}
	if _, ok := first["params"]; ok {
		t.Fatal("empty params should be omitted from descriptors")
	}

	t.Run("success entry unwraps singleton", func(t *testing.T) {
		v, err := results.At(0)
		if err != nil {
			t.Fatalf("at(0): %v", err)
		}
		if v != "pong" {
			t.Fatalf("value = %v", v)
		}
	})

	t.Run("error entry yields fault", func(t *testing.T) {
		_, err := results.At(1)
		var fault *Fault
		if !errors.As(err, &fault) {
			t.Fatalf("expected fault, got %v", err)
		}
		if fault.Code != 3 || fault.Message != "broken" {
			t.Fatalf("fault = %+v", fault)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		if _, err := results.At(2); err == nil {
			t.Fatal("expected range error")
		}
	})
}

func TestMultiCallAsyncEntries(t *testing.T) {
	mc := NewMultiCall(nil)
	mc.Emit("stream-1", "done", "http://push.example/RPC2", "key")
	mc.AddAsync("ABC", "slow.op", float64(1))

	if len(mc.calls) != 2 {
		t.Fatalf("len = %d", len(mc.calls))
	}
	if !strings.HasPrefix(mc.calls[0].method, AsyncPrefix) ||
		!strings.HasSuffix(mc.calls[0].method, "system.emit") {
		t.Fatalf("emit method = %q", mc.calls[0].method)
	}
	if mc.calls[0].kwargs["url"] != "http://push.example/RPC2" {
		t.Fatalf("emit kwargs = %#v", mc.calls[0].kwargs)
	}
	if mc.calls[1].method != "async:ABC:slow.op" {
		t.Fatalf("async method = %q", mc.calls[1].method)
	}
}

func TestNewCallID(t *testing.T) {
	a, b := NewCallID(), NewCallID()
	if a == b {
		t.Fatal("ids must be unique")
	}
	if len(a) != 26 {
		t.Fatalf("unexpected id length %d", len(a))
	}
}
