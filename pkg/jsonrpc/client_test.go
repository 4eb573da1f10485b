package jsonrpc

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

// echoServer answers every call with its decoded envelope so tests can
// see exactly what went over the wire.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		env, err := Decode(raw)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		echo := map[string]any{"method": env.Method}
		if env.Params != nil {
			echo["params"] = env.Params
		}
		if env.Kwargs != nil {
			echo["kwargs"] = env.Kwargs
		}
		out, err := EncodeResult(echo)
		if err != nil {
			t.Errorf("encode response: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}))
}

func TestClientCall(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	client, err := Dial(srv.URL + "/RPC2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	v, err := client.Call("log.count", []any{"app"}, map[string]any{"since": "today"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	got, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", v)
	}
	if got["method"] != "log.count" {
		t.Fatalf("method echoed as %v", got["method"])
	}
	if !reflect.DeepEqual(got["params"], []any{"app"}) {
		t.Fatalf("params echoed as %#v", got["params"])
	}
}

func TestClientMethodChaining(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	client, err := Dial(srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	m := client.Method("system").Method("listMethods")
	if m.Name() != "system.listMethods" {
		t.Fatalf("accumulated name = %q", m.Name())
	}
	v, err := m.Call()
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if v.(map[string]any)["method"] != "system.listMethods" {
		t.Fatalf("dotted name not sent: %#v", v)
	}
}

func TestClientFaultPropagation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _ := EncodeFault(&Fault{Code: 7, Message: "nope"})
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}))
	defer srv.Close()

	client, err := Dial(srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_, err = client.Call("anything", nil, nil)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if fault.Code != 7 || fault.Message != "nope" {
		t.Fatalf("fault = %+v", fault)
	}
}

func TestDialRejectsBadSchemes(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "unix:///tmp/x.sock"} {
		if _, err := Dial(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestDialDefaultsHandlerPath(t *testing.T) {
	client, err := Dial("http://example.com")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if client.handler != DefaultHandlerPath {
		t.Fatalf("handler = %q", client.handler)
	}
}
