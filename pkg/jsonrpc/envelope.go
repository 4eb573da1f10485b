// Package jsonrpc implements the wire codec, HTTP transport, client
// proxy and multicall batching for the JSON-RPC dialect spoken by
// udplogd.
//
// The wire format is a single JSON object per HTTP body:
//
//	{"method": "ns.op", "params": [...], "kwargs": {...}}   call
//	{"result": ...}                                         result
//	{"error": [code, "message"]}                            fault
//
// params and kwargs are omitted when empty. Binary payloads travel as
// {"__binary__": base64} and round-trip to identical bytes.
package jsonrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf16"
)

// Kind selects the envelope variant. Exactly one variant is populated.
type Kind int

const (
	KindCall Kind = iota
	KindResult
)

// Envelope is the decoded form of one wire object. Fault envelopes are
// never returned as values; Decode surfaces them as *Fault errors.
type Envelope struct {
	Kind   Kind
	Method string
	Params []any
	Kwargs map[string]any
	Result any
}

// Binary wraps opaque bytes for transport inside JSON values.
type Binary []byte

type binaryWire struct {
	Data string `json:"__binary__"`
}

func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(binaryWire{Data: base64.StdEncoding.EncodeToString(b)})
}

func (b *Binary) UnmarshalJSON(data []byte) error {
	var w binaryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

// EncoderHook converts scalar extension values to JSON-encodable ones
// before generic serialization. It returns the replacement and true
// when it handled the value.
type EncoderHook func(v any) (any, bool)

// DefaultHook covers the extension scalars the daemon itself emits.
func DefaultHook(v any) (any, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02 15:04:05"), true
	case time.Duration:
		return t.String(), true
	}
	return nil, false
}

type encodeConfig struct {
	hook  EncoderHook
	ascii bool
}

// EncodeOption adjusts envelope encoding.
type EncodeOption func(*encodeConfig)

// WithHook installs an encoder hook consulted before DefaultHook.
func WithHook(h EncoderHook) EncodeOption {
	return func(c *encodeConfig) { c.hook = h }
}

// ASCIIOnly escapes every non-ASCII rune in the encoded text. It is
// the fallback for peers that cannot accept raw UTF-8 bytes.
func ASCIIOnly() EncodeOption {
	return func(c *encodeConfig) { c.ascii = true }
}

// EncodeCall serializes a call envelope. The method name must be
// non-empty; params and kwargs keys are dropped when empty.
func EncodeCall(method string, params []any, kwargs map[string]any, opts ...EncodeOption) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: empty method", ErrMalformedEnvelope)
	}
	cfg := apply(opts)
	body := make(map[string]any, 3)
	body["method"] = method
	if len(params) > 0 {
		body["params"] = cfg.prepareSlice(params)
	}
	if len(kwargs) > 0 {
		body["kwargs"] = cfg.prepareMap(kwargs)
	}
	return cfg.marshal(body)
}

// EncodeResult serializes a result envelope.
func EncodeResult(v any, opts ...EncodeOption) ([]byte, error) {
	cfg := apply(opts)
	return cfg.marshal(map[string]any{"result": cfg.prepare(v)})
}

// EncodeFault serializes a fault envelope as {"error":[code,message]}.
func EncodeFault(f *Fault, opts ...EncodeOption) ([]byte, error) {
	cfg := apply(opts)
	return cfg.marshal(map[string]any{"error": []any{f.Code, f.Message}})
}

func apply(opts []EncodeOption) *encodeConfig {
	cfg := &encodeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *encodeConfig) marshal(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	if c.ascii {
		out = escapeNonASCII(out)
	}
	return out, nil
}

// prepare applies the encoder hooks to a value tree. Containers are
// walked; everything else is offered to the hooks and otherwise left
// for encoding/json.
func (c *encodeConfig) prepare(v any) any {
	switch t := v.(type) {
	case []any:
		return c.prepareSlice(t)
	case map[string]any:
		return c.prepareMap(t)
	case Binary, *Binary, nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return v
	}
	if c.hook != nil {
		if out, ok := c.hook(v); ok {
			return out
		}
	}
	if out, ok := DefaultHook(v); ok {
		return out
	}
	return v
}

func (c *encodeConfig) prepareSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = c.prepare(v)
	}
	return out
}

func (c *encodeConfig) prepareMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = c.prepare(v)
	}
	return out
}

func escapeNonASCII(in []byte) []byte {
	var buf bytes.Buffer
	for _, r := range string(in) {
		if r < 0x80 {
			buf.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&buf, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&buf, `\u%04x`, r)
	}
	return buf.Bytes()
}

// Decode parses one wire object. Calls and results come back as an
// Envelope; an error envelope is raised immediately as a *Fault so a
// result-expecting caller can never mistake a fault for a value.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if m, ok := raw["method"]; ok {
		env := &Envelope{Kind: KindCall}
		if err := json.Unmarshal(m, &env.Method); err != nil {
			return nil, fmt.Errorf("%w: bad method: %v", ErrMalformedEnvelope, err)
		}
		if env.Method == "" {
			return nil, fmt.Errorf("%w: empty method", ErrMalformedEnvelope)
		}
		if p, ok := raw["params"]; ok {
			if err := json.Unmarshal(p, &env.Params); err != nil {
				return nil, fmt.Errorf("%w: bad params: %v", ErrMalformedEnvelope, err)
			}
			env.Params = rehydrateSlice(env.Params)
		}
		if k, ok := raw["kwargs"]; ok {
			if err := json.Unmarshal(k, &env.Kwargs); err != nil {
				return nil, fmt.Errorf("%w: bad kwargs: %v", ErrMalformedEnvelope, err)
			}
			env.Kwargs = rehydrateMap(env.Kwargs)
		}
		return env, nil
	}
	if r, ok := raw["result"]; ok {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("%w: bad result: %v", ErrMalformedEnvelope, err)
		}
		return &Envelope{Kind: KindResult, Result: rehydrate(v)}, nil
	}
	if e, ok := raw["error"]; ok {
		return nil, decodeFault(e)
	}
	return nil, fmt.Errorf("%w: no method, result or error key", ErrMalformedEnvelope)
}

func decodeFault(raw json.RawMessage) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return fmt.Errorf("%w: bad error pair", ErrMalformedEnvelope)
	}
	f := &Fault{}
	if err := json.Unmarshal(pair[0], &f.Code); err != nil {
		return fmt.Errorf("%w: bad fault code", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(pair[1], &f.Message); err != nil {
		return fmt.Errorf("%w: bad fault message", ErrMalformedEnvelope)
	}
	return f
}

// rehydrate replaces {"__binary__": ...} wrappers anywhere in a decoded
// value tree with Binary, mirroring the encoder's object hook.
func rehydrate(v any) any {
	switch t := v.(type) {
	case []any:
		return rehydrateSlice(t)
	case map[string]any:
		if len(t) == 1 {
			if enc, ok := t["__binary__"].(string); ok {
				if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
					return Binary(raw)
				}
			}
		}
		return rehydrateMap(t)
	}
	return v
}

func rehydrateSlice(in []any) []any {
	for i, v := range in {
		in[i] = rehydrate(v)
	}
	return in
}

func rehydrateMap(in map[string]any) map[string]any {
	for k, v := range in {
		in[k] = rehydrate(v)
	}
	return in
}
