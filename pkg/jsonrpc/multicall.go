package jsonrpc

import (
	"fmt"
	"strings"
)

// MulticallMethod is the reserved server method for batched calls.
const MulticallMethod = "system.multicall"

// AsyncPrefix marks a batch entry for background execution; the full
// form is async:<correlation-id>:<real-method>.
const AsyncPrefix = "async:"

// AsyncMethod builds the reserved method name for an async entry. An
// empty id lets the server assign one.
func AsyncMethod(id, method string) string {
	return AsyncPrefix + id + ":" + method
}

// SplitAsync breaks an async:<id>:<method> name apart. ok is false for
// plain method names.
func SplitAsync(name string) (id, method string, ok bool) {
	if !strings.HasPrefix(name, AsyncPrefix) {
		return "", "", false
	}
	rest := name[len(AsyncPrefix):]
	i := strings.Index(rest, ":")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

type callSpec struct {
	method string
	params []any
	kwargs map[string]any
}

// MultiCall boxcars several calls into one system.multicall round
// trip. Calls accumulate in submission order; Call drains the batch,
// so a MultiCall executes its entries exactly once.
type MultiCall struct {
	client *Client
	calls  []callSpec
}

// NewMultiCall builds an empty batch bound to client.
func NewMultiCall(client *Client) *MultiCall {
	return &MultiCall{client: client}
}

// Add queues a positional-only call.
func (m *MultiCall) Add(method string, params ...any) {
	m.AddKw(method, params, nil)
}

// AddKw queues a call with keyword arguments.
func (m *MultiCall) AddKw(method string, params []any, kwargs map[string]any) {
	m.calls = append(m.calls, callSpec{method: method, params: params, kwargs: kwargs})
}

// AddAsync queues a fire-and-forget entry executed on a server worker.
// The inline reply slot carries the correlation id; the result arrives
// later on the completion channel configured by Emit.
func (m *MultiCall) AddAsync(id, method string, params ...any) {
	m.AddKw(AsyncMethod(id, method), params, nil)
}

// Emit queues the reserved system.emit entry configuring the
// completion push target for async entries later in this batch.
func (m *MultiCall) Emit(sseKey, eventName, pushURL, apiKey string) {
	m.AddKw(AsyncMethod("0", "system.emit"),
		[]any{sseKey, eventName},
		map[string]any{"url": pushURL, "api_key": apiKey})
}

// Len reports the number of queued entries.
func (m *MultiCall) Len() int { return len(m.calls) }

// Call executes the batch in one round trip and drains it. The result
// list is positional: entry i of the response corresponds to the i-th
// queued call.
func (m *MultiCall) Call() (*Results, error) {
	descriptors := make([]any, 0, len(m.calls))
	for _, c := range m.calls {
		d := map[string]any{"method": c.method}
		if len(c.params) > 0 {
			d["params"] = c.params
		}
		if len(c.kwargs) > 0 {
			d["kwargs"] = c.kwargs
		}
		descriptors = append(descriptors, d)
	}
	m.calls = nil

	v, err := m.client.Call(MulticallMethod, []any{descriptors}, nil)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("jsonrpc: unexpected multicall response %T", v)
	}
	return &Results{items: items}, nil
}

// Results is the positional outcome of one multicall. A success entry
// is a singleton list wrapping the value; a failure entry is an object
// carrying [code, message] under "error".
type Results struct {
	items []any
}

// Len reports the number of result records.
func (r *Results) Len() int { return len(r.items) }

// At unwraps entry i: the value for a success record, the entry's
// Fault for a failure record.
func (r *Results) At(i int) (any, error) {
	if i < 0 || i >= len(r.items) {
		return nil, fmt.Errorf("jsonrpc: multicall index %d out of range", i)
	}
	switch item := r.items[i].(type) {
	case []any:
		if len(item) != 1 {
			return nil, fmt.Errorf("jsonrpc: multicall entry %d is not a singleton", i)
		}
		return item[0], nil
	case map[string]any:
		pair, ok := item["error"].([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("jsonrpc: malformed multicall error entry %d", i)
		}
		code, _ := pair[0].(float64)
		msg, _ := pair[1].(string)
		return nil, &Fault{Code: int(code), Message: msg}
	}
	return nil, fmt.Errorf("jsonrpc: unexpected multicall entry type %T", r.items[i])
}
