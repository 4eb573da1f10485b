// Package server hosts JSON-RPC method dispatch over HTTP: a registry
// of handlers per path, introspection, batched multicall with async
// workers, and response encoding with gzip negotiation.
package server

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rexliu/udplogd/pkg/jsonrpc"
)

// HandlerFunc executes one method call. Returning a *jsonrpc.Fault
// keeps its code; any other error becomes a code-1 fault.
type HandlerFunc func(params []any, kwargs map[string]any) (any, error)

// CallReceiver is a registered instance that takes over resolution:
// the whole (method, params, kwargs) triple is delegated to it for any
// name without an exact registered function.
type CallReceiver interface {
	DispatchCall(method string, params []any, kwargs map[string]any) (any, error)
}

// MethodProvider is a registered instance exposing an explicit method
// table. Names resolve against the table after the private-segment
// check; the table is read once at registration time.
type MethodProvider interface {
	RPCMethods() map[string]HandlerFunc
}

// Dispatcher resolves method names to handlers and executes them,
// converting every failure mode into a fault. Registration happens at
// startup; afterwards a Dispatcher is safe for concurrent dispatch
// without internal locking. Handler thread safety belongs to handlers.
type Dispatcher struct {
	funcs    map[string]HandlerFunc
	help     map[string]string
	receiver CallReceiver
	instance map[string]HandlerFunc
	debug    bool
	log      zerolog.Logger

	mc multicallState
}

// NewDispatcher builds an empty dispatch table.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		funcs:    make(map[string]HandlerFunc),
		help:     make(map[string]string),
		instance: make(map[string]HandlerFunc),
		log:      log,
	}
	d.mc.announce = dialAnnouncer
	return d
}

// SetDebug appends stack traces to fault messages and error headers.
func (d *Dispatcher) SetDebug(on bool) { d.debug = on }

// Register installs fn for the exact method name.
func (d *Dispatcher) Register(name string, fn HandlerFunc) {
	d.funcs[name] = fn
}

// Describe attaches help text returned by system.methodHelp.
func (d *Dispatcher) Describe(name, help string) {
	d.help[name] = help
}

// RegisterInstance installs inst as the fallback behind exact
// registrations. An instance with a DispatchCall method receives every
// unresolved call whole; one with an RPCMethods table gets its methods
// resolved by name, with underscore-prefixed path segments rejected.
func (d *Dispatcher) RegisterInstance(inst any) {
	if r, ok := inst.(CallReceiver); ok {
		d.receiver = r
	}
	if p, ok := inst.(MethodProvider); ok {
		for name, fn := range p.RPCMethods() {
			d.instance[name] = fn
		}
	}
}

// EnableIntrospection registers the system.listMethods,
// system.methodSignature and system.methodHelp builtins.
func (d *Dispatcher) EnableIntrospection() {
	d.Register("system.listMethods", func(_ []any, _ map[string]any) (any, error) {
		return d.listMethods(), nil
	})
	d.Describe("system.listMethods", "list the names of all registered methods")
	d.Register("system.methodSignature", func(params []any, _ map[string]any) (any, error) {
		return "signatures not supported", nil
	})
	d.Describe("system.methodSignature", "method signatures are not introspectable")
	d.Register("system.methodHelp", func(params []any, _ map[string]any) (any, error) {
		if len(params) != 1 {
			return nil, jsonrpc.Faultf(1, "system.methodHelp expects a method name")
		}
		name, _ := params[0].(string)
		return d.help[name], nil
	})
	d.Describe("system.methodHelp", "return the help text for a method")
}

func (d *Dispatcher) listMethods() []string {
	names := make([]string, 0, len(d.funcs)+len(d.instance))
	for name := range d.funcs {
		names = append(names, name)
	}
	for name := range d.instance {
		if _, dup := d.funcs[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Dispatch resolves and executes one call, absorbing handler errors
// and panics into the returned fault. The result is exactly one of
// value or fault.
func (d *Dispatcher) Dispatch(method string, params []any, kwargs map[string]any) (value any, fault *jsonrpc.Fault) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			if d.debug {
				msg += "\n" + string(debug.Stack())
			}
			value, fault = nil, jsonrpc.Faultf(1, "%s", msg)
		}
	}()

	fn, ferr := d.resolve(method)
	if ferr != nil {
		return nil, ferr
	}
	v, err := fn(params, kwargs)
	if err != nil {
		return nil, d.toFault(err)
	}
	return v, nil
}

func (d *Dispatcher) resolve(method string) (HandlerFunc, *jsonrpc.Fault) {
	if fn, ok := d.funcs[method]; ok {
		return fn, nil
	}
	if d.receiver != nil {
		r := d.receiver
		return func(params []any, kwargs map[string]any) (any, error) {
			return r.DispatchCall(method, params, kwargs)
		}, nil
	}
	if hasPrivateSegment(method) {
		return nil, methodNotFound(method)
	}
	if fn, ok := d.instance[method]; ok {
		return fn, nil
	}
	return nil, methodNotFound(method)
}

// hasPrivateSegment rejects any dotted path segment starting with an
// underscore, regardless of whether the name exists.
func hasPrivateSegment(method string) bool {
	for _, seg := range strings.Split(method, ".") {
		if strings.HasPrefix(seg, "_") {
			return true
		}
	}
	return false
}

func methodNotFound(method string) *jsonrpc.Fault {
	return jsonrpc.Faultf(1, "method %q is not supported", method)
}

func (d *Dispatcher) toFault(err error) *jsonrpc.Fault {
	if f, ok := err.(*jsonrpc.Fault); ok {
		return f
	}
	msg := err.Error()
	if d.debug {
		msg += "\n" + string(debug.Stack())
	}
	return jsonrpc.Faultf(1, "%s", msg)
}
