package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	gopath "path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/rexliu/udplogd/pkg/jsonrpc"
)

// maxRequestBody bounds how much of an inbound request is read.
const maxRequestBody = 16 << 20

// Config carries the HTTP server knobs.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// APIKey, when set, requires a matching X-API-Key on every request.
	APIKey string
	// Debug exposes stack traces via fault messages and X-Traceback.
	Debug bool
	// EncodeThreshold is the response size at which gzip kicks in for
	// clients that accept it. Zero means the transport default;
	// negative disables response compression.
	EncodeThreshold int
	// Sequential serializes all dispatch through one mutex instead of
	// the default goroutine-per-connection execution.
	Sequential bool
	// EnableCORS wraps the handler with permissive CORS headers.
	EnableCORS bool
}

// Server mounts independent dispatch tables by request-path prefix on
// one listening endpoint. Unknown paths are a plain HTTP 404, distinct
// from a method-not-found fault on a known path.
type Server struct {
	cfg   Config
	log   zerolog.Logger
	paths map[string]*Dispatcher
	extra map[string]http.Handler

	seqMu   sync.Mutex
	httpSrv *http.Server
}

// New builds a Server with no mounted paths.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.EncodeThreshold == 0 {
		cfg.EncodeThreshold = jsonrpc.DefaultEncodeThreshold
	}
	return &Server{
		cfg:   cfg,
		log:   log,
		paths: make(map[string]*Dispatcher),
		extra: make(map[string]http.Handler),
	}
}

// Handle mounts d at path. Must be called before Start.
func (s *Server) Handle(path string, d *Dispatcher) {
	d.debug = d.debug || s.cfg.Debug
	s.paths[path] = d
}

// HandleHTTP mounts a plain http.Handler (the event stream endpoint)
// at an exact path, outside method dispatch.
func (s *Server) HandleHTTP(path string, h http.Handler) {
	s.extra[path] = h
}

// Handler returns the full http.Handler including CORS wrapping.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s
	if s.cfg.EnableCORS {
		h = cors.AllowAll().Handler(h)
	}
	return h
}

// Start begins serving on cfg.Addr. Non-blocking; Stop shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	return nil
}

// Stop drains in-flight requests and waits for async workers.
func (s *Server) Stop(ctx context.Context) error {
	for _, d := range s.paths {
		d.WaitAsync()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	if h, ok := s.extra[r.URL.Path]; ok {
		h.ServeHTTP(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.servePost(w, r)
	case http.MethodGet:
		s.serveGet(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	d, ok := s.paths[r.URL.Path]
	if !ok {
		http.Error(w, fmt.Sprintf("no dispatch table at %s", r.URL.Path), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
	case "gzip":
		body, err = jsonrpc.GzipDecode(body, maxRequestBody)
		if err != nil {
			http.Error(w, "bad gzip body", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, fmt.Sprintf("encoding %q not supported", enc), http.StatusNotImplemented)
		return
	}

	env, err := jsonrpc.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if env.Kind != jsonrpc.KindCall {
		http.Error(w, "request body is not a call", http.StatusBadRequest)
		return
	}
	s.respond(w, r, d, env.Method, env.Params, env.Kwargs)
}

// serveGet maps /table/method?k=v&positional onto a call: a bare query
// token is a positional argument, k=v pairs become kwargs.
func (s *Server) serveGet(w http.ResponseWriter, r *http.Request) {
	tablePath, method := gopath.Split(r.URL.Path)
	if method == "" {
		http.Error(w, "no method in path", http.StatusNotFound)
		return
	}
	if tablePath != "/" {
		tablePath = strings.TrimSuffix(tablePath, "/")
	}
	d, ok := s.paths[tablePath]
	if !ok {
		http.Error(w, fmt.Sprintf("no dispatch table at %s", tablePath), http.StatusNotFound)
		return
	}

	params, kwargs, err := parseQueryArgs(r.URL.RawQuery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, r, d, method, params, kwargs)
}

// parseQueryArgs keeps the wire order of bare tokens, which url.Values
// would lose.
func parseQueryArgs(rawQuery string) ([]any, map[string]any, error) {
	var params []any
	var kwargs map[string]any
	if rawQuery == "" {
		return nil, nil, nil
	}
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, nil, fmt.Errorf("bad query token %q", part)
		}
		if !found {
			params = append(params, k)
			continue
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, nil, fmt.Errorf("bad query token %q", part)
		}
		if kwargs == nil {
			kwargs = make(map[string]any)
		}
		kwargs[k] = v
	}
	return params, kwargs, nil
}

// respond dispatches the call and writes the encoded envelope. A crash
// in the serving layer itself (not the handler; those become faults)
// produces a 500 with X-Exception, plus X-Traceback in debug mode.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, d *Dispatcher, method string, params []any, kwargs map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			w.Header().Set("X-Exception", fmt.Sprintf("%v", rec))
			if s.cfg.Debug {
				w.Header().Set("X-Traceback", string(debug.Stack()))
			}
			w.WriteHeader(http.StatusInternalServerError)
			s.log.Error().Str("method", method).Interface("panic", rec).
				Msg("serving layer crashed")
		}
	}()

	if s.cfg.Sequential {
		s.seqMu.Lock()
	}
	v, fault := d.Dispatch(method, params, kwargs)
	if s.cfg.Sequential {
		s.seqMu.Unlock()
	}

	var out []byte
	var err error
	if fault != nil {
		out, err = jsonrpc.EncodeFault(fault)
	} else {
		out, err = jsonrpc.EncodeResult(v)
	}
	if err != nil {
		panic(fmt.Sprintf("encode response: %v", err))
	}

	w.Header().Set("Content-Type", "application/json")
	if s.acceptsGzip(r) && s.cfg.EncodeThreshold >= 0 && len(out) >= s.cfg.EncodeThreshold {
		if enc, gerr := jsonrpc.GzipEncode(out); gerr == nil {
			out = enc
			w.Header().Set("Content-Encoding", "gzip")
		}
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(out)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.log.Debug().Err(err).Str("method", method).Msg("response write failed")
	}
}

func (s *Server) acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}
