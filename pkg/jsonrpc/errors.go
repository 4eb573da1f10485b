package jsonrpc

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
)

// ErrMalformedEnvelope reports a payload that is not a JSON object or
// carries none of the method/result/error keys.
var ErrMalformedEnvelope = errors.New("jsonrpc: malformed envelope")

// Fault is an application-level RPC error with a numeric code. It is
// both raised by clients on an error envelope and constructed by
// servers to produce one.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// Faultf builds a Fault from a format string.
func Faultf(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ProtocolError is returned when the server answers with a non-200
// status. Body is already gzip-decoded when the response carried the
// gzip magic bytes.
type ProtocolError struct {
	URL        string
	StatusCode int
	Reason     string
	Body       []byte
	Header     http.Header
}

func (e *ProtocolError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("protocol error for %s: %d %s", e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("protocol error for %s: %d %s: %s", e.URL, e.StatusCode, e.Reason, e.Body)
}

// retryable reports whether err looks like a closed or reset cached
// connection. Only these conditions are worth one transparent retry;
// everything else propagates to the caller.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
