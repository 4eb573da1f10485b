package jsonrpc

import (
	"time"

	"github.com/rexliu/udplogd/pkg/uid"
)

// NewCallID generates a URL-safe correlation id for async multicall
// entries.
func NewCallID() string {
	return uid.New(time.Now())
}
