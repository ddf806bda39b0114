package session

import (
	"fmt"
	"sync/atomic"
	"time"
)

var idCounter uint64

// newIDGenerator returns ids of the form "<unixnano>-<counter>", unique
// within a process and monotonically informative for debugging, the same
// shape the teacher's generateNonce/generateClientID produce
// (pkg/websocket/client.go) but without the weak per-call randomness.
func newIDGenerator() func() string {
	return func() string {
		n := atomic.AddUint64(&idCounter, 1)
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
	}
}
