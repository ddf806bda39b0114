package session

import (
	"time"

	"github.com/odinrealtime/rdb-go/internal/wire"
)

// kind classifies a pendingEntry for the disconnect-partition logic of
// spec.md §4.4: connect/reconnect/noop are tied to one physical
// connection and are dropped on disconnect; everything else survives.
type kind int

const (
	kindConnect kind = iota
	kindReconnect
	kindNoop
	kindAuth
	kindDeauth
	kindMutate
	kindMerge
	kindDelete
	kindSubscribe
	kindUnsubscribe
	kindFetch
	kindAck
)

func bindsToConnection(k kind) bool {
	return k == kindConnect || k == kindReconnect || k == kindNoop
}

// removeFromOrder returns order with subID's first occurrence removed.
func removeFromOrder(order []string, subID string) []string {
	for i, id := range order {
		if id == subID {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// pendingEntry is one request the manager knows about, whether still
// queued or already sent and awaiting an ack/err.
type pendingEntry struct {
	eventID    string
	req        wire.Request
	kind       kind
	priority   Priority
	enqueuedAt time.Time
	timeout    time.Duration
	timer      *time.Timer

	// result, if non-nil, is signalled exactly once when this request is
	// settled (ack, err, or a synthesized timeout).
	result chan Result

	// subID/ftcID duplicate req.SubID/req.FtcID for quick lookup without
	// re-branching on kind.
	subID string
	ftcID string
}

// Result is what a caller of SetAuthToken, Deauth or Subscribe gets back
// once the request settles.
type Result struct {
	Err error
}
