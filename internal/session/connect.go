package session

import (
	"sort"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/transport"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// handleConnected implements spec.md §4.4's "Connection establishment":
// a reconnect if connectionId is already known, else a fresh connect,
// followed by re-auth if a token is set.
func (m *Manager) handleConnected() {
	if m.connectionID == "" {
		m.connectionID = m.idgen()
		m.enqueue(wire.Request{Tag: wire.TagConnect, ConID: m.connectionID}, kindConnect, PriorityHigh, true, transport.DefaultTimeout, nil)
	} else {
		m.enqueue(wire.Request{Tag: wire.TagReconnect, ConID: m.connectionID}, kindReconnect, PriorityHigh, true, transport.DefaultTimeout, nil)
	}
	if m.authSet && !m.hasQueuedAuthFor(m.authToken) {
		m.enqueue(wire.Request{Tag: wire.TagAuth, Token: m.authToken}, kindAuth, PriorityMedium, false, 0, nil)
	}
	m.state = StateConnected
	if m.metric != nil {
		m.metric.SetConnectionState(true)
	}
	m.flushQueue()
}

func (m *Manager) hasQueuedAuthFor(token string) bool {
	found := false
	m.queue.forEach(func(e *pendingEntry) {
		if e.kind == kindAuth && e.req.Token == token {
			found = true
		}
	})
	return found
}

// handleDisconnected implements spec.md §4.4's "Disconnect handling".
// Only a connect-timeout or a server-signaled connectionTerminated takes
// the heavy path (reset connectionId, force every surviving subscription
// to resubscribe): an ordinary transport drop keeps connectionId and
// relies on the `rec` frame in handleConnected to resume the same
// logical connection. Replay order on reconnect is resub (registration
// order), then pending-ack requests (enqueue order) within each one's
// own priority band, then whatever was already queued but unsent, per
// spec.md §8 scenario 3.
func (m *Manager) handleDisconnected(reason transport.DisconnectReason, err error) {
	m.state = StateDisconnected
	if m.metric != nil {
		m.metric.SetConnectionState(false)
	}

	for _, e := range m.pendingRequests {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	m.queue.filter(func(e *pendingEntry) bool {
		if bindsToConnection(e.kind) {
			return false
		}
		return true
	})

	if err != nil {
		m.logger.Printf("session: disconnected: %v", err)
	}

	terminal := reason == transport.ReasonConnectTimeout || reason == transport.ReasonConnectionTerminated
	var skipResub map[string]bool
	if terminal {
		// must run before extractBand clears the queue below, and must
		// also cover pendingRequests: a subscribe already written to the
		// socket and awaiting its ack lives there, not in any queue band.
		skipResub = m.queuedOrPendingSubs()
	}

	preservedHigh := m.queue.extractBand(PriorityHigh)
	preservedMedium := m.queue.extractBand(PriorityMedium)
	preservedLow := m.queue.extractBand(PriorityLow)

	if terminal {
		m.resetConnectionID(skipResub)
	}

	pending := make([]*pendingEntry, 0, len(m.pendingRequests))
	for _, e := range m.pendingRequests {
		if bindsToConnection(e.kind) {
			continue
		}
		pending = append(pending, e)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].enqueuedAt.Before(pending[j].enqueuedAt) })
	m.pendingRequests = make(map[string]*pendingEntry)
	if m.metric != nil {
		m.metric.UpdatePendingRequests(0)
	}
	m.queue.appendAll(pending)

	m.queue.high = append(m.queue.high, preservedHigh...)
	m.queue.medium = append(m.queue.medium, preservedMedium...)
	m.queue.low = append(m.queue.low, preservedLow...)

	m.state = StateConnecting
	if m.metric != nil {
		m.metric.IncrementReconnects()
	}
	m.network.GoOnline(transport.DefaultTimeout)
}

// resetConnectionID clears connectionID and re-enqueues every active
// subscription not already in skipResub, per spec.md §4.4 step 3 /
// §7's "connectionTerminated and timeout clear connectionId, forcing a
// fresh logical session on reconnect and reauthorization". Called both
// from a terminal handleDisconnected and directly from handleMessage
// when a connectionTerminated err frame arrives on an otherwise live
// socket.
func (m *Manager) resetConnectionID(skipResub map[string]bool) {
	m.connectionID = ""
	for _, subID := range m.subOrder {
		sink, ok := m.activeSubs[subID]
		if !ok || skipResub[subID] {
			continue
		}
		m.resubscribe(subID, sink)
	}
}

// queuedOrPendingSubs returns the set of subIDs with a kindSubscribe entry
// already queued (unsent) or pending (sent, awaiting ack), so a terminal
// disconnect's forced-resubscribe pass doesn't enqueue a duplicate `sub`
// for one already in flight.
func (m *Manager) queuedOrPendingSubs() map[string]bool {
	found := make(map[string]bool)
	m.queue.forEach(func(e *pendingEntry) {
		if e.kind == kindSubscribe {
			found[e.subID] = true
		}
	})
	for _, e := range m.pendingRequests {
		if e.kind == kindSubscribe {
			found[e.subID] = true
		}
	}
	return found
}

// resubscribe is overridden by the subscription package via
// SetResubscriber; until wired it is a no-op placeholder so the
// manager still compiles standalone.
func (m *Manager) resubscribe(subID string, sink SubscriptionSink) {
	if m.resubscribeFn != nil {
		m.resubscribeFn(subID, sink)
	}
}

// handleMessage parses an inbound frame and dispatches it per spec.md
// §4.4's "Frame dispatch" table.
func (m *Manager) handleMessage(data []byte) {
	m.resetHeartbeat()
	frames, batches, err := m.codec.Parse(data)
	if err != nil {
		m.logger.Printf("session: failed to parse inbound frame: %v", err)
		return
	}
	var acks []string
	for _, f := range frames {
		switch f.Tag {
		case wire.TagServerAck:
			m.settle(f.AckedEventID, nil)
		case wire.TagErr:
			kind := model.ServerErrorKind(f.ErrType)
			reason := model.ServerErrorReason(kind, f.ErrMessage)
			m.settle(f.AckedEventID, model.WithReason(kind, reason, f.ErrMessage))
			if kind == model.KindConnectionTerminated {
				// the server declared the logical session dead without
				// necessarily closing the socket; reset connectionId so
				// the next connect establishment sends a fresh `con`
				// instead of reusing it in a `rec`.
				m.resetConnectionID(m.queuedOrPendingSubs())
			}
		case wire.TagCancel:
			if sink, ok := m.activeSubs[f.SubID]; ok {
				sink.Fail(model.New(model.KindPermissionDenied, "subscription cancelled by server"))
			}
			delete(m.activeSubs, f.SubID)
			m.subOrder = removeFromOrder(m.subOrder, f.SubID)
			if m.metric != nil {
				m.metric.UpdateActiveSubscriptions(len(m.activeSubs))
			}
		case wire.TagRes:
			if ch, ok := m.pendingFetches[f.FtcID]; ok {
				delete(m.pendingFetches, f.FtcID)
				ch <- fetchResult{docs: f.Docs}
			}
		}
	}
	for _, b := range batches {
		if sink, ok := m.activeSubs[b.SubID]; ok {
			sink.Ingest(b)
		}
		acks = append(acks, b.EventIDs...)
	}
	if len(acks) > 0 {
		m.enqueueAcks(acks)
	}
	m.flushQueue()
}
