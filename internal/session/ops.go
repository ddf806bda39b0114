package session

import (
	"context"
	"time"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// enqueue assigns req an event-id, wraps it in a pendingEntry, and pushes
// it onto the queue. Must run on the loop goroutine.
func (m *Manager) enqueue(req wire.Request, k kind, prio Priority, prioritize bool, timeout time.Duration, result chan Result) *pendingEntry {
	eventID := m.idgen()
	req.EventID = eventID
	entry := &pendingEntry{
		eventID:    eventID,
		req:        req,
		kind:       k,
		priority:   prio,
		enqueuedAt: time.Now(),
		timeout:    timeout,
		result:     result,
		subID:      req.SubID,
		ftcID:      req.FtcID,
	}
	m.queue.push(&queuedRequest{entry: entry}, prioritize)
	if m.metric != nil {
		m.metric.UpdateQueueDepth(m.queue.len())
	}
	return entry
}

// enqueueAcks queues one client-ack frame per id in ids, each carrying
// that id as its own evt-id (spec.md §6: for the ack tag, evt-id is the
// acknowledgment target, not a bookkeeping id). Built directly rather
// than via enqueue, which always assigns a fresh id of its own.
func (m *Manager) enqueueAcks(ids []string) {
	for _, id := range ids {
		entry := &pendingEntry{
			eventID:    id,
			req:        wire.Request{Tag: wire.TagClientAck, EventID: id},
			kind:       kindAck,
			priority:   PriorityLow,
			enqueuedAt: time.Now(),
		}
		m.queue.push(&queuedRequest{entry: entry}, false)
	}
	if m.metric != nil {
		m.metric.UpdateQueueDepth(m.queue.len())
	}
}

// flushQueue drains the queue and writes every request, but only while
// connected, per spec.md §4.4.
func (m *Manager) flushQueue() {
	if m.state != StateConnected {
		return
	}
	drained := m.queue.drain()
	if m.metric != nil {
		m.metric.UpdateQueueDepth(0)
	}
	if len(drained) == 0 {
		return
	}
	for _, qr := range drained {
		entry := qr.entry
		// ack frames are fire-and-forget: the server never acks an ack,
		// so tracking them in pendingRequests would leak forever.
		if entry.kind == kindAck {
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			if err := m.network.Write(ctx, entry.req); err != nil {
				m.logger.Printf("session: failed to write ack: %v", err)
			}
			cancel()
			continue
		}
		m.armTimeout(entry)
		m.pendingRequests[entry.eventID] = entry
		if m.metric != nil {
			m.metric.UpdatePendingRequests(len(m.pendingRequests))
		}
		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		err := m.network.Write(ctx, entry.req)
		cancel()
		if err != nil {
			m.settle(entry.eventID, model.Wrap(model.KindConnectionTerminated, err))
		}
	}
	m.resetHeartbeat()
}

// armTimeout arms entry's timeout timer, if it has one. On expiry it
// synthesizes an error frame into the loop, as spec.md §5 requires
// ("Timeouts ... synthesize an error frame into the session loop at the
// exact boundary, as if the server had replied").
func (m *Manager) armTimeout(entry *pendingEntry) {
	if entry.timeout <= 0 {
		return
	}
	eventID := entry.eventID
	entry.timer = time.AfterFunc(entry.timeout, func() {
		m.post(func() {
			if _, ok := m.pendingRequests[eventID]; !ok {
				return
			}
			m.settle(eventID, model.New(model.KindTimeout, "request timed out"))
			if entry.kind == kindConnect || entry.kind == kindReconnect {
				m.network.Restart(true)
			}
		})
	})
}

// settle completes the pending request identified by eventID (success if
// err is nil) and removes it from bookkeeping.
func (m *Manager) settle(eventID string, err error) {
	entry, ok := m.pendingRequests[eventID]
	if !ok {
		return
	}
	delete(m.pendingRequests, eventID)
	if m.metric != nil {
		m.metric.UpdatePendingRequests(len(m.pendingRequests))
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	switch entry.kind {
	case kindSubscribe:
		if err != nil {
			if sink, ok := m.activeSubs[entry.subID]; ok {
				sink.Fail(err)
			}
			delete(m.activeSubs, entry.subID)
			m.subOrder = removeFromOrder(m.subOrder, entry.subID)
			if m.metric != nil {
				m.metric.UpdateActiveSubscriptions(len(m.activeSubs))
				m.metric.IncrementSubscriptionErrors()
			}
		}
	case kindFetch:
		if ch, ok := m.pendingFetches[entry.ftcID]; ok {
			delete(m.pendingFetches, entry.ftcID)
			ch <- fetchResult{err: err}
		}
	case kindAuth:
		if err != nil {
			m.authSet = false
		}
	}

	if entry.result != nil {
		entry.result <- Result{Err: err}
	}
}

func (m *Manager) resetHeartbeat() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
	m.heartbeatTimer = time.AfterFunc(heartbeatInterval, func() {
		m.post(func() {
			m.enqueue(wire.Request{Tag: wire.TagNoop}, kindNoop, PriorityLow, false, 0, nil)
			m.flushQueue()
		})
	})
}
