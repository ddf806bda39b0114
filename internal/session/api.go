package session

import (
	"context"
	"time"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// Subscribe registers sink under subID for the given collection/query. If
// the request is still queued (never flushed) when Unsubscribe is called,
// it is removed in place with no wire traffic, per spec.md §4.4.
func (m *Manager) Subscribe(subID, colID string, q query.Query, sink SubscriptionSink) <-chan Result {
	result := make(chan Result, 1)
	m.post(func() {
		if _, exists := m.activeSubs[subID]; !exists {
			m.subOrder = append(m.subOrder, subID)
		}
		m.activeSubs[subID] = sink
		if m.metric != nil {
			m.metric.UpdateActiveSubscriptions(len(m.activeSubs))
		}
		m.enqueue(wire.Request{Tag: wire.TagSubscribe, ColID: colID, SubID: subID, Query: q}, kindSubscribe, PriorityLow, false, 0, result)
		m.flushQueue()
	})
	return result
}

// Resubscribe re-issues a sub request for a subID already present in
// activeSubs, without touching subOrder or activeSubs itself. Unlike
// Subscribe it must run synchronously on the loop goroutine, not via
// post: handleDisconnected calls it while rebuilding the queue, and the
// resulting queue entry must land before anything posted afterwards
// (spec.md §8 scenario 3's registration-order resubscribe replay).
func (m *Manager) Resubscribe(subID, colID string, q query.Query) {
	m.enqueue(wire.Request{Tag: wire.TagSubscribe, ColID: colID, SubID: subID, Query: q}, kindSubscribe, PriorityLow, false, 0, nil)
}

// Unsubscribe removes subID: in place if still queued, or by sending an
// uns request if it is already in flight / acked.
func (m *Manager) Unsubscribe(subID string) {
	m.post(func() {
		removed := false
		m.queue.filter(func(e *pendingEntry) bool {
			if e.kind == kindSubscribe && e.subID == subID {
				removed = true
				return false
			}
			return true
		})
		delete(m.activeSubs, subID)
		m.subOrder = removeFromOrder(m.subOrder, subID)
		if m.metric != nil {
			m.metric.UpdateActiveSubscriptions(len(m.activeSubs))
		}
		if removed {
			return
		}
		m.enqueue(wire.Request{Tag: wire.TagUnsubscribe, SubID: subID}, kindUnsubscribe, PriorityLow, false, 0, nil)
		m.flushQueue()
	})
}

// Fetch performs a one-shot query and resolves with its result set.
func (m *Manager) Fetch(ctx context.Context, colID string, q query.Query) ([]model.Document, error) {
	ch := make(chan fetchResult, 1)
	ftcID := m.idgen()
	m.post(func() {
		m.pendingFetches[ftcID] = ch
		m.enqueue(wire.Request{Tag: wire.TagFetch, ColID: colID, FtcID: ftcID, Query: q}, kindFetch, PriorityLow, false, 0, nil)
		m.flushQueue()
	})
	select {
	case r := <-ch:
		return r.docs, r.err
	case <-ctx.Done():
		m.post(func() { delete(m.pendingFetches, ftcID) })
		return nil, ctx.Err()
	}
}

// Mutate issues a `mut` request with an optional etag for optimistic
// concurrency, blocking until acked or failed.
func (m *Manager) Mutate(ctx context.Context, colID, id, etag string, body map[string]interface{}) error {
	return m.write(ctx, wire.TagMutate, kindMutate, colID, id, etag, body)
}

// Merge issues a `mer` request (a partial update), blocking until acked.
func (m *Manager) Merge(ctx context.Context, colID, id, etag string, body map[string]interface{}) error {
	return m.write(ctx, wire.TagMerge, kindMerge, colID, id, etag, body)
}

// Delete issues a `del` request, blocking until acked.
func (m *Manager) Delete(ctx context.Context, colID, id, etag string) error {
	return m.write(ctx, wire.TagDelete, kindDelete, colID, id, etag, nil)
}

func (m *Manager) write(ctx context.Context, tag wire.Tag, k kind, colID, id, etag string, body map[string]interface{}) error {
	result := make(chan Result, 1)
	doc := model.Document{ID: id, CollectionID: colID, ETag: etag, Value: body}
	m.post(func() {
		m.enqueue(wire.Request{
			Tag:   tag,
			ColID: colID,
			Doc:   wire.DocRefFromDocument(doc),
		}, k, PriorityLow, false, 0, result)
		m.flushQueue()
	})
	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginExecution and EndExecution let an optimistic-execution retry loop
// (spec.md §4.6) register itself with the session manager for the
// duration of the retry. The ids are kept in pendingExecs only; neither
// Stats nor any metric reports them.
func (m *Manager) BeginExecution(id string) {
	m.post(func() { m.pendingExecs[id] = struct{}{} })
}

func (m *Manager) EndExecution(id string) {
	m.post(func() { delete(m.pendingExecs, id) })
}

// CurrentAuthToken reports the auth token currently armed on the session,
// if any. Used by the subscription handler as the cache obfuscation
// secret (spec.md §4.5's "cache integration").
func (m *Manager) CurrentAuthToken() string {
	done := make(chan struct{})
	var tok string
	m.post(func() {
		tok = m.authToken
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return tok
}

// Stats exposes the loop's current queue/pending sizes for tests and
// metrics sampling; it blocks until the loop goroutine answers.
func (m *Manager) Stats() (queueDepth, pending, subs int) {
	done := make(chan struct{})
	m.post(func() {
		queueDepth = m.queue.len()
		pending = len(m.pendingRequests)
		subs = len(m.activeSubs)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return
}
