package subscription

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/odinrealtime/rdb-go/internal/cache"
	"github.com/odinrealtime/rdb-go/internal/query"
	"github.com/odinrealtime/rdb-go/internal/session"
)

// sessionHandle is the subset of *session.Manager the registry drives.
// Kept as an interface, mirroring session.networkHandle, so registry
// tests can run against a fake session.
type sessionHandle interface {
	Subscribe(subID, colID string, q query.Query, sink session.SubscriptionSink) <-chan session.Result
	Unsubscribe(subID string)
	Resubscribe(subID, colID string, q query.Query)
	SetResubscriber(fn func(subID string, sink session.SubscriptionSink))
	CurrentAuthToken() string
}

// Registry deduplicates logical subscriptions sharing a query hash
// (spec.md §4.5's "hash conflicts"): one Handler per hash, with
// additional listeners attaching to the existing handler instead of
// issuing a second `sub` request.
type Registry struct {
	mgr    sessionHandle
	cache  *cache.Cache
	logger *log.Logger

	mu       sync.Mutex
	handlers map[string]*Handler // hash -> handler
	subIDs   uint64
}

// NewRegistry builds a Registry bound to mgr, with c as its optional
// backing cache (nil disables last-known-value persistence).
func NewRegistry(mgr sessionHandle, c *cache.Cache, logger *log.Logger) *Registry {
	r := &Registry{mgr: mgr, cache: c, logger: logger, handlers: make(map[string]*Handler)}
	mgr.SetResubscriber(r.resubscribe)
	return r
}

func (r *Registry) nextSubID() string {
	n := atomic.AddUint64(&r.subIDs, 1)
	return fmt.Sprintf("sub-%d", n)
}

// Subscribe attaches listener to the handler for (colID, q), creating one
// if no handler with that query hash exists yet. The returned func
// detaches listener; once the last listener detaches, the handler issues
// an unsubscribe (or cancels locally if still queued).
func (r *Registry) Subscribe(colID string, q query.Query, listener Listener) func() {
	hash := q.Hash()

	r.mu.Lock()
	h, exists := r.handlers[hash]
	if exists {
		r.mu.Unlock()
		h.addListener(listener)
		return func() { r.detach(hash, h, listener) }
	}

	h = newHandler(r.nextSubID(), colID, q, hash, r.cache, r.mgr, r.logger)
	h.onTerminated = func() { r.remove(hash, h) }
	r.handlers[hash] = h
	r.mu.Unlock()

	h.addListener(listener)
	go h.loadFromCache()
	r.mgr.Subscribe(h.subID, colID, q, h)

	return func() { r.detach(hash, h, listener) }
}

func (r *Registry) detach(hash string, h *Handler, listener Listener) {
	if h.removeListener(listener) {
		return
	}
	r.mu.Lock()
	if r.handlers[hash] == h {
		delete(r.handlers, hash)
	}
	r.mu.Unlock()
	h.markUnsubscribing()
	r.mgr.Unsubscribe(h.subID)
}

func (r *Registry) remove(hash string, h *Handler) {
	r.mu.Lock()
	if r.handlers[hash] == h {
		delete(r.handlers, hash)
	}
	r.mu.Unlock()
}

// resubscribe is session.Manager's hook for replaying a subscription that
// survived a connectionTerminated/timeout disconnect (spec.md §4.4 step
// 3). It type-asserts back to *Handler to recover the original
// collection/query, which the session manager's SubscriptionSink
// interface deliberately does not expose. The subscription is already
// registered in the manager's activeSubs, so this only needs to re-queue
// the sub request, not re-add the sink.
func (r *Registry) resubscribe(subID string, sink session.SubscriptionSink) {
	h, ok := sink.(*Handler)
	if !ok {
		return
	}
	r.mgr.Resubscribe(h.subID, h.colID, h.q)
}
