package subscription

import (
	"log"
	"sync"

	"github.com/odinrealtime/rdb-go/internal/cache"
	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// state is the handler's lifecycle, spec.md §4.5.
type state int

const (
	stateRegistering state = iota
	stateSubscribed
	stateUnsubscribing
	stateUnsubscribed
)

// Listener receives a handler's diffed deliveries and terminal errors.
// One Handler fans out to every listener sharing its query hash
// (spec.md §4.5's "hash conflicts").
type Listener interface {
	OnChange(documents, inserted, updated, removed []model.Document)
	OnError(err error)
}

// tokenSource reports the session's current auth token, used as the
// cache obfuscation secret. Implemented by *session.Manager.
type tokenSource interface {
	CurrentAuthToken() string
}

// Handler represents one server-side subscription (spec.md §4.5): it owns
// the merged dataset for one query hash, fans diffed deliveries out to
// every attached listener, and persists the last-known dataset to cache
// on every successful delivery.
type Handler struct {
	subID   string
	colID   string
	q       query.Query
	hash    string
	logger  *log.Logger
	cache   *cache.Cache
	tokens  tokenSource

	onTerminated func()

	mu          sync.Mutex
	st          state
	listeners   []Listener
	documents   []model.Document
	hadDelivery bool
}

func newHandler(subID, colID string, q query.Query, hash string, c *cache.Cache, tokens tokenSource, logger *log.Logger) *Handler {
	return &Handler{
		subID:  subID,
		colID:  colID,
		q:      q,
		hash:   hash,
		cache:  c,
		tokens: tokens,
		logger: logger,
		st:     stateRegistering,
	}
}

// addListener attaches l and, if a dataset has already been delivered
// (from the server or from cache), delivers it immediately as an
// all-inserted snapshot, per spec.md §4.5's hash-conflict rule.
func (h *Handler) addListener(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	docs := append([]model.Document(nil), h.documents...)
	had := h.hadDelivery
	h.mu.Unlock()
	if had {
		l.OnChange(docs, docs, nil, nil)
	}
}

// removeListener detaches l and reports whether any listener remains.
func (h *Handler) removeListener(l Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.listeners[:0]
	for _, existing := range h.listeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	h.listeners = out
	return len(h.listeners) > 0
}

// loadFromCache delivers the last-known dataset from disk as a
// synthesized snapshot, but only if no server value has arrived yet
// (spec.md §4.5's cache-integration rule).
func (h *Handler) loadFromCache() {
	if h.cache == nil {
		return
	}
	secret := []byte(h.tokens.CurrentAuthToken())
	objects, found, err := h.cache.ReadDataset(h.hash, secret)
	if err != nil || !found {
		return
	}
	docs := make([]model.Document, 0, len(objects))
	for _, o := range objects {
		doc, err := wire.DecodeDocumentFromCache(o.Data, h.colID)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}

	h.mu.Lock()
	if h.hadDelivery || h.st == stateUnsubscribed || h.st == stateUnsubscribing {
		h.mu.Unlock()
		return
	}
	h.documents = docs
	h.hadDelivery = true
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()

	for _, l := range listeners {
		l.OnChange(docs, docs, nil, nil)
	}
}

// markUnsubscribing transitions the handler ahead of the uns request the
// registry is about to send, so a late-arriving batch for this
// subscription-id is dropped by Ingest instead of reviving it.
func (h *Handler) markUnsubscribing() {
	h.mu.Lock()
	h.st = stateUnsubscribing
	h.mu.Unlock()
}

// Ingest implements session.SubscriptionSink: apply the batch's diff
// against the handler's buffered dataset, deliver to every listener if
// anything changed (or on first delivery), and persist the result to
// cache.
func (h *Handler) Ingest(batch *wire.SubscriptionBatch) {
	h.mu.Lock()
	if h.st == stateUnsubscribed || h.st == stateUnsubscribing {
		h.mu.Unlock()
		return
	}
	h.st = stateSubscribed
	updates := batch.Deltas()
	result := applyBatch(h.documents, h.hadDelivery, batch.Snapshot, batch.HasSnapshot, updates, h.q.Ordering, h.q.Paging.Take, h.q.Paging.HasTake)
	h.documents = result.documents
	h.hadDelivery = true
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()

	changed := len(result.inserted) > 0 || len(result.updated) > 0 || len(result.removed) > 0
	if !changed && !result.firstTime {
		return
	}
	for _, l := range listeners {
		l.OnChange(result.documents, result.inserted, result.updated, result.removed)
	}
	h.storeToCache(result.documents)
}

// Fail implements session.SubscriptionSink: notify every listener of a
// terminal error (subscribe rejected, cancelled, or connection lost
// without recovery) and tell the registry this handler is done.
func (h *Handler) Fail(err error) {
	h.mu.Lock()
	h.st = stateUnsubscribed
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()

	for _, l := range listeners {
		l.OnError(err)
	}
	if h.onTerminated != nil {
		h.onTerminated()
	}
}

func (h *Handler) storeToCache(docs []model.Document) {
	if h.cache == nil {
		return
	}
	secret := []byte(h.tokens.CurrentAuthToken())
	objects := make([]cache.Object, 0, len(docs))
	for _, d := range docs {
		data, err := wire.EncodeDocumentForCache(d)
		if err != nil {
			if h.logger != nil {
				h.logger.Printf("subscription: failed to encode %s/%s for cache: %v", h.colID, d.ID, err)
			}
			continue
		}
		objects = append(objects, cache.Object{GroupID: h.colID, ObjectID: d.ID, Data: data})
	}
	if err := h.cache.WriteDataset(h.hash, objects, secret); err != nil && h.logger != nil {
		h.logger.Printf("subscription: failed to persist dataset for hash %s: %v", h.hash, err)
	}
}
