package rdb

import (
	"context"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/subscription"
)

// Document is an immutable snapshot of one record: id, the collection it
// belongs to, its body (nil means deleted), an opaque etag for optimistic
// concurrency, and the timestamps/sort tokens the server attaches.
type Document = model.Document

// Listener receives a subscription's diffed deliveries. documents is
// always the full current dataset in order; inserted/updated/removed are
// the documents that changed since the previous delivery (all of
// documents on the first delivery). OnError fires once, after which no
// further OnChange calls for this subscription occur.
type Listener = subscription.Listener

// DocumentRef identifies one document within a collection. It does not
// hold a value: call Get to fetch the current one.
type DocumentRef struct {
	db    *Database
	colID string
	id    string
}

// ID returns the document's identifier within its collection.
func (r *DocumentRef) ID() string { return r.id }

// CollectionID returns the identifier of the collection this document
// belongs to.
func (r *DocumentRef) CollectionID() string { return r.colID }

// Collection returns the immutable, unfiltered reference to the
// collection this document belongs to.
func (r *DocumentRef) Collection() *CollectionRef {
	return r.db.Collection(r.colID)
}

// Get fetches the current value of this document, or ok=false if it does
// not exist (or has been deleted).
func (r *DocumentRef) Get(ctx context.Context) (doc Document, ok bool, err error) {
	docs, err := r.Collection().whereID(r.id).fetch(ctx)
	if err != nil {
		return Document{}, false, err
	}
	if len(docs) == 0 {
		return Document{}, false, nil
	}
	return docs[0], true, nil
}

// Set issues a mut request replacing this document's body, with etag
// guarding the write (empty etag means "unconditional").
func (r *DocumentRef) Set(ctx context.Context, etag string, body map[string]interface{}) error {
	return r.db.session.Mutate(ctx, r.colID, r.id, etag, body)
}

// Merge issues a mer request partially updating this document's body.
func (r *DocumentRef) Merge(ctx context.Context, etag string, body map[string]interface{}) error {
	return r.db.session.Merge(ctx, r.colID, r.id, etag, body)
}

// Delete issues a del request for this document.
func (r *DocumentRef) Delete(ctx context.Context, etag string) error {
	return r.db.session.Delete(ctx, r.colID, r.id, etag)
}
