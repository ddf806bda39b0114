package wire

import (
	"time"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
)

// Tag identifies a frame variant, the single top-level key of spec.md §6.
type Tag string

const (
	TagConnect      Tag = "con"
	TagReconnect    Tag = "rec"
	TagDisconnect   Tag = "dis"
	TagNoop         Tag = "nop"
	TagAuth         Tag = "auth"
	TagDeauth       Tag = "deauth"
	TagMutate       Tag = "mut"
	TagMerge        Tag = "mer"
	TagDelete       Tag = "del"
	TagSubscribe    Tag = "sub"
	TagUnsubscribe  Tag = "uns"
	TagFetch        Tag = "ftc"
	TagClientAck    Tag = "ack"
	TagServerAck    Tag = "ack"
	TagErr          Tag = "err"
	TagVal          Tag = "val"
	TagUpd          Tag = "upd"
	TagRm           Tag = "rm"
	TagCancel       Tag = "ca"
	TagRes          Tag = "res"
	TagBatch        Tag = "batch"
)

// DocRef is the (id, etag?) pair a mutate/merge/delete request carries.
type DocRef struct {
	ID   string
	ETag string
	Body map[string]interface{} // absent (nil) for delete
}

// Request is the tagged union of every client->server frame of spec.md §6.
// Exactly one of the payload groups is populated, selected by Tag.
type Request struct {
	Tag     Tag
	EventID string

	ConID string // con, rec
	Token string // auth

	ColID string  // mut, mer, del, sub, ftc
	Doc   *DocRef // mut, mer, del

	SubID string      // sub, uns
	FtcID string      // ftc
	Query query.Query // sub, ftc (Filter/Ordering/Paging)
}

// ServerFrame is the tagged union of every server->client frame of
// spec.md §6 (a batch is unwrapped into its constituents by Parse, never
// represented here itself).
type ServerFrame struct {
	Tag Tag

	EventID string // not set by Parse: val/upd/rm ids travel in SubscriptionBatch.EventIDs

	AckedEventID string // ack
	ErrType      string // err
	ErrMessage   string // err

	SubID string // val, upd, rm, ca
	FtcID string // res
	ColID string // val, upd, rm, res, ca

	Docs []model.Document // val, res
	Doc  model.Document    // upd, rm
}

// SubscriptionBatch is the merged, in-client representation of one or more
// val/upd/rm frames for the same subscription, collapsed per spec.md
// §4.1's merge rule before being handed to the subscription handler.
type SubscriptionBatch struct {
	SubID   string
	ColID   string
	HasSnapshot bool
	Snapshot    []model.Document // present if this batch carries a `val`
	Updates     []docDelta       // ordered upd/rm deltas
	EventIDs    []string         // every event-id folded into this batch, for bulk-ack
}

type docDelta struct {
	doc     model.Document
	removed bool
}

// Deltas exposes the ordered (doc, removed) pairs buffered in this batch.
func (b *SubscriptionBatch) Deltas() []struct {
	Doc     model.Document
	Removed bool
} {
	out := make([]struct {
		Doc     model.Document
		Removed bool
	}, len(b.Updates))
	for i, d := range b.Updates {
		out[i] = struct {
			Doc     model.Document
			Removed bool
		}{d.doc, d.removed}
	}
	return out
}

// DocRefFromDocument builds the DocRef a mutate/merge/delete request
// carries from a model.Document already in hand (e.g. the fetched
// current value an optimistic execution is about to write back): a
// tombstone carries no body, everything else carries its value verbatim.
func DocRefFromDocument(d model.Document) *DocRef {
	ref := &DocRef{ID: d.ID, ETag: d.ETag}
	if !d.Deleted() {
		ref.Body = d.Value
	}
	return ref
}

// nowMillis is split out so tests can't accidentally depend on wall clock
// formatting differences across platforms.
func nowMillis(t time.Time) int64 { return t.UnixMilli() }
