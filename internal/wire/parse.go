package wire

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/odinrealtime/rdb-go/internal/model"
)

type docJSON struct {
	ID    string                 `json:"id"`
	ETag  string                 `json:"etag,omitempty"`
	Crt   string                 `json:"crt,omitempty"`
	CrtTS int64                  `json:"crt-ts,omitempty"`
	ModTS int64                  `json:"mod-ts,omitempty"`
	SKey  []string               `json:"skey,omitempty"`
	Body  map[string]interface{} `json:"body,omitempty"`
}

func docJSONFrom(d model.Document) docJSON {
	out := docJSON{
		ID:    d.ID,
		ETag:  d.ETag,
		Crt:   d.SortValue,
		SKey:  d.SortKeys,
		Body:  d.Value,
	}
	if !d.CreatedAt.IsZero() {
		out.CrtTS = nowMillis(d.CreatedAt)
	}
	if !d.ModifiedAt.IsZero() {
		out.ModTS = nowMillis(d.ModifiedAt)
	}
	return out
}

// EncodeDocumentForCache archives doc to the same JSON shape the wire
// protocol uses for a document, for storage in the on-disk cache's object
// table (spec.md §4.2 step 4, "archive to bytes").
func EncodeDocumentForCache(doc model.Document) ([]byte, error) {
	return json.Marshal(docJSONFrom(doc))
}

// DecodeDocumentFromCache is EncodeDocumentForCache's inverse, used when
// resolving a cached dataset back into documents on a cache hit.
func DecodeDocumentFromCache(data []byte, colID string) (model.Document, error) {
	var d docJSON
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Document{}, model.Wrap(model.KindInvalidData, err)
	}
	return d.toDocument(colID), nil
}

func (d docJSON) toDocument(colID string) model.Document {
	doc := model.Document{
		ID:           d.ID,
		CollectionID: colID,
		ETag:         d.ETag,
		SortValue:    d.Crt,
		SortKeys:     d.SKey,
		Value:        d.Body,
	}
	if d.CrtTS != 0 {
		doc.CreatedAt = time.UnixMilli(d.CrtTS)
	}
	if d.ModTS != 0 {
		doc.ModifiedAt = time.UnixMilli(d.ModTS)
	}
	return doc
}

type valPayload struct {
	EventID string    `json:"evt-id"`
	SubID   string    `json:"sub-id"`
	ColID   string    `json:"col-id"`
	Docs    []docJSON `json:"docs"`
}

type updRmPayload struct {
	EventID string  `json:"evt-id"`
	SubID   string  `json:"sub-id"`
	ColID   string  `json:"col-id"`
	Doc     docJSON `json:"doc"`
}

type caPayload struct {
	SubID string `json:"sub-id"`
	ColID string `json:"col-id"`
}

type resPayload struct {
	FtcID string    `json:"ftc-id"`
	ColID string    `json:"col-id"`
	Docs  []docJSON `json:"docs"`
}

type ackPayload struct {
	EventID string `json:"evt-id"`
}

type errPayload struct {
	EventID string `json:"evt-id"`
	ErrType string `json:"err-type"`
	ErrMsg  string `json:"err-msg"`
}

// Parse decodes one inbound text frame into zero or more ServerFrame
// values. A top-level `batch` envelope expands to its constituents, with
// every val/upd/rm frame for the same subscription collapsed, in arrival
// order, into a single SubscriptionBatch (whether or not the frames are
// adjacent in the envelope); batches are returned in the order their
// subscription first appears. Every other frame type is returned as an
// individual ServerFrame. Event-ids needing
// acknowledgement are preserved through the merge.
func (c *Codec) Parse(data []byte) ([]ServerFrame, []*SubscriptionBatch, error) {
	var envelope map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, nil, model.Wrap(model.KindInvalidData, err)
	}
	if len(envelope) != 1 {
		return nil, nil, model.New(model.KindInvalidData, "frame must have exactly one top-level key")
	}
	for tag, raw := range envelope {
		if Tag(tag) == TagBatch {
			var items []map[string]jsoniter.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, nil, model.Wrap(model.KindInvalidData, err)
			}
			return c.parseBatchItems(items)
		}
		frame, batch, err := c.parseOne(Tag(tag), raw)
		if err != nil {
			return nil, nil, err
		}
		if batch != nil {
			return nil, []*SubscriptionBatch{batch}, nil
		}
		return []ServerFrame{frame}, nil, nil
	}
	return nil, nil, nil
}

func (c *Codec) parseBatchItems(items []map[string]jsoniter.RawMessage) ([]ServerFrame, []*SubscriptionBatch, error) {
	var frames []ServerFrame
	batches := map[string]*SubscriptionBatch{}
	var order []string

	for _, item := range items {
		for tag, raw := range item {
			frame, batch, err := c.parseOne(Tag(tag), raw)
			if err != nil {
				return nil, nil, err
			}
			if batch == nil {
				frames = append(frames, frame)
				continue
			}
			existing, ok := batches[batch.SubID]
			if !ok {
				batches[batch.SubID] = batch
				order = append(order, batch.SubID)
				continue
			}
			mergeBatch(existing, batch)
		}
	}

	out := make([]*SubscriptionBatch, 0, len(order))
	for _, subID := range order {
		out = append(out, batches[subID])
	}
	return frames, out, nil
}

// mergeBatch folds `incoming` into `existing` per spec.md §4.1: a new
// snapshot supersedes buffered state; otherwise updates append in order.
func mergeBatch(existing, incoming *SubscriptionBatch) {
	if incoming.HasSnapshot {
		existing.HasSnapshot = true
		existing.Snapshot = incoming.Snapshot
		existing.Updates = append([]docDelta(nil), incoming.Updates...)
	} else {
		existing.Updates = append(existing.Updates, incoming.Updates...)
	}
	existing.EventIDs = append(existing.EventIDs, incoming.EventIDs...)
}

func (c *Codec) parseOne(tag Tag, raw jsoniter.RawMessage) (ServerFrame, *SubscriptionBatch, error) {
	switch tag {
	case TagServerAck:
		var p ackPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		return ServerFrame{Tag: TagServerAck, AckedEventID: p.EventID}, nil, nil

	case TagErr:
		var p errPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		return ServerFrame{Tag: TagErr, AckedEventID: p.EventID, ErrType: p.ErrType, ErrMessage: p.ErrMsg}, nil, nil

	case TagVal:
		var p valPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		docs := make([]model.Document, len(p.Docs))
		for i, d := range p.Docs {
			docs[i] = d.toDocument(p.ColID)
		}
		return ServerFrame{}, &SubscriptionBatch{
			SubID: p.SubID, ColID: p.ColID,
			HasSnapshot: true, Snapshot: docs,
			EventIDs: []string{p.EventID},
		}, nil

	case TagUpd:
		var p updRmPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		doc := p.Doc.toDocument(p.ColID)
		return ServerFrame{}, &SubscriptionBatch{
			SubID: p.SubID, ColID: p.ColID,
			Updates:  []docDelta{{doc: doc, removed: false}},
			EventIDs: []string{p.EventID},
		}, nil

	case TagRm:
		var p updRmPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		doc := p.Doc.toDocument(p.ColID)
		doc.Value = nil // tombstone
		return ServerFrame{}, &SubscriptionBatch{
			SubID: p.SubID, ColID: p.ColID,
			Updates:  []docDelta{{doc: doc, removed: true}},
			EventIDs: []string{p.EventID},
		}, nil

	case TagCancel:
		var p caPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		return ServerFrame{Tag: TagCancel, SubID: p.SubID, ColID: p.ColID}, nil, nil

	case TagRes:
		var p resPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return ServerFrame{}, nil, model.Wrap(model.KindInvalidData, err)
		}
		docs := make([]model.Document, len(p.Docs))
		for i, d := range p.Docs {
			docs[i] = d.toDocument(p.ColID)
		}
		return ServerFrame{Tag: TagRes, FtcID: p.FtcID, ColID: p.ColID, Docs: docs}, nil, nil

	default:
		return ServerFrame{}, nil, model.Newf(model.KindInvalidData, "unknown frame tag %q", tag)
	}
}
