// Package model holds the wire-independent types shared by every internal
// package: the document snapshot and the client's error taxonomy.
package model

import (
	"reflect"
	"time"
)

// Document is an immutable snapshot of one record in a collection. A
// document whose Value is nil represents a tombstone (deleted, or never
// populated): see spec.md §3.
type Document struct {
	ID           string
	CollectionID string
	Value        map[string]interface{}
	ETag         string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	SortValue    string
	SortKeys     []string
}

// Deleted reports whether this snapshot represents a tombstone.
func (d Document) Deleted() bool {
	return d.Value == nil
}

// Equal implements the equality spec.md §3 requires for a document:
// (id ∧ collectionId ∧ etag ∧ deep-equal value).
func (d Document) Equal(o Document) bool {
	if d.ID != o.ID || d.CollectionID != o.CollectionID || d.ETag != o.ETag {
		return false
	}
	return reflect.DeepEqual(d.Value, o.Value)
}

// Clone returns a copy safe to hand to a caller without aliasing the
// handler's internal dataset slice. The top-level Value map and SortKeys
// are copied; maps and slices nested inside Value are shared.
func (d Document) Clone() Document {
	c := d
	if d.Value != nil {
		c.Value = make(map[string]interface{}, len(d.Value))
		for k, v := range d.Value {
			c.Value[k] = v
		}
	}
	if d.SortKeys != nil {
		c.SortKeys = append([]string(nil), d.SortKeys...)
	}
	return c
}
