// Package subscription implements the per-hash subscription handler of
// spec.md §4.5: deduplication of logical subscriptions sharing a query
// hash, the ordered-dataset diff algorithm, bounded-window truncation,
// and cache-backed last-known-value persistence.
package subscription

import (
	"sort"
	"strings"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
)

// delta aliases the anonymous struct wire.SubscriptionBatch.Deltas()
// returns, so applyBatch can consume it directly with no copying.
type delta = struct {
	Doc     model.Document
	Removed bool
}

// changeKind classifies what happened to one document across a diff.
type changeKind int

const (
	opNone changeKind = iota
	opAdd
	opUpdate
	opRemove
)

// reconcile implements the op-set collision table of spec.md §4.5 step 4.
func reconcile(prev, next changeKind) changeKind {
	switch prev {
	case opNone:
		return next
	case opAdd:
		if next == opRemove {
			return opNone // drop entry: added then removed within the same batch
		}
		return opAdd
	case opUpdate:
		if next == opRemove {
			return opRemove
		}
		return opUpdate
	case opRemove:
		if next == opAdd || next == opUpdate {
			return opUpdate
		}
		return opRemove
	}
	return next
}

// findInsertIndex implements spec.md §4.5's recursive binary partition:
// compare doc.SortKeys element-wise against arr[m].SortKeys under ordering,
// falling back to SortValue under the first ordering direction (or
// ascending) when every key ties.
func findInsertIndex(doc model.Document, arr []model.Document, ordering query.Ordering) int {
	return sort.Search(len(arr), func(i int) bool {
		return !less(arr[i], doc, ordering)
	})
}

// less reports whether a sorts strictly before b under ordering, falling
// back to sortValue when every ordered key ties.
func less(a, b model.Document, ordering query.Ordering) bool {
	n := len(ordering)
	for i := 0; i < n && i < len(a.SortKeys) && i < len(b.SortKeys); i++ {
		ka, kb := a.SortKeys[i], b.SortKeys[i]
		if ka == kb {
			continue
		}
		if ordering[i].Direction == query.Desc {
			return ka > kb
		}
		return ka < kb
	}
	dir := query.Asc
	if n > 0 {
		dir = ordering[0].Direction
	}
	if a.SortValue == b.SortValue {
		return false
	}
	if dir == query.Desc {
		return strings.Compare(a.SortValue, b.SortValue) > 0
	}
	return strings.Compare(a.SortValue, b.SortValue) < 0
}

// incorporate applies spec.md §4.5's incorporate(doc, arr, mutate)
// operation: returns the classification and, when mutate is true, the
// (possibly modified) array reflecting the change.
func incorporate(doc model.Document, arr []model.Document, mutate bool, ordering query.Ordering) (changeKind, []model.Document) {
	existingIdx := indexOf(arr, doc.ID)

	if existingIdx >= 0 && arr[existingIdx].ETag == doc.ETag && doc.ETag != "" {
		return opNone, arr
	}

	if doc.Deleted() {
		if existingIdx < 0 {
			return opNone, arr
		}
		if mutate {
			arr = append(arr[:existingIdx], arr[existingIdx+1:]...)
		}
		return opRemove, arr
	}

	// insertion index is computed against the array without doc's own
	// stale entry, if any.
	without := arr
	if existingIdx >= 0 {
		without = append(append([]model.Document(nil), arr[:existingIdx]...), arr[existingIdx+1:]...)
	}
	idx := findInsertIndex(doc, without, ordering)

	if !mutate {
		if existingIdx >= 0 {
			return opUpdate, arr
		}
		return opAdd, arr
	}

	if existingIdx >= 0 {
		out := make([]model.Document, 0, len(without)+1)
		out = append(out, without[:idx]...)
		out = append(out, doc)
		out = append(out, without[idx:]...)
		return opUpdate, out
	}
	out := make([]model.Document, 0, len(arr)+1)
	out = append(out, arr[:idx]...)
	out = append(out, doc)
	out = append(out, arr[idx:]...)
	return opAdd, out
}

func indexOf(arr []model.Document, id string) int {
	for i, d := range arr {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// diffResult is the outcome of applying one batch to a prior dataset.
type diffResult struct {
	documents []model.Document
	inserted  []model.Document
	updated   []model.Document
	removed   []model.Document
	firstTime bool
}

// applyBatch implements spec.md §4.5's full diff algorithm: snapshot
// supersession with remove-tentative reconciliation, then delta
// application with op-set collision resolution, then take-bounded
// truncation.
func applyBatch(old []model.Document, hadOld bool, snapshot []model.Document, hasSnapshot bool, updates []delta, ordering query.Ordering, take int, hasTake bool) diffResult {
	ops := make(map[string]changeKind)
	var documents []model.Document

	switch {
	case hasSnapshot && hadOld:
		documents = filterTombstones(snapshot)
		for _, d := range old {
			ops[d.ID] = opRemove
		}
		for _, d := range documents {
			k, _ := incorporate(d, old, false, ordering)
			ops[d.ID] = k
		}
	case !hasSnapshot:
		documents = append([]model.Document(nil), old...)
	default: // hasSnapshot && !hadOld
		documents = filterTombstones(snapshot)
		for _, d := range documents {
			ops[d.ID] = opAdd
		}
	}

	for _, d := range updates {
		k, newArr := incorporate(d.Doc, documents, true, ordering)
		documents = newArr
		prev := ops[d.Doc.ID]
		merged := reconcile(prev, k)
		if merged == opNone {
			delete(ops, d.Doc.ID)
		} else {
			ops[d.Doc.ID] = merged
		}
	}

	if hasTake && len(documents) > take {
		for _, d := range documents[take:] {
			ops[d.ID] = opRemove
		}
		documents = documents[:take]
	}

	// inserted/updated follow dataset order; removed is ordered by id.
	result := diffResult{documents: documents, firstTime: !hadOld}
	for _, doc := range documents {
		switch ops[doc.ID] {
		case opAdd:
			result.inserted = append(result.inserted, doc)
		case opUpdate:
			result.updated = append(result.updated, doc)
		}
	}
	var removedIDs []string
	for id, k := range ops {
		if k == opRemove {
			removedIDs = append(removedIDs, id)
		}
	}
	sort.Strings(removedIDs)
	for _, id := range removedIDs {
		result.removed = append(result.removed, removedDoc(old, snapshot, id))
	}
	return result
}

func filterTombstones(docs []model.Document) []model.Document {
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if !d.Deleted() {
			out = append(out, d)
		}
	}
	return out
}

func findByID(docs []model.Document, id string) (model.Document, bool) {
	for _, d := range docs {
		if d.ID == id {
			return d, true
		}
	}
	return model.Document{}, false
}

func removedDoc(old, snapshot []model.Document, id string) model.Document {
	if d, ok := findByID(old, id); ok {
		return d
	}
	if d, ok := findByID(snapshot, id); ok {
		return d
	}
	return model.Document{ID: id}
}
