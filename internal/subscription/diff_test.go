package subscription

import (
	"reflect"
	"testing"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
)

func doc(id, sortKey string) model.Document {
	return model.Document{ID: id, ETag: "e-" + id, SortKeys: []string{sortKey}, Value: map[string]interface{}{"t": id}}
}

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

// TestSubscribeSnapshotDeltaRemove follows the worked example of spec.md
// §8 scenario 1: subscribe, snapshot, a delta insert, then a removal.
func TestSubscribeSnapshotDeltaRemove(t *testing.T) {
	ordering := query.Ordering{{KeyPath: "modifiedAt", Direction: query.Desc}}

	a := doc("a", "2")
	b := doc("b", "1")
	r1 := applyBatch(nil, false, []model.Document{a, b}, true, nil, ordering, 0, false)
	if got := ids(r1.documents); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("documents = %v, want [a b]", got)
	}
	if got := ids(r1.inserted); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("inserted = %v, want [a b]", got)
	}
	if len(r1.updated) != 0 || len(r1.removed) != 0 {
		t.Fatalf("expected no updates/removals on first delivery, got %+v", r1)
	}

	c := doc("c", "3")
	r2 := applyBatch(r1.documents, true, nil, false, []delta{{Doc: c}}, ordering, 0, false)
	if got := ids(r2.documents); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Fatalf("documents = %v, want [c a b]", got)
	}
	if got := ids(r2.inserted); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("inserted = %v, want [c]", got)
	}

	rmA := model.Document{ID: "a"} // tombstone: nil Value
	r3 := applyBatch(r2.documents, true, nil, false, []delta{{Doc: rmA, Removed: true}}, ordering, 0, false)
	if got := ids(r3.documents); !reflect.DeepEqual(got, []string{"c", "b"}) {
		t.Fatalf("documents = %v, want [c b]", got)
	}
	if got := ids(r3.removed); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("removed = %v, want [a]", got)
	}
}

func TestApplyBatchDropsAddThenRemoveWithinSameBatch(t *testing.T) {
	ordering := query.Ordering{}
	a := doc("a", "1")
	rmA := model.Document{ID: "a"}
	r := applyBatch(nil, false, nil, false, []delta{{Doc: a}, {Doc: rmA, Removed: true}}, ordering, 0, false)
	if len(r.documents) != 0 {
		t.Fatalf("expected a to be gone, got %v", ids(r.documents))
	}
	if len(r.inserted) != 0 || len(r.removed) != 0 {
		t.Fatalf("add-then-remove within one batch must produce no change sets, got inserted=%v removed=%v", r.inserted, r.removed)
	}
}

func TestApplyBatchTakeTruncatesTail(t *testing.T) {
	ordering := query.Ordering{{KeyPath: "k", Direction: query.Asc}}
	a, b, c := doc("a", "1"), doc("b", "2"), doc("c", "3")
	r := applyBatch(nil, false, []model.Document{a, b, c}, true, nil, ordering, 2, true)
	if got := ids(r.documents); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("documents = %v, want [a b]", got)
	}
	if got := ids(r.removed); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("removed = %v, want [c] (truncated tail)", got)
	}
}

func TestApplyBatchUnchangedEtagClassifiesNone(t *testing.T) {
	ordering := query.Ordering{}
	a := doc("a", "1")
	r1 := applyBatch(nil, false, []model.Document{a}, true, nil, ordering, 0, false)
	r2 := applyBatch(r1.documents, true, nil, false, []delta{{Doc: a}}, ordering, 0, false)
	if len(r2.inserted) != 0 || len(r2.updated) != 0 || len(r2.removed) != 0 {
		t.Fatalf("re-delivering an unchanged etag must produce no change sets, got %+v", r2)
	}
}

func TestSnapshotAfterOldTentativelyRemovesMissingDocs(t *testing.T) {
	ordering := query.Ordering{}
	a, b := doc("a", "1"), doc("b", "2")
	r1 := applyBatch(nil, false, []model.Document{a, b}, true, nil, ordering, 0, false)

	r2 := applyBatch(r1.documents, true, []model.Document{a}, true, nil, ordering, 0, false)
	if got := ids(r2.documents); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("documents = %v, want [a]", got)
	}
	if got := ids(r2.removed); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("removed = %v, want [b]", got)
	}
}
