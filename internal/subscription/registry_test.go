package subscription

import (
	"sync"
	"testing"

	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/query"
	"github.com/odinrealtime/rdb-go/internal/session"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

type fakeSession struct {
	mu           sync.Mutex
	subscribed   []string
	resubscribed []string
	unsubscribed []string
	resubscribe  func(subID string, sink session.SubscriptionSink)
}

func (f *fakeSession) Subscribe(subID, colID string, q query.Query, sink session.SubscriptionSink) <-chan session.Result {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, subID)
	f.mu.Unlock()
	ch := make(chan session.Result, 1)
	ch <- session.Result{}
	return ch
}

func (f *fakeSession) Resubscribe(subID, colID string, q query.Query) {
	f.mu.Lock()
	f.resubscribed = append(f.resubscribed, subID)
	f.mu.Unlock()
}

func (f *fakeSession) Unsubscribe(subID string) {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, subID)
	f.mu.Unlock()
}

func (f *fakeSession) SetResubscriber(fn func(subID string, sink session.SubscriptionSink)) {
	f.resubscribe = fn
}

func (f *fakeSession) CurrentAuthToken() string { return "" }

func (f *fakeSession) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func (f *fakeSession) resubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resubscribed)
}

type recordingListener struct {
	mu      sync.Mutex
	changes int
	last    []model.Document
	errs    []error
}

func (l *recordingListener) OnChange(documents, inserted, updated, removed []model.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes++
	l.last = documents
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func TestRegistryDedupesByQueryHash(t *testing.T) {
	sess := &fakeSession{}
	reg := NewRegistry(sess, nil, nil)

	q := query.Query{CollectionID: "widgets"}
	l1 := &recordingListener{}
	l2 := &recordingListener{}

	unsub1 := reg.Subscribe("widgets", q, l1)
	unsub2 := reg.Subscribe("widgets", q, l2)

	if got := sess.subscribeCount(); got != 1 {
		t.Fatalf("expected exactly one wire subscribe for two listeners sharing a hash, got %d", got)
	}

	unsub1()
	if got := len(sess.unsubscribed); got != 0 {
		t.Fatalf("expected no unsubscribe while a listener remains, got %d", got)
	}
	unsub2()
	if got := len(sess.unsubscribed); got != 1 {
		t.Fatalf("expected an unsubscribe once the last listener detaches, got %d", got)
	}
}

func TestRegistryDeliversToAllListenersOnIngest(t *testing.T) {
	sess := &fakeSession{}
	reg := NewRegistry(sess, nil, nil)
	q := query.Query{CollectionID: "widgets"}
	l1 := &recordingListener{}
	l2 := &recordingListener{}
	reg.Subscribe("widgets", q, l1)
	reg.Subscribe("widgets", q, l2)

	reg.mu.Lock()
	h := reg.handlers[q.Hash()]
	reg.mu.Unlock()

	h.Ingest(&wire.SubscriptionBatch{
		SubID:       h.subID,
		ColID:       "widgets",
		HasSnapshot: true,
		Snapshot:    []model.Document{{ID: "a", ETag: "e-a", Value: map[string]interface{}{"t": "a"}}},
	})

	if l1.changes != 1 || l2.changes != 1 {
		t.Fatalf("expected both listeners to receive one change, got l1=%d l2=%d", l1.changes, l2.changes)
	}
}

func TestRegistryResubscribeUsesOriginalQuery(t *testing.T) {
	sess := &fakeSession{}
	reg := NewRegistry(sess, nil, nil)
	q := query.Query{CollectionID: "widgets", Filter: query.Simple("x", query.RelEq, 1)}
	l := &recordingListener{}
	reg.Subscribe("widgets", q, l)

	reg.mu.Lock()
	h := reg.handlers[q.Hash()]
	reg.mu.Unlock()

	if sess.resubscribe == nil {
		t.Fatalf("registry did not wire a resubscriber")
	}
	sess.resubscribe(h.subID, h)

	if got := sess.subscribeCount(); got != 1 {
		t.Fatalf("expected no additional Subscribe call from resubscribe, got %d", got)
	}
	if got := sess.resubscribeCount(); got != 1 {
		t.Fatalf("expected resubscribe to issue one Resubscribe call, got %d", got)
	}
	if got := sess.resubscribed[0]; got != h.subID {
		t.Fatalf("expected resubscribe to reuse the original subID, got %q", got)
	}
}
