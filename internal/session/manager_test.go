package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/odinrealtime/rdb-go/internal/query"
	"github.com/odinrealtime/rdb-go/internal/transport"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// fakeNetwork stands in for *transport.Handler: it records writes and lets
// the test drive connect/disconnect by calling the manager's handlers
// directly, since those are exactly what the real transport.Handler posts
// onto the loop via its OnConnected/OnDisconnected/OnMessage hooks.
type fakeNetwork struct {
	mu       sync.Mutex
	written  []wire.Request
	writeErr error
	online   int
	restarts int
}

func (f *fakeNetwork) GoOnline(timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online++
}

func (f *fakeNetwork) Destroy() {}

func (f *fakeNetwork) Restart(afterTimeout bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
}

func (f *fakeNetwork) Write(ctx context.Context, req wire.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, req)
	return nil
}

func (f *fakeNetwork) writes() []wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Request, len(f.written))
	copy(out, f.written)
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	batches []*wire.SubscriptionBatch
	failed  error
}

func (s *fakeSink) Ingest(b *wire.SubscriptionBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *fakeSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = err
}

func newTestManager(t *testing.T) (*Manager, *fakeNetwork) {
	t.Helper()
	net := &fakeNetwork{}
	m := newManager(Config{
		Codec:  wire.NewCodec(),
		Logger: log.New(testWriter{t}, "", 0),
	}, net)
	t.Cleanup(m.Stop)
	return m, net
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHandleConnectedSendsConnectThenFlushesQueuedWork(t *testing.T) {
	m, net := newTestManager(t)

	resultCh := m.SetAuthToken("tok-1")
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= 2 })
	writes := net.writes()
	if writes[0].Tag != wire.TagConnect {
		t.Fatalf("expected first write to be connect, got %q", writes[0].Tag)
	}
	if writes[1].Tag != wire.TagAuth || writes[1].Token != "tok-1" {
		t.Fatalf("expected second write to be auth with token, got %+v", writes[1])
	}

	select {
	case res := <-resultCh:
		t.Fatalf("auth should not settle until an ack arrives, got %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReconnectUsesExistingConnectionID(t *testing.T) {
	m, net := newTestManager(t)
	m.post(m.handleConnected)
	waitFor(t, func() bool { return len(net.writes()) >= 1 })
	// settle the initial connect so it doesn't linger as a pending request
	// to be replayed on the next disconnect.
	m.post(func() { m.settle(net.writes()[0].EventID, nil) })

	m.post(func() { m.handleDisconnected(transport.ReasonError, nil) })
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= 2 })
	writes := net.writes()
	last := writes[len(writes)-1]
	if last.Tag != wire.TagReconnect {
		t.Fatalf("expected reconnect after a prior connect, got %q", last.Tag)
	}
	if last.ConID == "" {
		t.Fatalf("reconnect must carry the previously assigned connection id")
	}
}

func TestPriorityOrderingHighBeforeMediumBeforeLow(t *testing.T) {
	m, net := newTestManager(t)

	sink := &fakeSink{}
	m.Subscribe("sub-1", "widgets", query.Query{}, sink)
	m.SetAuthToken("tok")
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= 3 })
	writes := net.writes()

	if writes[0].Tag != wire.TagConnect {
		t.Fatalf("expected connect first, got %q", writes[0].Tag)
	}
	if writes[1].Tag != wire.TagAuth {
		t.Fatalf("expected auth (medium) before subscribe (low), got %q", writes[1].Tag)
	}
	if writes[2].Tag != wire.TagSubscribe {
		t.Fatalf("expected subscribe last, got %q", writes[2].Tag)
	}
}

func TestUnsubscribeBeforeFlushSendsNoWireTraffic(t *testing.T) {
	m, net := newTestManager(t)
	sink := &fakeSink{}
	m.Subscribe("sub-1", "widgets", query.Query{}, sink)
	m.Unsubscribe("sub-1")
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	for _, w := range net.writes() {
		if w.Tag == wire.TagSubscribe || w.Tag == wire.TagUnsubscribe {
			t.Fatalf("expected no sub/uns wire traffic, got %q", w.Tag)
		}
	}
}

func TestDisconnectReplaysPendingRequestsBeforeQueuedWork(t *testing.T) {
	m, net := newTestManager(t)
	m.post(m.handleConnected)
	waitFor(t, func() bool { return len(net.writes()) >= 1 })
	// ack the initial connect so only the mutate below is left pending when
	// the disconnect hits.
	m.post(func() { m.settle(net.writes()[0].EventID, nil) })

	done := make(chan Result, 1)
	m.post(func() {
		m.enqueue(wire.Request{Tag: wire.TagMutate, ColID: "widgets"}, kindMutate, PriorityLow, false, 5*time.Second, done)
		m.flushQueue()
	})
	waitFor(t, func() bool { return len(net.writes()) >= 2 })

	m.post(func() { m.handleDisconnected(transport.ReasonError, nil) })
	// new work queued while disconnected must go out after the replay.
	m.post(func() {
		m.enqueue(wire.Request{Tag: wire.TagMerge, ColID: "widgets"}, kindMerge, PriorityLow, false, 0, nil)
	})
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= 5 })
	writes := net.writes()
	// after the reconnect write, the replayed mutate must come before any
	// brand-new queued work, per spec.md §4.4 step 4.
	foundReconnect := -1
	for i, w := range writes {
		if w.Tag == wire.TagReconnect {
			foundReconnect = i
			break
		}
	}
	if foundReconnect == -1 {
		t.Fatalf("expected a reconnect frame, writes=%+v", writes)
	}
	if writes[foundReconnect+1].Tag != wire.TagMutate {
		t.Fatalf("expected replayed mutate immediately after reconnect, got %q", writes[foundReconnect+1].Tag)
	}
	if writes[foundReconnect+2].Tag != wire.TagMerge {
		t.Fatalf("expected newly queued merge after the replayed mutate, got %q", writes[foundReconnect+2].Tag)
	}
}

func TestActiveSubscriptionResubscribedAfterTerminalDisconnect(t *testing.T) {
	m, net := newTestManager(t)
	sink := &fakeSink{}
	resubscribed := make(chan string, 1)
	m.SetResubscriber(func(subID string, s SubscriptionSink) {
		resubscribed <- subID
	})
	m.post(m.handleConnected)
	waitFor(t, func() bool { return len(net.writes()) >= 1 })

	m.post(func() {
		m.activeSubs["sub-1"] = sink
		m.subOrder = append(m.subOrder, "sub-1")
	})
	m.post(func() { m.handleDisconnected(transport.ReasonConnectTimeout, nil) })

	select {
	case subID := <-resubscribed:
		if subID != "sub-1" {
			t.Fatalf("expected resubscribe for sub-1, got %s", subID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("resubscribe was never called")
	}
}

func TestActiveSubscriptionResubscribedAfterConnectionTerminated(t *testing.T) {
	m, net := newTestManager(t)
	sink := &fakeSink{}
	resubscribed := make(chan string, 1)
	m.SetResubscriber(func(subID string, s SubscriptionSink) {
		resubscribed <- subID
	})
	m.post(m.handleConnected)
	waitFor(t, func() bool { return len(net.writes()) >= 1 })

	m.post(func() {
		m.activeSubs["sub-1"] = sink
		m.subOrder = append(m.subOrder, "sub-1")
		m.connectionID = "con-1"
	})
	m.post(func() { m.handleDisconnected(transport.ReasonConnectionTerminated, nil) })

	select {
	case subID := <-resubscribed:
		if subID != "sub-1" {
			t.Fatalf("expected resubscribe for sub-1, got %s", subID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("resubscribe was never called")
	}

	done := make(chan struct{})
	var gotID string
	m.post(func() { gotID = m.connectionID; close(done) })
	<-done
	if gotID != "" {
		t.Fatalf("expected connectionId cleared after connectionTerminated, got %q", gotID)
	}
}

// TestConnectionTerminatedErrFrameResetsWithoutDisconnect exercises the
// case spec.md §4.4 step 3 / §7 cover when the server declares the
// logical session dead via an err frame rather than closing the socket:
// connectionId must still be cleared and surviving subscriptions
// resubscribed, with no transport disconnect involved at all.
func TestConnectionTerminatedErrFrameResetsWithoutDisconnect(t *testing.T) {
	m, _ := newTestManager(t)
	sink := &fakeSink{}
	resubscribed := make(chan string, 1)
	m.SetResubscriber(func(subID string, s SubscriptionSink) {
		resubscribed <- subID
	})

	m.post(func() {
		m.connectionID = "con-1"
		m.activeSubs["sub-1"] = sink
		m.subOrder = append(m.subOrder, "sub-1")
	})

	data, err := json.Marshal(map[string]interface{}{
		"err": map[string]interface{}{"evt-id": "evt-1", "err-type": "connectionTerminated"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.post(func() { m.handleMessage(data) })

	select {
	case subID := <-resubscribed:
		if subID != "sub-1" {
			t.Fatalf("expected resubscribe for sub-1, got %s", subID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("resubscribe was never called")
	}

	done := make(chan struct{})
	var gotID string
	m.post(func() { gotID = m.connectionID; close(done) })
	<-done
	if gotID != "" {
		t.Fatalf("expected connectionId cleared after connectionTerminated err frame, got %q", gotID)
	}
}

// TestTerminalDisconnectReplayOrdersAuthResubscribeThenPendingMutations
// combines an armed auth token, an active subscription, and an unacked
// pending mutation in one terminal-disconnect scenario, asserting the
// full spec.md §8 scenario 3 order: con, auth, resub (registration
// order), pending mutations, then any new work.
func TestTerminalDisconnectReplayOrdersAuthResubscribeThenPendingMutations(t *testing.T) {
	m, net := newTestManager(t)
	sink := &fakeSink{}
	m.SetResubscriber(func(subID string, s SubscriptionSink) {
		m.Resubscribe(subID, "widgets", query.Query{})
	})

	m.SetAuthToken("tok-1")
	m.Subscribe("sub-1", "widgets", query.Query{}, sink)
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= 3 })
	m.post(func() {
		for _, w := range net.writes() {
			m.settle(w.EventID, nil)
		}
	})

	mutDone := make(chan Result, 1)
	m.post(func() {
		m.enqueue(wire.Request{Tag: wire.TagMutate, ColID: "widgets"}, kindMutate, PriorityLow, false, 5*time.Second, mutDone)
		m.flushQueue()
	})
	waitFor(t, func() bool { return len(net.writes()) >= 4 })
	base := len(net.writes())

	m.post(func() { m.handleDisconnected(transport.ReasonConnectTimeout, nil) })
	m.post(m.handleConnected)

	waitFor(t, func() bool { return len(net.writes()) >= base+4 })
	replay := net.writes()[base:]

	if replay[0].Tag != wire.TagConnect {
		t.Fatalf("expected a fresh connect first, got %q", replay[0].Tag)
	}
	if replay[1].Tag != wire.TagAuth {
		t.Fatalf("expected auth second, got %q", replay[1].Tag)
	}
	if replay[2].Tag != wire.TagSubscribe || replay[2].SubID != "sub-1" {
		t.Fatalf("expected resubscribe of sub-1 third, got %+v", replay[2])
	}
	if replay[3].Tag != wire.TagMutate {
		t.Fatalf("expected replayed mutate last, got %q", replay[3].Tag)
	}
}

func TestHeartbeatSendsNoopWhenIdle(t *testing.T) {
	m, net := newTestManager(t)
	m.post(m.handleConnected)
	waitFor(t, func() bool { return len(net.writes()) >= 1 })

	m.post(func() {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = time.AfterFunc(10*time.Millisecond, func() {
			m.post(func() {
				m.enqueue(wire.Request{Tag: wire.TagNoop}, kindNoop, PriorityLow, false, 0, nil)
				m.flushQueue()
			})
		})
	})

	waitFor(t, func() bool {
		for _, w := range net.writes() {
			if w.Tag == wire.TagNoop {
				return true
			}
		}
		return false
	})
}
