// Package session implements the single-threaded session event loop of
// spec.md §4.4: the priority queue, pending-request table, heartbeat,
// connect/reconnect disambiguation, and disconnect replay logic. Grounded
// on the teacher's internal hub loop (pkg/websocket/hub.go's
// register/unregister/broadcast select loop) generalized from three
// channels to one action queue, since the session manager's operation set
// (post, connect, disconnect, inbound frame, heartbeat tick, unsubscribe)
// is wider than a broadcast hub's; the single-owning-goroutine invariant
// that removes the need for locks is kept identical.
package session

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/odinrealtime/rdb-go/internal/metrics"
	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/transport"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// State is the session's logical connection state, independent of the
// transport's own (disconnected/connecting/connected) state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

const heartbeatInterval = 30 * time.Second

// SubscriptionSink is the subset of internal/subscription.Handler the
// session manager needs: deliver batches and fail on error/revocation.
// Kept as an interface here (rather than importing internal/subscription
// directly, which would import session back for posting) so the
// subscription handler reaches the manager only through narrow
// interfaces and its own subID, never through the manager's maps, per
// spec.md §9's "id-based back-reference" redesign.
type SubscriptionSink interface {
	Ingest(batch *wire.SubscriptionBatch)
	Fail(err error)
}

// Config bundles a Manager's fixed collaborators.
type Config struct {
	URL     string
	Codec   *wire.Codec
	Logger  *log.Logger
	Metrics metrics.MetricsInterface

	// IDGen produces unique event/connection/subscription ids; defaults
	// to a timestamp+counter generator if nil.
	IDGen func() string
}

// networkHandle is the subset of *transport.Handler the session loop
// drives. Kept as an interface so tests can drive the loop against a fake
// transport instead of a real socket.
type networkHandle interface {
	GoOnline(timeout time.Duration)
	Destroy()
	Restart(afterTimeout bool)
	Write(ctx context.Context, req wire.Request) error
}

// Manager owns the session event loop. Every exported method is safe to
// call from any goroutine: each posts a closure onto the manager's single
// action loop rather than touching its maps directly.
type Manager struct {
	network networkHandle
	codec   *wire.Codec
	logger  *log.Logger
	metric  metrics.MetricsInterface
	idgen   func() string

	actions chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// --- fields below are owned exclusively by the run() goroutine ---
	state        State
	connectionID string
	authToken    string
	authSet      bool

	queue           eventQueue
	pendingRequests map[string]*pendingEntry
	activeSubs      map[string]SubscriptionSink // subID -> sink
	subOrder        []string                    // subID registration order, for resubscribe replay
	pendingFetches  map[string]chan fetchResult
	pendingExecs    map[string]struct{}

	heartbeatTimer *time.Timer

	// resubscribeFn is set by the subscription package (via
	// SetResubscriber) to re-issue a sub request for a subscription that
	// survived a connectionTerminated/timeout disconnect.
	resubscribeFn func(subID string, sink SubscriptionSink)
}

// SetResubscriber wires the callback the manager uses to replay active
// subscriptions after a logical session reset (spec.md §4.4 step 3).
// Subscribe already knows how to build the sub request for its own
// handler, so the manager defers to it instead of reconstructing a
// wire.Request from a bare SubscriptionSink.
func (m *Manager) SetResubscriber(fn func(subID string, sink SubscriptionSink)) {
	m.post(func() { m.resubscribeFn = fn })
}

type fetchResult struct {
	docs []model.Document
	err  error
}

// New builds a Manager, its owned transport.Handler, and starts the
// action loop. It does not dial yet; call GoOnline.
func New(cfg Config) *Manager {
	return newManager(cfg, nil)
}

// newManager is New's implementation, taking an optional pre-built
// network handle so tests can substitute a fake transport. When network
// is nil a real *transport.Handler is built and wired to post the
// manager's connect/disconnect/message callbacks onto its loop.
func newManager(cfg Config, network networkHandle) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[rdb] ", log.LstdFlags)
	}
	idgen := cfg.IDGen
	if idgen == nil {
		idgen = newIDGenerator()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		codec:           cfg.Codec,
		logger:          logger,
		metric:          cfg.Metrics,
		idgen:           idgen,
		actions:         make(chan func(), 256),
		ctx:             ctx,
		cancel:          cancel,
		pendingRequests: make(map[string]*pendingEntry),
		activeSubs:      make(map[string]SubscriptionSink),
		pendingFetches:  make(map[string]chan fetchResult),
		pendingExecs:    make(map[string]struct{}),
	}
	if network != nil {
		m.network = network
	} else {
		m.network = transport.New(transport.Config{
			URL:            cfg.URL,
			Codec:          cfg.Codec,
			Logger:         logger,
			Metrics:        cfg.Metrics,
			OnConnected:    func() { m.post(m.handleConnected) },
			OnDisconnected: func(reason transport.DisconnectReason, err error) { m.post(func() { m.handleDisconnected(reason, err) }) },
			OnMessage:      func(data []byte) { m.post(func() { m.handleMessage(data) }) },
		})
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// post enqueues fn to run on the manager's single loop goroutine. Safe
// to call before or after the loop starts; fn is dropped if the manager
// has been stopped.
func (m *Manager) post(fn func()) {
	select {
	case m.actions <- fn:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.actions:
			fn()
		}
	}
}

// GoOnline starts the connection. Safe to call once at startup.
func (m *Manager) GoOnline() {
	m.network.GoOnline(transport.DefaultTimeout)
}

// Stop tears down the transport and the action loop. Requests still
// queued or awaiting an ack are not settled and active subscriptions are
// not failed: their result channels and sinks receive nothing further.
func (m *Manager) Stop() {
	m.network.Destroy()
	m.cancel()
	m.wg.Wait()
}

// SetAuthToken arms an auth request, queued at medium priority, to be
// sent (or resent) whenever the session is connected.
func (m *Manager) SetAuthToken(token string) <-chan Result {
	result := make(chan Result, 1)
	m.post(func() {
		m.authToken = token
		m.authSet = true
		m.enqueue(wire.Request{Tag: wire.TagAuth, Token: token}, kindAuth, PriorityMedium, false, 0, result)
		m.flushQueue()
	})
	return result
}

// Deauth clears the auth token and tells the server to drop it too.
func (m *Manager) Deauth() <-chan Result {
	result := make(chan Result, 1)
	m.post(func() {
		m.authToken = ""
		m.authSet = false
		m.enqueue(wire.Request{Tag: wire.TagDeauth}, kindDeauth, PriorityMedium, false, 0, result)
		m.flushQueue()
	})
	return result
}
