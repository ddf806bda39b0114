// Package transport owns the single outbound connection a Database keeps
// open to the server. It is the client-side mirror of the teacher's
// pkg/websocket.Client: same read-pump/write-pump split over channels, same
// ping/pong deadlines, but dialing out with a *websocket.Dialer instead of
// accepting with an Upgrader.
package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odinrealtime/rdb-go/internal/metrics"
	"github.com/odinrealtime/rdb-go/internal/model"
	"github.com/odinrealtime/rdb-go/internal/wire"
)

// State is the network handler's connection state, per spec.md §4.3.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

const (
	// DefaultTimeout is spec.md §6's connect-timer duration.
	DefaultTimeout = 300 * time.Second
	settleDelay    = 1 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// DisconnectReason classifies why the socket went down, feeding spec.md
// §4.4's disconnect-handling branch on connectionTerminated vs timeout vs
// a plain transport drop.
type DisconnectReason int

const (
	ReasonTransportClosed DisconnectReason = iota
	ReasonConnectTimeout
	ReasonError
	// ReasonConnectionTerminated marks a disconnect the server signaled
	// deliberately (a websocket close frame), as opposed to the socket
	// simply dying underneath us. Per spec.md §4.4 step 3 / §7 this is
	// terminal: the session manager must clear connectionId and force a
	// fresh connect + resubscribe rather than reuse it in a `rec`.
	ReasonConnectionTerminated
)

// Handler owns one websocket connection. Apart from connect-timer expiry,
// which calls Restart itself, restart/goOnline/goOffline are driven by the
// session manager per spec.md §4.3/§4.4.
type Handler struct {
	url    string
	dialer *websocket.Dialer
	codec  *wire.Codec
	logger *log.Logger
	metric metrics.MetricsInterface

	onConnected    func()
	onDisconnected func(reason DisconnectReason, err error)
	onMessage      func(data []byte)

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	terminated  bool
	intentional bool
	connectedAt time.Time

	connectTimer *time.Timer
	writeCh      chan writeJob
	stopReadPump chan struct{}
}

type writeJob struct {
	data []byte
	done chan error
}

// Config bundles a Handler's fixed collaborators.
type Config struct {
	URL            string
	Codec          *wire.Codec
	Logger         *log.Logger
	Metrics        metrics.MetricsInterface
	OnConnected    func()
	OnDisconnected func(reason DisconnectReason, err error)
	OnMessage      func(data []byte)
}

// New builds a Handler in the Disconnected state. Call GoOnline to dial.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[rdb] ", log.LstdFlags)
	}
	return &Handler{
		url:            cfg.URL,
		dialer:         &websocket.Dialer{HandshakeTimeout: 45 * time.Second},
		codec:          cfg.Codec,
		logger:         logger,
		metric:         cfg.Metrics,
		onConnected:    cfg.OnConnected,
		onDisconnected: cfg.OnDisconnected,
		onMessage:      cfg.OnMessage,
		state:          Disconnected,
	}
}

// GoOnline dials the server. Arms the connect-timer for timeout
// (DefaultTimeout when timeout <= 0) per spec.md §4.3; expiry calls
// Restart(true), which reports ReasonConnectTimeout.
func (h *Handler) GoOnline(timeout time.Duration) {
	h.mu.Lock()
	if h.terminated || h.state != Disconnected {
		h.mu.Unlock()
		return
	}
	h.state = Connecting
	h.intentional = false
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h.connectTimer = time.AfterFunc(timeout, func() { h.Restart(true) })
	h.mu.Unlock()

	go h.dial()
}

func (h *Handler) dial() {
	conn, _, err := h.dialer.Dial(h.url, http.Header{})
	h.mu.Lock()
	if h.terminated || h.state != Connecting {
		h.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		h.state = Disconnected
		h.stopConnectTimerLocked()
		h.mu.Unlock()
		if h.metric != nil {
			h.metric.RecordError(string(model.KindConnectionTerminated))
		}
		h.logger.Printf("transport: dial failed: %v", err)
		h.scheduleDisconnectNotice(ReasonError, err)
		return
	}

	h.conn = conn
	h.state = Connected
	h.connectedAt = time.Now()
	h.stopConnectTimerLocked()
	h.writeCh = make(chan writeJob, 64)
	h.stopReadPump = make(chan struct{})
	readDone := h.stopReadPump
	writeCh := h.writeCh
	h.mu.Unlock()

	if h.metric != nil {
		h.metric.SetConnectionState(true)
	}
	if h.onConnected != nil {
		h.onConnected()
	}

	go h.readPump(conn, readDone)
	go h.writePump(conn, writeCh, readDone)
}

func (h *Handler) stopConnectTimerLocked() {
	if h.connectTimer != nil {
		h.connectTimer.Stop()
		h.connectTimer = nil
	}
}

// GoOffline closes the connection intentionally; no disconnect notice is
// sent upstream for the resulting drop.
func (h *Handler) GoOffline() {
	h.mu.Lock()
	h.intentional = true
	conn := h.conn
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Restart tears down the current connection (if any) and reconnects. Used
// both for connect-timer expiry (afterTimeout=true picks ReasonConnectTimeout
// semantics upstream) and for session-driven restarts after a disconnect.
func (h *Handler) Restart(afterTimeout bool) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	conn := h.conn
	wasConnecting := h.state == Connecting
	h.state = Disconnected
	h.stopConnectTimerLocked()
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnecting && afterTimeout {
		h.scheduleDisconnectNotice(ReasonConnectTimeout, errors.New("connect timed out"))
	}
	h.GoOnline(DefaultTimeout)
}

// Destroy sets the terminated latch: subsequent disconnect events are
// suppressed from triggering reconnect, per spec.md §4.3.
func (h *Handler) Destroy() {
	h.mu.Lock()
	h.terminated = true
	conn := h.conn
	h.stopConnectTimerLocked()
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Write serializes req synchronously on the calling goroutine (there is
// no separate serialization queue) and hands the resulting bytes to the
// write pump, which executes the actual socket write on the connection's
// own goroutine.
func (h *Handler) Write(ctx context.Context, req wire.Request) error {
	data, err := h.codec.Serialize(req)
	if err != nil {
		return err
	}
	return h.writeRaw(ctx, data)
}

func (h *Handler) writeRaw(ctx context.Context, data []byte) error {
	h.mu.Lock()
	ch := h.writeCh
	h.mu.Unlock()
	if ch == nil {
		return model.New(model.KindConnectionTerminated, "write attempted while disconnected")
	}
	done := make(chan error, 1)
	select {
	case ch <- writeJob{data: data, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) writePump(conn *websocket.Conn, jobs <-chan writeJob, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case job := <-jobs:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, job.data)
			if job.done != nil {
				job.done <- err
			}
			if err != nil {
				if h.metric != nil {
					h.metric.RecordError("transport_write")
				}
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, stop chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.onConnDropped(stop, err)
			return
		}
		if h.onMessage != nil {
			h.onMessage(data)
		}
	}
}

func (h *Handler) onConnDropped(stop chan struct{}, err error) {
	h.mu.Lock()
	if h.state != Connected && h.state != Connecting {
		h.mu.Unlock()
		return
	}
	intentional := h.intentional
	connectedAt := h.connectedAt
	h.state = Disconnected
	h.conn = nil
	h.writeCh = nil
	h.mu.Unlock()
	close(stop)

	if h.metric != nil {
		h.metric.SetConnectionState(false)
		if !connectedAt.IsZero() {
			h.metric.RecordConnectionDuration(time.Since(connectedAt))
		}
	}
	if intentional {
		return
	}
	h.scheduleDisconnectNotice(classifyDrop(err), err)
}

// classifyDrop distinguishes a server-initiated close (the server sent a
// close frame, meaning it deliberately ended the logical session) from an
// ordinary transport failure (reset connection, read timeout, EOF from a
// dead link). Only the former is connectionTerminated.
func classifyDrop(err error) DisconnectReason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return ReasonConnectionTerminated
	}
	return ReasonTransportClosed
}

// scheduleDisconnectNotice waits settleDelay before reporting an
// unintentional disconnect, per spec.md §4.3 ("let the socket settle").
func (h *Handler) scheduleDisconnectNotice(reason DisconnectReason, err error) {
	time.AfterFunc(settleDelay, func() {
		h.mu.Lock()
		terminated := h.terminated
		h.mu.Unlock()
		if terminated {
			return
		}
		if h.onDisconnected != nil {
			h.onDisconnected(reason, err)
		}
	})
}

// StateNow reports the current connection state.
func (h *Handler) StateNow() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
