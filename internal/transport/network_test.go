package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odinrealtime/rdb-go/internal/wire"
)

var testUpgrader = websocket.Upgrader{}

func echoServer(t *testing.T, onMessage func(string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onMessage != nil {
				onMessage(string(data))
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
}

func TestGoOnlineConnects(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var wg sync.WaitGroup
	wg.Add(1)
	h := New(Config{
		URL:   wsURL,
		Codec: wire.NewCodec(),
		OnConnected: func() {
			wg.Done()
		},
	})
	h.GoOnline(2 * time.Second)
	t.Cleanup(h.Destroy)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}
	if h.StateNow() != Connected {
		t.Fatalf("expected Connected, got %v", h.StateNow())
	}
}

func TestWriteRoundTrips(t *testing.T) {
	received := make(chan string, 1)
	srv := echoServer(t, func(s string) { received <- s })
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	connected := make(chan struct{})
	h := New(Config{
		URL:         wsURL,
		Codec:       wire.NewCodec(),
		OnConnected: func() { close(connected) },
	})
	h.GoOnline(2 * time.Second)
	t.Cleanup(h.Destroy)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Write(ctx, wire.Request{Tag: wire.TagNoop, EventID: "e1"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case msg := <-received:
		if !strings.Contains(msg, `"nop"`) {
			t.Fatalf("unexpected payload: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}
}
