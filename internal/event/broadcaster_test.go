package event

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/diverge/internal/ledger"
)

func newServer(t *testing.T, b *Broadcaster) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.Subscribe(conn)
		defer func() {
			b.Unsubscribe(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, b *Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ConnectionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ConnectionCount() = %d, want %d", b.ConnectionCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testEvent(id uint32) ledger.Event {
	return ledger.Event{
		Topic: ledger.TopicNewSession,
		Kind:  "KINESIO",
		Session: ledger.Session{
			ID:        id,
			Kind:      "KINESIO",
			Status:    "OK",
			YearMonth: 202512,
		},
	}
}

func TestBroadcaster_Publish(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := newServer(t, b)

	clients := []*websocket.Conn{dial(t, srv), dial(t, srv)}
	waitForSubscribers(t, b, len(clients))

	if err := b.Publish(context.Background(), testEvent(7)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, c := range clients {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got ledger.Event
		if err := c.ReadJSON(&got); err != nil {
			t.Fatalf("client %d ReadJSON() error = %v", i, err)
		}
		if got.Topic != ledger.TopicNewSession || got.Session.ID != 7 || got.Kind != "KINESIO" {
			t.Errorf("client %d received %+v", i, got)
		}
		if got.Session.YearMonth != 202512 {
			t.Errorf("client %d year_month = %d, want 202512", i, got.Session.YearMonth)
		}
	}
}

func TestBroadcaster_NoSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	if err := b.Publish(context.Background(), testEvent(1)); err != nil {
		t.Errorf("Publish() with no subscribers error = %v", err)
	}
}

func TestBroadcaster_UnsubscribeOnDisconnect(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := newServer(t, b)

	c := dial(t, srv)
	waitForSubscribers(t, b, 1)

	c.Close()
	waitForSubscribers(t, b, 0)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := newServer(t, b)

	c := dial(t, srv)
	waitForSubscribers(t, b, 1)

	b.Close()
	if n := b.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() after Close = %d, want 0", n)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() after Close error = %v, want going away close", err)
	}
}

func TestBroadcaster_DropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(nil).WithSendBuffer(1)
	s := &subscriber{
		conn:       new(websocket.Conn),
		remoteAddr: "192.0.2.10:41000",
		send:       make(chan []byte, 1),
		quit:       make(chan struct{}),
	}
	b.subscribers[s.conn] = s

	if err := b.Publish(context.Background(), testEvent(1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n := b.ConnectionCount(); n != 1 {
		t.Fatalf("ConnectionCount() after queued publish = %d, want 1", n)
	}

	if err := b.Publish(context.Background(), testEvent(2)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n := b.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() after overflow = %d, want 0", n)
	}
	select {
	case <-s.quit:
	default:
		t.Fatal("slow subscriber not stopped")
	}
	if s.closeCode != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", s.closeCode, websocket.ClosePolicyViolation)
	}
}

func TestBroadcaster_PublishDoesNotWaitForReaders(t *testing.T) {
	b := NewBroadcaster(nil)
	t.Cleanup(b.Close)
	srv := newServer(t, b)

	// This client never reads.
	_ = dial(t, srv)
	waitForSubscribers(t, b, 1)

	start := time.Now()
	for i := uint32(1); i <= 5000; i++ {
		if err := b.Publish(context.Background(), testEvent(i)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("5000 publishes took %v with a stalled subscriber", elapsed)
	}
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Close()
	srv := newServer(t, b)

	c := dial(t, srv)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Error("connection accepted by a closed broadcaster")
	}
	if n := b.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", n)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	for i := uint32(1); i <= 3; i++ {
		if err := r.Publish(context.Background(), testEvent(i)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("len(Events()) = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Session.ID != uint32(i+1) {
			t.Errorf("event %d id = %d, want %d", i, ev.Session.ID, i+1)
		}
	}

	events[0].Session.ID = 99
	if r.Events()[0].Session.ID != 1 {
		t.Error("Events() returned shared slice")
	}

	r.Err = errors.New("down")
	if err := r.Publish(context.Background(), testEvent(4)); err == nil {
		t.Error("Publish() with Err set returned nil")
	}
	if len(r.Events()) != 3 {
		t.Error("failed Publish() recorded an event")
	}
}
