// Package event fans committed ledger events out to WebSocket subscribers.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/diverge/internal/ledger"
)

const (
	// DefaultWriteTimeout bounds a single write to one subscriber.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultSendBuffer is how many events may wait for a subscriber before
	// it is dropped as too slow.
	DefaultSendBuffer = 64
)

// subscriber owns one connection. Only its writer goroutine writes data
// frames to conn.
type subscriber struct {
	conn       *websocket.Conn
	remoteAddr string
	send       chan []byte
	quit       chan struct{}
	closeCode  int // close frame sent on quit; zero sends none
}

// Broadcaster manages WebSocket connections and broadcasts ledger events.
// It implements ledger.Publisher.
type Broadcaster struct {
	mu           sync.Mutex
	subscribers  map[*websocket.Conn]*subscriber
	closed       bool
	writers      sync.WaitGroup
	writeTimeout time.Duration
	sendBuffer   int
	logger       *slog.Logger
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers:  make(map[*websocket.Conn]*subscriber),
		writeTimeout: DefaultWriteTimeout,
		sendBuffer:   DefaultSendBuffer,
		logger:       logger,
	}
}

// WithSendBuffer sets the per-subscriber queue length for connections
// subscribed afterwards.
func (b *Broadcaster) WithSendBuffer(n int) *Broadcaster {
	if n > 0 {
		b.sendBuffer = n
	}
	return b
}

// Subscribe registers a WebSocket connection and starts its writer.
func (b *Broadcaster) Subscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		conn.Close()
		return
	}
	s := &subscriber{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, b.sendBuffer),
		quit:       make(chan struct{}),
	}
	b.subscribers[conn] = s
	b.writers.Add(1)
	go b.writeLoop(s)
}

// Unsubscribe removes a WebSocket connection.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[conn]; ok {
		b.removeLocked(s, 0)
	}
}

// removeLocked stops s. b.mu must be held.
func (b *Broadcaster) removeLocked(s *subscriber, closeCode int) {
	delete(b.subscribers, s.conn)
	s.closeCode = closeCode
	close(s.quit)
}

func (b *Broadcaster) writeLoop(s *subscriber) {
	defer b.writers.Done()
	for {
		select {
		case <-s.quit:
			if s.closeCode != 0 {
				msg := websocket.FormatCloseMessage(s.closeCode, "")
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			s.conn.Close()
			return

		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Warn("dropping websocket subscriber",
					slog.String("remote_addr", s.remoteAddr),
					slog.String("error", err.Error()),
				)
				b.mu.Lock()
				if b.subscribers[s.conn] == s {
					b.removeLocked(s, 0)
				}
				b.mu.Unlock()
			}
		}
	}
}

// Publish queues ev for every subscriber and returns without waiting for the
// writes. A subscriber whose queue is full is dropped. Publish only fails
// when the event cannot be encoded.
func (b *Broadcaster) Publish(ctx context.Context, ev ledger.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		select {
		case s.send <- data:
		default:
			b.logger.WarnContext(ctx, "dropping slow websocket subscriber",
				slog.String("remote_addr", s.remoteAddr),
				slog.Int("queued", len(s.send)),
			)
			b.removeLocked(s, websocket.ClosePolicyViolation)
		}
	}
	return nil
}

// ConnectionCount returns the number of active subscribers.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber and waits for their writers to stop.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	for _, s := range b.subscribers {
		b.removeLocked(s, websocket.CloseGoingAway)
	}
	b.mu.Unlock()

	b.writers.Wait()
}
