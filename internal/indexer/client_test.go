package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestLogger creates a logger that discards all output to reduce test noise
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestClient_NewClient(t *testing.T) {
	if _, err := NewClient(DefaultConfig("ws://localhost:8080/v1/events"), nil, nil); err != nil {
		t.Fatalf("NewClient() unexpected error = %v", err)
	}
	if _, err := NewClient(Config{}, nil, nil); !errors.Is(err, ErrEmptyURL) {
		t.Errorf("NewClient() with empty config error = %v, want ErrEmptyURL", err)
	}
}

// mockServer is a WebSocket server that streams a fixed message and can drop
// connections after N messages.
type mockServer struct {
	server       *httptest.Server
	upgrader     websocket.Upgrader
	mu           sync.Mutex
	connections  []*websocket.Conn
	messagesSent int32
	closeAfterN  int32
}

func newMockServer(closeAfterN int) *mockServer {
	ms := &mockServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		closeAfterN: int32(closeAfterN),
	}

	ms.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ms.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ms.mu.Lock()
		ms.connections = append(ms.connections, conn)
		ms.mu.Unlock()

		for {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"heartbeat"}`)); err != nil {
				return
			}
			count := atomic.AddInt32(&ms.messagesSent, 1)
			if ms.closeAfterN > 0 && count%ms.closeAfterN == 0 {
				conn.Close()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))

	return ms
}

func (ms *mockServer) URL() string {
	return "ws" + strings.TrimPrefix(ms.server.URL, "http")
}

func (ms *mockServer) Close() {
	ms.mu.Lock()
	for _, conn := range ms.connections {
		conn.Close()
	}
	ms.mu.Unlock()
	ms.server.Close()
}

func (ms *mockServer) ConnectionCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.connections)
}

func TestClient_Connect_Success(t *testing.T) {
	ms := newMockServer(0)
	defer ms.Close()

	var received int32
	handler := func(_ context.Context, _ int, _ []byte) error {
		atomic.AddInt32(&received, 1)
		return nil
	}

	client, err := NewClient(testConfig(ms.URL()), handler, newTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	time.Sleep(80 * time.Millisecond)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if atomic.LoadInt32(&received) == 0 {
		t.Error("expected to receive at least one message")
	}
}

func TestClient_Reconnect_AfterForcedClose(t *testing.T) {
	ms := newMockServer(2)
	defer ms.Close()

	config := testConfig(ms.URL())
	config.BaseDelay = 5 * time.Millisecond
	config.MaxDelay = 10 * time.Millisecond

	client, err := NewClient(config, nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = client.Run(ctx)

	if n := ms.ConnectionCount(); n < 2 {
		t.Errorf("expected at least 2 connections due to reconnect, got %d", n)
	}
}

func TestClient_HandlerErrorReconnects(t *testing.T) {
	ms := newMockServer(0)
	defer ms.Close()

	handler := func(_ context.Context, _ int, _ []byte) error {
		return errors.New("storage down")
	}
	client, err := NewClient(testConfig(ms.URL()), handler, newTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = client.Run(ctx)

	if n := ms.ConnectionCount(); n < 2 {
		t.Errorf("expected a reconnect after handler error, got %d connections", n)
	}
}

func TestClient_ComputeBackoff(t *testing.T) {
	config := Config{
		URL:       "ws://test.example.com",
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  1 * time.Second,
	}
	client, _ := NewClient(config, nil, nil)

	tests := []struct {
		attempt  int64
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second}, // capped
		{10, 1 * time.Second},
		{64, 1 * time.Second}, // shift capped
	}

	for _, tt := range tests {
		atomic.StoreInt64(&client.reconnectCount, tt.attempt)
		if got := client.computeBackoff(); got != tt.expected {
			t.Errorf("computeBackoff() with attempt=%d = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestClient_ComputeBackoff_WithJitter(t *testing.T) {
	config := Config{
		URL:          "ws://test.example.com",
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		JitterFactor: 0.5,
	}
	client, _ := NewClient(config, nil, nil)

	// 50% jitter on attempt 0 gives [75ms, 125ms].
	for i := 0; i < 100; i++ {
		got := client.computeBackoff()
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("computeBackoff() with jitter = %v, want in [75ms, 125ms]", got)
		}
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	ms := newMockServer(0)
	defer ms.Close()

	client, err := NewClient(testConfig(ms.URL()), nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not exit after context cancellation")
	}
	if client.IsConnected() {
		t.Error("expected IsConnected() = false after cancellation")
	}
}

func TestClient_ConnectionFailure_TriggersBackoff(t *testing.T) {
	failures := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&failures, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := testConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	config.MaxDelay = 20 * time.Millisecond
	config.MaxRetryAttempts = 3

	metrics := NewMetrics()
	client, err := NewClient(config, nil, newTestLogger(), WithClientMetrics(metrics))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = client.Run(ctx)

	attempts := atomic.LoadInt64(&client.reconnectCount)
	if attempts < config.MaxRetryAttempts {
		t.Errorf("expected at least %d retry attempts, got %d", config.MaxRetryAttempts, attempts)
	}
	if v := getCounterValue(metrics.reconnectAttempts); v != float64(attempts) {
		t.Errorf("reconnectAttempts = %v, want %d", v, attempts)
	}
	if atomic.LoadInt32(&failures) < int32(config.MaxRetryAttempts) {
		t.Errorf("expected at least %d handshakes, got %d", config.MaxRetryAttempts, failures)
	}
}

func TestClient_ConnectHook(t *testing.T) {
	ms := newMockServer(1)
	defer ms.Close()

	var hooks, messages int32
	hook := func(context.Context) error {
		atomic.AddInt32(&hooks, 1)
		return nil
	}
	handler := func(context.Context, int, []byte) error {
		// Every message must follow a hook run.
		if atomic.LoadInt32(&hooks) == 0 {
			t.Error("message handled before connect hook ran")
		}
		atomic.AddInt32(&messages, 1)
		return nil
	}

	client, err := NewClient(testConfig(ms.URL()), handler, newTestLogger(), WithConnectHook(hook))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = client.Run(ctx)

	if atomic.LoadInt32(&hooks) < 2 {
		t.Errorf("connect hook ran %d times, want one per connection (>= 2)", hooks)
	}
	if atomic.LoadInt32(&messages) == 0 {
		t.Error("no messages handled")
	}
}

func TestClient_ConnectHookFailure(t *testing.T) {
	ms := newMockServer(0)
	defer ms.Close()

	var messages int32
	hook := func(context.Context) error { return errors.New("api unreachable") }
	handler := func(context.Context, int, []byte) error {
		atomic.AddInt32(&messages, 1)
		return nil
	}

	client, err := NewClient(testConfig(ms.URL()), handler, newTestLogger(), WithConnectHook(hook))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = client.Run(ctx)

	if n := atomic.LoadInt32(&messages); n != 0 {
		t.Errorf("handled %d messages although the connect hook failed", n)
	}
	if ms.ConnectionCount() < 2 {
		t.Errorf("expected reconnects after hook failure, got %d connections", ms.ConnectionCount())
	}
}
