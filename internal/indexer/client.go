package indexer

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler processes one message from the event stream. Returning an
// error drops the connection; the client reconnects with backoff.
type MessageHandler func(ctx context.Context, messageType int, payload []byte) error

// ConnectHook runs after every successful connection, before the first
// message is read. Messages that arrive meanwhile wait in the socket.
type ConnectHook func(ctx context.Context) error

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectHook sets the hook run after each connection.
func WithConnectHook(hook ConnectHook) ClientOption {
	return func(c *Client) { c.onConnect = hook }
}

// WithClientMetrics sets the metrics sink for connection attempts.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client is a resilient WebSocket client for the ledger event stream.
// It automatically reconnects with exponential backoff and jitter.
type Client struct {
	config    Config
	handler   MessageHandler
	onConnect ConnectHook
	metrics   *Metrics
	logger    *slog.Logger

	mu          sync.Mutex
	rng         *rand.Rand // protected by mu
	conn        *websocket.Conn
	isConnected bool

	// reconnectCount tracks consecutive failed attempts (atomic)
	reconnectCount int64
}

// NewClient creates a new event stream client with the given configuration.
// The handler will be called for each incoming message.
func NewClient(config Config, handler MessageHandler, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config:  config,
		handler: handler,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run connects to the event stream and blocks until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event stream client stopping due to context cancellation")
			c.close()
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			if !c.backoff(ctx, err) {
				return ctx.Err()
			}
			continue
		}

		if c.onConnect != nil {
			if err := c.onConnect(ctx); err != nil {
				c.close()
				if !c.backoff(ctx, err) {
					return ctx.Err()
				}
				continue
			}
		}

		atomic.StoreInt64(&c.reconnectCount, 0)
		c.readLoop(ctx)
	}
}

// backoff logs a failed attempt and sleeps. It returns false if ctx ended
// while waiting.
func (c *Client) backoff(ctx context.Context, cause error) bool {
	delay := c.computeBackoff()
	attempt := atomic.AddInt64(&c.reconnectCount, 1)
	c.metrics.IncReconnectAttempts()

	level := slog.LevelWarn
	if c.config.MaxRetryAttempts > 0 && attempt >= c.config.MaxRetryAttempts {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "event stream connection failed",
		slog.String("error", cause.Error()),
		slog.Int64("attempt", attempt),
		slog.Duration("retry_in", delay))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// connect establishes a WebSocket connection to the event stream.
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to event stream", slog.String("url", c.config.URL))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.isConnected = true
	c.mu.Unlock()

	c.logger.Info("connected to event stream")
	return nil
}

// readLoop reads messages from the WebSocket connection until it closes or
// ctx is cancelled.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	// ReadMessage does not observe ctx; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("event stream connection closed",
					slog.String("error", err.Error()))
			}
			c.close()
			return
		}

		if c.handler != nil {
			if err := c.handler(ctx, messageType, payload); err != nil {
				c.logger.Error("message handler error",
					slog.String("error", err.Error()))
				c.close()
				return
			}
		}
	}
}

// close cleanly closes the WebSocket connection.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.isConnected = false
}

// computeBackoff calculates the next reconnection delay with exponential backoff and jitter.
func (c *Client) computeBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	// baseDelay * 2^attempts, shift capped at 30 to prevent overflow
	shift := uint(atomic.LoadInt64(&c.reconnectCount))
	if shift > 30 {
		shift = 30
	}
	backoff := float64(c.config.BaseDelay) * float64(uint64(1)<<shift)

	if backoff > float64(c.config.MaxDelay) {
		backoff = float64(c.config.MaxDelay)
	}

	// Jitter keeps the delay in [delay*(1-jitter/2), delay*(1+jitter/2)].
	if c.config.JitterFactor > 0 {
		jitter := (c.rng.Float64() - 0.5) * c.config.JitterFactor
		backoff = backoff * (1 + jitter)
	}

	return time.Duration(backoff)
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}
