package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/diverge/internal/middleware"
)

const (
	// pongWait is how long a subscriber may go without answering a ping.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10
)

// Subscriptions registers websocket connections for ledger events.
// *event.Broadcaster implements it.
type Subscriptions interface {
	Subscribe(conn *websocket.Conn)
	Unsubscribe(conn *websocket.Conn)
}

// EventHandlers streams committed ledger events to websocket clients.
type EventHandlers struct {
	subs     Subscriptions
	upgrader websocket.Upgrader
}

// NewEventHandlers creates event handlers accepting upgrades from origins
// that pass checkOrigin.
func NewEventHandlers(subs Subscriptions, checkOrigin middleware.OriginChecker) *EventHandlers {
	return &EventHandlers{
		subs: subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Subscribe handles GET /v1/events. Clients receive one JSON message per
// recorded session and are not expected to send anything.
func (h *EventHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !websocket.IsWebSocketUpgrade(r) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Websocket upgrade required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}

	h.subs.Subscribe(conn)
	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "websocket client subscribed to ledger events", "request_id", requestID)

	defer func() {
		h.subs.Unsubscribe(conn)
		conn.Close()
		slog.InfoContext(ctx, "websocket client unsubscribed", "request_id", requestID)
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// WriteControl may run concurrently with broadcast writes.
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Reading detects disconnects and processes control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket connection closed unexpectedly", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
