package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scaneye/scaneye/internal/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are restricted by the CORS layer, not here.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventsHandler streams bus events to websocket clients.
type EventsHandler struct {
	bus    *eventbus.EventBus
	logger *slog.Logger
}

func NewEventsHandler(bus *eventbus.EventBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger.With("component", "events")}
}

// ServeWS handles GET /api/events. Each connection holds one subscription
// for its lifetime.
func (h *EventsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", "error", err)
		return
	}

	sub := h.bus.Subscribe()
	h.logger.Debug("Client connected", "subscription", sub.ID, "remote", r.RemoteAddr)

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

// readPump discards client messages and detects disconnects. It owns the
// subscription: leaving unsubscribes, which stops writePump.
func (h *EventsHandler) readPump(conn *websocket.Conn, sub *eventbus.Subscription) {
	defer func() {
		h.bus.Unsubscribe(sub)
		conn.Close()
		h.logger.Debug("Client disconnected", "subscription", sub.ID)
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, sub *eventbus.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Unsubscribed or bus closed.
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			message, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal event", "event", ev.Kind, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
