package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haatos/runsync/internal"
	"github.com/haatos/runsync/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	replyBuffer    = 8

	MessageSubscribe   = "subscribe:execution"
	MessageUnsubscribe = "unsubscribe:execution"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventError         = "error"
)

// Subscriptions is the fanout a connection subscribes to runs through.
type Subscriptions interface {
	Connect() *service.Subscriber
	Subscribe(subscriberID string, runID int64) bool
	Unsubscribe(subscriberID string, runID int64)
	Disconnect(subscriberID string)
}

type ClientMessage struct {
	Type  string `json:"type"`
	RunID int64  `json:"runId"`
}

type WebSocketHandler struct {
	hub      Subscriptions
	config   internal.WebSocketConfiguration
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewWebSocketHandler(
	hub Subscriptions,
	config internal.WebSocketConfiguration,
	allowedOrigins []string,
	logger *zap.SugaredLogger,
) *WebSocketHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHandler{
		hub:    hub,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// checkOrigin accepts requests without an Origin header and any origin when
// the allow list contains "*".
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Close ends the write pump of every open connection.
func (h *WebSocketHandler) Close() {
	h.cancel()
}

type wsConn struct {
	h       *WebSocketHandler
	conn    *websocket.Conn
	sub     *service.Subscriber
	replies chan service.Event
}

func (h *WebSocketHandler) GetWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return nil
	}
	wc := &wsConn{
		h:       h,
		conn:    conn,
		sub:     h.hub.Connect(),
		replies: make(chan service.Event, replyBuffer),
	}
	h.logger.Debugw("websocket client connected", "subscriber_id", wc.sub.ID())

	go wc.writePump()
	wc.readPump()
	return nil
}

func (wc *wsConn) readPump() {
	defer func() {
		wc.h.hub.Disconnect(wc.sub.ID())
		wc.conn.Close()
		wc.h.logger.Debugw("websocket client disconnected", "subscriber_id", wc.sub.ID())
	}()

	pongWait := wc.h.config.PingTimeout
	wc.conn.SetReadLimit(maxMessageSize)
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, b, err := wc.conn.ReadMessage()
		if err != nil {
			wc.handleReadError(err)
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			wc.h.logger.Warnw("websocket json unmarshal error",
				"subscriber_id", wc.sub.ID(),
				"error", err,
			)
			wc.reply(service.Event{Name: EventError, Data: "invalid message"})
			continue
		}
		wc.routeMessage(msg)
	}
}

func (wc *wsConn) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		wc.h.logger.Warnw("websocket read error",
			"subscriber_id", wc.sub.ID(),
			"error", err,
		)
	}
}

func (wc *wsConn) routeMessage(msg ClientMessage) {
	if msg.RunID <= 0 {
		wc.reply(service.Event{Name: EventError, Data: "runId must be a positive integer"})
		return
	}
	switch msg.Type {
	case MessageSubscribe:
		if wc.h.hub.Subscribe(wc.sub.ID(), msg.RunID) {
			wc.reply(service.Event{Name: EventSubscribed, RunID: msg.RunID})
		}
	case MessageUnsubscribe:
		wc.h.hub.Unsubscribe(wc.sub.ID(), msg.RunID)
		wc.reply(service.Event{Name: EventUnsubscribed, RunID: msg.RunID})
	default:
		wc.reply(service.Event{Name: EventError, RunID: msg.RunID, Data: "unknown message type"})
	}
}

// reply never blocks the read pump; replies are dropped when the writer is
// behind.
func (wc *wsConn) reply(ev service.Event) {
	select {
	case wc.replies <- ev:
	default:
		wc.h.logger.Debugw("dropping websocket reply", "subscriber_id", wc.sub.ID(), "event", ev.Name)
	}
}

// writePump is the only writer of the connection. It exits when the hub
// closes the subscriber's events or the handler is closed.
func (wc *wsConn) writePump() {
	ticker := time.NewTicker(wc.h.config.PingInterval)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case <-wc.h.ctx.Done():
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wc.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			)
			return
		case ev, ok := <-wc.sub.Events():
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wc.conn.WriteJSON(ev); err != nil {
				wc.h.logger.Debugw("websocket write error",
					"subscriber_id", wc.sub.ID(),
					"error", err,
				)
				return
			}
		case ev := <-wc.replies:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
