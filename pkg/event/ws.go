package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 5 * time.Second
	wsSendBuffer   = 64
)

// WSMessage is the JSON message sent over WebSocket.
type WSMessage struct {
	Event string         `json:"event"`          // Event name (e.g., "stream.chunk")
	Data  map[string]any `json:"data,omitempty"` // Event-specific data
	TS    int64          `json:"ts"`             // Timestamp (Unix ms)
}

// NewWSMessage wraps ev for the wire.
func NewWSMessage(ev Event) WSMessage {
	return WSMessage{
		Event: ev.EventName(),
		Data:  eventToData(ev),
		TS:    time.Now().UnixMilli(),
	}
}

// WSConn serializes writes to a websocket connection and keeps it alive.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteJSON writes v with a write deadline.
func (w *WSConn) WriteJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(v)
}

func (w *WSConn) ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// ReadLoop reads frames until the connection fails, passing text frames to
// onText (nil discards them). The returned channel is closed on exit.
func (w *WSConn) ReadLoop(limit int64, onText func([]byte)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.conn.SetReadLimit(limit)
		_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		w.conn.SetPongHandler(func(string) error {
			_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			typ, data, err := w.conn.ReadMessage()
			if err != nil {
				return
			}
			_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
			if typ == websocket.TextMessage && onText != nil {
				onText(data)
			}
		}
	}()
	return done
}

// Pump writes events to the connection and pings it until ctx ends, done is
// closed, stop is closed or a write fails.
func (w *WSConn) Pump(ctx context.Context, events <-chan Event, done, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := w.ping(); err != nil {
				return
			}
		case ev := <-events:
			if err := w.WriteJSON(NewWSMessage(ev)); err != nil {
				return
			}
		}
	}
}

// WSHandler streams process-wide notifications over WebSocket.
type WSHandler struct {
	emitter   *Emitter
	upgrader  websocket.Upgrader
	authorize func(c *gin.Context, ev Event) bool
	logger    *slog.Logger
}

// NewWSHandler creates a WebSocket handler for emitter.
func NewWSHandler(emitter *Emitter, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &WSHandler{
		emitter: emitter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// SetAuthorizer restricts which events a connection may see. fn runs for
// every event with the request that opened the connection.
func (h *WSHandler) SetAuthorizer(fn func(c *gin.Context, ev Event) bool) {
	h.authorize = fn
}

// Handle is the Gin handler for WebSocket connections.
// Query params:
//   - events: comma-separated event names to subscribe (empty = all)
//
// Example: /api/v1/events/ws?events=document.indexed,conversation.deleted
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := ParseEventFilter(c.Query("events"))
	sendCh := make(chan Event, wsSendBuffer)

	unsubscribe := h.emitter.OnAny(func(ev Event) {
		if filter != nil && !filter[ev.EventName()] {
			return
		}
		if h.authorize != nil && !h.authorize(c, ev) {
			return
		}
		select {
		case sendCh <- ev:
		default:
			h.logger.Debug("Dropped event for websocket client", "event", ev.EventName())
		}
	})
	defer unsubscribe()

	ws := NewWSConn(conn)
	done := ws.ReadLoop(4096, nil)
	ws.Pump(c.Request.Context(), sendCh, done, nil)
}

// ParseEventFilter parses a comma separated list of event names.
// An empty list yields nil, meaning all events.
func ParseEventFilter(param string) map[string]bool {
	if strings.TrimSpace(param) == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, e := range strings.Split(param, ",") {
		if e = strings.TrimSpace(e); e != "" {
			filter[e] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

// eventToData converts an Event to a map for JSON serialization.
func eventToData(ev Event) map[string]any {
	if remote, ok := ev.(RemoteEvent); ok {
		return remote.Data
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
