// Room websocket handler - live conversation streams
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const roomReadLimit = 64 * 1024

// roomFrame is a client-to-server websocket frame.
type roomFrame struct {
	Type      string `json:"type"` // message, typing or reaction
	Content   string `json:"content,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
}

// RoomHandler connects websocket clients to conversation rooms.
type RoomHandler struct {
	hub           *event.Hub
	chat          *service.ChatService
	conversations *service.ConversationService
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

func NewRoomHandler(hub *event.Hub, chat *service.ChatService, conversations *service.ConversationService, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &RoomHandler{
		hub:           hub,
		chat:          chat,
		conversations: conversations,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *RoomHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/conversations/:id/ws", h.Connect)
}

// Connect joins the caller to a conversation room.
// GET /api/v1/conversations/:id/ws?subscriber_id=...
//
// Outbound frames are {"event","data","ts"}. Inbound frames are
// {"type":"message","content":"..."}, {"type":"typing","typing":true} and
// {"type":"reaction","message_id":"...","reaction":"👍"}.
func (h *RoomHandler) Connect(c *gin.Context) {
	conversationID := c.Param("id")
	userID := UserID(c)
	if _, err := h.conversations.Load(c.Request.Context(), conversationID, userID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.hub.Join(conversationID, c.Query("subscriber_id"))
	defer h.hub.Leave(sub)

	logger := h.logger.With("conversation_id", conversationID, "subscriber_id", sub.ID())
	logger.Debug("Subscriber joined room", "members", h.hub.Members(conversationID))

	ws := event.NewWSConn(conn)
	if err := ws.WriteJSON(event.NewWSMessage(event.RoomJoinedEvent{
		ConversationID: conversationID,
		SubscriberID:   sub.ID(),
		Members:        h.hub.Members(conversationID),
	})); err != nil {
		return
	}

	// Turns started here outlive the socket; the answer is still stored.
	turnCtx := context.WithoutCancel(c.Request.Context())
	closed := ws.ReadLoop(roomReadLimit, func(data []byte) {
		var frame roomFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = ws.WriteJSON(event.NewWSMessage(event.StreamErrorEvent{
				ConversationID: conversationID,
				Error:          "malformed frame",
			}))
			return
		}
		switch frame.Type {
		case "message":
			go h.runTurn(turnCtx, ws, conversationID, userID, frame.Content, logger)
		case "typing":
			h.chat.Typing(conversationID, userID, sub.ID(), frame.Typing)
		case "reaction":
			if err := h.chat.React(turnCtx, conversationID, userID, frame.MessageID, frame.Reaction); err != nil {
				logger.Debug("Reaction rejected", "message_id", frame.MessageID, "error", err)
				h.reject(ws, conversationID, err)
			}
		default:
			logger.Debug("Ignoring unknown frame", "type", frame.Type)
		}
	})

	ws.Pump(c.Request.Context(), sub.Events(), closed, sub.Done())
	// A closed tab cannot send its own typing=false.
	h.chat.Typing(conversationID, userID, sub.ID(), false)
	logger.Debug("Subscriber left room")
}

// runTurn sends a message on behalf of a socket. Rejections go back to that
// socket only; the room sees the turn through the coordinator's events.
func (h *RoomHandler) runTurn(ctx context.Context, ws *event.WSConn, conversationID, userID, content string, logger *slog.Logger) {
	_, err := h.chat.SendMessage(ctx, service.SendMessageRequest{
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
	})
	if err == nil || errors.Is(err, service.ErrPersistence) {
		// Persistence failures already reached the room as stream.error.
		return
	}
	logger.Info("Message rejected", "error", err)
	h.reject(ws, conversationID, err)
}

// reject reports a refused frame to the socket that sent it.
func (h *RoomHandler) reject(ws *event.WSConn, conversationID string, err error) {
	msg := err.Error()
	if statusFor(err) == http.StatusInternalServerError {
		msg = "internal server error"
	}
	_ = ws.WriteJSON(event.NewWSMessage(event.StreamErrorEvent{
		ConversationID: conversationID,
		Error:          msg,
	}))
}
