// Chat HTTP handlers - conversations, turns and quota
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/gin-gonic/gin"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chat          *service.ChatService
	conversations *service.ConversationService
	quota         *service.QuotaService
	logger        *slog.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chat *service.ChatService, conversations *service.ConversationService, quota *service.QuotaService, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ChatHandler{
		chat:          chat,
		conversations: conversations,
		quota:         quota,
		logger:        logger,
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	conversations := r.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.PUT("/:id", h.UpdateConversation)
		conversations.DELETE("/:id", h.DeleteConversation)

		// Messages
		conversations.GET("/:id/messages", h.GetMessages)
		conversations.POST("/:id/messages", h.SendMessage)
		conversations.GET("/:id/stream", h.GetStreamState)
	}

	r.GET("/quota", h.GetQuota)
}

type createConversationRequest struct {
	Title       string            `json:"title"`
	Settings    db.SettingsUpdate `json:"settings"`
	DocumentIDs []string          `json:"document_ids"`
}

type updateConversationRequest struct {
	Title       *string           `json:"title"`
	Settings    db.SettingsUpdate `json:"settings"`
	DocumentIDs *[]string         `json:"document_ids"`
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// CreateConversation creates a new conversation
// POST /api/v1/conversations
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	userID := UserID(c)
	conv, err := h.conversations.Create(c.Request.Context(), userID, "")
	if err != nil {
		h.logger.Error("Failed to create conversation", "error", err)
		respondError(c, err)
		return
	}

	// Title and settings go through the validating update path.
	update := service.ConversationUpdate{Settings: req.Settings}
	if req.Title != "" {
		update.Title = &req.Title
	}
	if req.DocumentIDs != nil {
		update.DocumentIDs = &req.DocumentIDs
	}
	if update.Title != nil || update.DocumentIDs != nil || req.Settings != (db.SettingsUpdate{}) {
		updated, err := h.conversations.Update(c.Request.Context(), conv.ID, userID, update)
		if err != nil {
			_ = h.conversations.Delete(c.Request.Context(), conv.ID, userID)
			respondError(c, err)
			return
		}
		conv = updated
	}

	c.JSON(http.StatusCreated, conv)
}

// ListConversations lists the caller's active conversations
// GET /api/v1/conversations?limit=20&offset=0
func (h *ChatHandler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	conversations, hasMore, err := h.conversations.List(c.Request.Context(), UserID(c), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"has_more":      hasMore,
	})
}

// GetConversation returns a conversation with its messages
// GET /api/v1/conversations/:id
func (h *ChatHandler) GetConversation(c *gin.Context) {
	conv, err := h.conversations.Load(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// UpdateConversation changes title, settings or document scope
// PUT /api/v1/conversations/:id
func (h *ChatHandler) UpdateConversation(c *gin.Context) {
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.conversations.Update(c.Request.Context(), c.Param("id"), UserID(c), service.ConversationUpdate{
		Title:       req.Title,
		Settings:    req.Settings,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation soft-deletes a conversation
// DELETE /api/v1/conversations/:id
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	if err := h.conversations.Delete(c.Request.Context(), c.Param("id"), UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

// GetMessages returns the messages of a conversation
// GET /api/v1/conversations/:id/messages
func (h *ChatHandler) GetMessages(c *gin.Context) {
	messages, err := h.conversations.Messages(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// SendMessage runs one turn and returns its result. Room subscribers see
// the answer stream while this request is pending.
// POST /api/v1/conversations/:id/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.chat.SendMessage(c.Request.Context(), service.SendMessageRequest{
		ConversationID: c.Param("id"),
		UserID:         UserID(c),
		Content:        req.Content,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetStreamState returns the turn in flight, if any
// GET /api/v1/conversations/:id/stream
func (h *ChatHandler) GetStreamState(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.conversations.Load(c.Request.Context(), id, UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	snapshot, active := h.chat.TurnState(id)
	c.JSON(http.StatusOK, gin.H{
		"active": active,
		"turn":   snapshot,
	})
}

// GetQuota returns the caller's token usage
// GET /api/v1/quota
func (h *ChatHandler) GetQuota(c *gin.Context) {
	usage, err := h.quota.Usage(c.Request.Context(), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}
