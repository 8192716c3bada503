package handler

import (
	"log/slog"
	"net/http"

	"github.com/choraleia/chatcore/pkg/service"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/gin-gonic/gin"
)

// StudyHandler serves summaries and flashcards built from text or documents.
type StudyHandler struct {
	study  *service.StudyService
	logger *slog.Logger
}

func NewStudyHandler(study *service.StudyService, logger *slog.Logger) *StudyHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &StudyHandler{study: study, logger: logger}
}

func (h *StudyHandler) RegisterRoutes(r *gin.RouterGroup) {
	generate := r.Group("/generate")
	{
		generate.POST("/summary", h.Summary)
		generate.POST("/flashcards", h.Flashcards)
	}
}

// Summary
// POST /api/v1/generate/summary
func (h *StudyHandler) Summary(c *gin.Context) {
	var req service.StudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = UserID(c)

	result, err := h.study.Summarize(c.Request.Context(), req)
	if err != nil {
		h.logger.Debug("Summary request rejected", "user_id", req.UserID, "error", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Flashcards
// POST /api/v1/generate/flashcards
func (h *StudyHandler) Flashcards(c *gin.Context) {
	var req service.StudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = UserID(c)

	result, err := h.study.Flashcards(c.Request.Context(), req)
	if err != nil {
		h.logger.Debug("Flashcard request rejected", "user_id", req.UserID, "error", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
