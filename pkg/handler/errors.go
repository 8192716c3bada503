package handler

import (
	"errors"
	"net/http"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/gin-gonic/gin"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var quotaErr *service.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrDocumentNotFound),
		errors.Is(err, service.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDocumentTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrMessageTooLong),
		errors.Is(err, service.ErrInvalidTitle),
		errors.Is(err, service.ErrEmptyDocument),
		errors.Is(err, service.ErrUserRequired),
		errors.Is(err, service.ErrStudyTextMissing),
		errors.Is(err, service.ErrStudyTextTooLong),
		errors.Is(err, service.ErrInvalidFlashcardCount),
		errors.Is(err, service.ErrInvalidReaction),
		errors.Is(err, db.ErrInvalidSettings):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes err as {"error": ...}. Internal errors are not echoed.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var quotaErr *service.QuotaExceededError
	if errors.As(err, &quotaErr) {
		body["used"] = quotaErr.Used
		body["limit"] = quotaErr.Limit
	}
	c.JSON(status, body)
}
