// Document HTTP handlers - ingestion, listing and semantic search
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/choraleia/chatcore/pkg/retrieval"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/gin-gonic/gin"
)

// DocumentHandler handles document and search requests
type DocumentHandler struct {
	documents *service.DocumentService
	limit     int
	threshold float64
	logger    *slog.Logger
}

// NewDocumentHandler creates a document handler. limit and threshold are
// used when a search request leaves them out.
func NewDocumentHandler(documents *service.DocumentService, limit int, threshold float64, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &DocumentHandler{documents: documents, limit: limit, threshold: threshold, logger: logger}
}

// RegisterRoutes registers document routes
func (h *DocumentHandler) RegisterRoutes(r *gin.RouterGroup) {
	documents := r.Group("/documents")
	{
		documents.POST("", h.Ingest)
		documents.GET("", h.List)
		documents.GET("/stats", h.Stats)
		documents.GET("/:id", h.Get)
		documents.DELETE("/:id", h.Remove)
		documents.GET("/:id/fragments", h.Fragments)
		documents.GET("/:id/similar", h.Similar)
	}
	r.POST("/search", h.Search)
	r.POST("/search/batch", h.BatchSearch)
}

type searchRequest struct {
	Query       string   `json:"query" binding:"required"`
	Limit       int      `json:"limit"`
	Threshold   *float64 `json:"threshold"`
	DocumentIDs []string `json:"document_ids"`
}

type batchSearchRequest struct {
	Queries     []string `json:"queries" binding:"required,min=1,max=20"`
	Limit       int      `json:"limit"`
	Threshold   *float64 `json:"threshold"`
	DocumentIDs []string `json:"document_ids"`
}

func (h *DocumentHandler) searchOptions(limit int, threshold *float64, documentIDs []string) retrieval.SearchOptions {
	opts := retrieval.SearchOptions{Limit: limit, Threshold: h.threshold, DocumentIDs: documentIDs}
	if opts.Limit <= 0 {
		opts.Limit = h.limit
	}
	if threshold != nil {
		opts.Threshold = *threshold
	}
	return opts
}

// Ingest indexes a plain-text or pre-chunked document
// POST /api/v1/documents
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req service.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = UserID(c)

	result, err := h.documents.Ingest(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Document ingestion failed", "document_id", req.DocumentID, "error", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// List returns the caller's documents, newest first
// GET /api/v1/documents?limit=20&offset=0
func (h *DocumentHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultDocumentPageSize)))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	documents, total, err := h.documents.List(c.Request.Context(), UserID(c), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": documents, "total": total})
}

// Get returns one document with the start of its text
// GET /api/v1/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.documents.Get(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc, "preview": doc.Preview()})
}

// Remove drops a document from the index
// DELETE /api/v1/documents/:id
func (h *DocumentHandler) Remove(c *gin.Context) {
	removed, err := h.documents.Remove(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": c.Param("id"), "removed": removed})
}

// Fragments lists the fragments of a document
// GET /api/v1/documents/:id/fragments
func (h *DocumentHandler) Fragments(c *gin.Context) {
	fragments, err := h.documents.Fragments(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fragments": fragments})
}

// Similar finds fragments of other documents resembling this one
// GET /api/v1/documents/:id/similar?limit=5&threshold=0.7
func (h *DocumentHandler) Similar(c *gin.Context) {
	opts := retrieval.SearchOptions{Limit: h.limit, Threshold: h.threshold}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.ParseFloat(c.Query("threshold"), 64); err == nil {
		opts.Threshold = v
	}

	results, err := h.documents.Similar(c.Request.Context(), c.Param("id"), UserID(c), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Search runs a semantic search over the indexed fragments
// POST /api/v1/search
func (h *DocumentHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := h.searchOptions(req.Limit, req.Threshold, req.DocumentIDs)
	results, err := h.documents.Search(c.Request.Context(), UserID(c), req.Query, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// BatchSearch runs several queries over the same documents
// POST /api/v1/search/batch
func (h *DocumentHandler) BatchSearch(c *gin.Context) {
	var req batchSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := h.searchOptions(req.Limit, req.Threshold, req.DocumentIDs)
	results, err := h.documents.BatchSearch(c.Request.Context(), UserID(c), req.Queries, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Stats describes the index
// GET /api/v1/documents/stats
func (h *DocumentHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.documents.Stats())
}
