package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/retrieval"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrEmptyDocument    = errors.New("document has no text")
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDocumentTaken means the requested document ID belongs to another user.
	ErrDocumentTaken = errors.New("document id is already in use")
)

const DefaultDocumentPageSize = 20

// IngestRequest is a document to index. Either Text is chunked here or
// Fragments arrive already chunked.
type IngestRequest struct {
	DocumentID   string               `json:"document_id"`
	UserID       string               `json:"-"`
	Name         string               `json:"name,omitempty"`
	Text         string               `json:"text,omitempty"`
	Fragments    []retrieval.Fragment `json:"fragments,omitempty"`
	ChunkSize    int                  `json:"chunk_size,omitempty"`
	ChunkOverlap int                  `json:"chunk_overlap,omitempty"`
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	Fragments  int    `json:"fragments"`
	Replaced   int    `json:"replaced"`
}

// DocumentService feeds documents into the retrieval engine and keeps
// track of who owns them. Every read is scoped to the owner.
type DocumentService struct {
	db      *gorm.DB
	engine  *retrieval.Engine
	chunk   retrieval.ChunkOptions
	emitter *event.Emitter
	logger  *slog.Logger
}

func NewDocumentService(database *gorm.DB, engine *retrieval.Engine, chunk retrieval.ChunkOptions, logger *slog.Logger) *DocumentService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &DocumentService{db: database, engine: engine, chunk: chunk, logger: logger}
}

// SetEmitter sets the emitter notified when documents are indexed or removed.
func (s *DocumentService) SetEmitter(emitter *event.Emitter) {
	s.emitter = emitter
}

// Ingest indexes a document for req.UserID, replacing any earlier version
// of it. A document ID owned by someone else is rejected.
func (s *DocumentService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.UserID == "" {
		return nil, ErrUserRequired
	}

	text := req.Text
	fragments := req.Fragments
	if len(fragments) == 0 {
		opts := s.chunk
		if req.ChunkSize > 0 {
			opts.Size = req.ChunkSize
		}
		if req.ChunkOverlap > 0 {
			opts.Overlap = req.ChunkOverlap
		}
		fragments = retrieval.Chunk(req.Text, opts)
	}
	fragments = nonEmpty(fragments)
	if len(fragments) == 0 {
		return nil, ErrEmptyDocument
	}
	if text == "" {
		parts := make([]string, len(fragments))
		for i, f := range fragments {
			parts[i] = f.Content
		}
		text = strings.Join(parts, "\n")
	}

	documentID := strings.TrimSpace(req.DocumentID)
	if documentID == "" {
		documentID = uuid.New().String()
	}

	doc, err := s.find(ctx, documentID)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		doc = &db.Document{ID: documentID, UserID: req.UserID}
	case err != nil:
		return nil, err
	case doc.UserID != req.UserID:
		return nil, fmt.Errorf("%w: %s", ErrDocumentTaken, documentID)
	}

	// Fragments are immutable: drop the old version before adding the new one.
	replaced, err := s.engine.Remove(ctx, documentID)
	if err != nil {
		return nil, err
	}
	n, err := s.engine.Index(ctx, documentID, fragments)
	if err != nil {
		return nil, fmt.Errorf("failed to index document: %w", err)
	}

	doc.Name = req.Name
	if doc.Name == "" {
		doc.Name = documentID
	}
	doc.Fragments = n
	doc.IsActive = true
	doc.SetContent(text)
	if err := s.db.WithContext(ctx).Save(doc).Error; err != nil {
		// Unowned fragments must not stay searchable.
		if _, rmErr := s.engine.Remove(ctx, documentID); rmErr != nil {
			s.logger.Error("Failed to drop fragments of unsaved document", "document_id", documentID, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save document: %w", err)
	}

	s.logger.Info("Document indexed", "document_id", documentID, "user_id", req.UserID, "fragments", n, "replaced", replaced)
	if s.emitter != nil {
		s.emitter.Emit(event.DocumentIndexedEvent{DocumentID: documentID, UserID: req.UserID, Fragments: n})
	}
	return &IngestResult{DocumentID: documentID, Fragments: n, Replaced: replaced}, nil
}

// List returns a page of the user's active documents, newest first, and
// the total number of them.
func (s *DocumentService) List(ctx context.Context, userID string, limit, offset int) ([]db.Document, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = DefaultDocumentPageSize
	}
	active := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&db.Document{}).Where("user_id = ? AND is_active = ?", userID, true)
	}

	var total int64
	if err := active().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	var docs []db.Document
	err := active().Omit("content").Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&docs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, total, nil
}

// Get returns one of the user's active documents.
func (s *DocumentService) Get(ctx context.Context, documentID, userID string) (*db.Document, error) {
	doc, err := s.find(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID || !doc.IsActive {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// Remove drops every fragment of a user's document. The ownership record is
// kept inactive.
func (s *DocumentService) Remove(ctx context.Context, documentID, userID string) (int, error) {
	doc, err := s.Get(ctx, documentID, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.engine.Remove(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Model(doc).Update("is_active", false).Error; err != nil {
		return 0, fmt.Errorf("failed to delete document: %w", err)
	}

	s.logger.Info("Document removed", "document_id", documentID, "user_id", userID, "fragments", n)
	if s.emitter != nil {
		s.emitter.Emit(event.DocumentRemovedEvent{DocumentID: documentID, UserID: userID, Fragments: n})
	}
	return n, nil
}

func (s *DocumentService) Fragments(ctx context.Context, documentID, userID string) ([]retrieval.Fragment, error) {
	if _, err := s.Get(ctx, documentID, userID); err != nil {
		return nil, err
	}
	fragments, err := s.engine.DocumentFragments(ctx, documentID)
	if err != nil {
		return nil, err
	}
	// Vectors are large and of no use to API clients.
	out := make([]retrieval.Fragment, len(fragments))
	for i, f := range fragments {
		f.Embedding = nil
		out[i] = f
	}
	return out, nil
}

// Search looks through the user's documents only. opts.DocumentIDs narrows
// the search further; IDs the user does not own are ignored.
func (s *DocumentService) Search(ctx context.Context, userID, query string, opts retrieval.SearchOptions) ([]retrieval.Result, error) {
	if strings.TrimSpace(query) == "" {
		return []retrieval.Result{}, nil
	}
	scope, err := s.scope(ctx, userID, opts.DocumentIDs)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return []retrieval.Result{}, nil
	}
	opts.DocumentIDs = scope
	return s.engine.Search(ctx, query, opts)
}

// BatchSearch runs Search for each query over the same scope.
func (s *DocumentService) BatchSearch(ctx context.Context, userID string, queries []string, opts retrieval.SearchOptions) ([][]retrieval.Result, error) {
	scope, err := s.scope(ctx, userID, opts.DocumentIDs)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		out := make([][]retrieval.Result, len(queries))
		for i := range out {
			out[i] = []retrieval.Result{}
		}
		return out, nil
	}
	opts.DocumentIDs = scope
	return s.engine.BatchSearch(ctx, queries, opts)
}

// Similar finds the user's other documents resembling documentID.
func (s *DocumentService) Similar(ctx context.Context, documentID, userID string, opts retrieval.SearchOptions) ([]retrieval.Result, error) {
	if _, err := s.Get(ctx, documentID, userID); err != nil {
		return nil, err
	}
	scope, err := s.scope(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	opts.DocumentIDs = scope
	return s.engine.SimilarDocuments(ctx, documentID, opts)
}

func (s *DocumentService) Stats() retrieval.Stats {
	return s.engine.Stats()
}

func (s *DocumentService) find(ctx context.Context, documentID string) (*db.Document, error) {
	var doc db.Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

// scope returns the user's active document IDs, narrowed to requested when
// it is non-empty.
func (s *DocumentService) scope(ctx context.Context, userID string, requested []string) ([]string, error) {
	var owned []string
	err := s.db.WithContext(ctx).Model(&db.Document{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Pluck("id", &owned).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	if len(requested) == 0 {
		return owned, nil
	}

	mine := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		mine[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := mine[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func nonEmpty(fragments []retrieval.Fragment) []retrieval.Fragment {
	out := make([]retrieval.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if strings.TrimSpace(f.Content) != "" {
			out = append(out, f)
		}
	}
	return out
}
