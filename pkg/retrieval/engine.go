package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/choraleia/chatcore/pkg/metrics"
	"github.com/choraleia/chatcore/pkg/utils"
)

var ErrSnapshotUnsupported = errors.New("index backend does not support snapshots")

// Embedder turns text into a vector. embedding.Estimator satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// BatchEmbedder is an Embedder that can embed many texts in one call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// Snapshotter is implemented by backends that can be exported and restored.
type Snapshotter interface {
	Export(w io.Writer) error
	Import(r io.Reader) (int, error)
}

// Engine embeds fragments and queries and delegates storage to an Index.
type Engine struct {
	index    Index
	embedder Embedder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates an engine over index.
func NewEngine(index Index, embedder Embedder, logger *slog.Logger) *Engine {
	if index == nil {
		index = NewMemoryIndex()
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Engine{index: index, embedder: embedder, logger: logger}
}

// SetMetrics sets the metrics sink.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Index stores fragments under documentID#ordinal, where ordinal is the
// fragment's position in the slice. Fragments without an embedding are
// embedded first. Re-indexing a document without removing it overwrites
// matching ordinals only.
func (e *Engine) Index(ctx context.Context, documentID string, fragments []Fragment) (int, error) {
	if documentID == "" {
		return 0, ErrEmptyDocumentID
	}
	if len(fragments) == 0 {
		return 0, nil
	}

	prepared := make([]Fragment, len(fragments))
	var missing []int
	for i, f := range fragments {
		f.DocumentID = documentID
		f.Ordinal = i
		if len(f.Embedding) == 0 {
			missing = append(missing, i)
		}
		prepared[i] = f
	}
	e.embedMissing(ctx, prepared, missing)

	n, err := e.index.Add(ctx, prepared)
	if err != nil {
		return 0, fmt.Errorf("index document %s: %w", documentID, err)
	}

	e.logger.Debug("Indexed document", "document_id", documentID, "fragments", n)
	return n, nil
}

func (e *Engine) embedMissing(ctx context.Context, fragments []Fragment, missing []int) {
	if len(missing) == 0 {
		return
	}
	batch, ok := e.embedder.(BatchEmbedder)
	if !ok {
		for _, i := range missing {
			fragments[i].Embedding = e.embedder.Embed(ctx, fragments[i].Content)
		}
		return
	}
	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = fragments[i].Content
	}
	for j, vec := range batch.EmbedBatch(ctx, texts) {
		fragments[missing[j]].Embedding = vec
	}
}

// Remove deletes all fragments of documentID. Unknown documents return 0.
func (e *Engine) Remove(ctx context.Context, documentID string) (int, error) {
	n, err := e.index.Remove(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("remove document %s: %w", documentID, err)
	}
	return n, nil
}

// Search returns fragments scoring at least opts.Threshold against query,
// best first, at most opts.Limit of them. An empty index yields an empty
// slice and no error.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	start := time.Now()
	vec := e.embedder.Embed(ctx, query)
	results, err := e.index.Search(ctx, vec, opts)
	e.metrics.ObserveRetrieval(time.Since(start), len(results), err)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return results, nil
}

// BatchSearch runs Search for each query in order.
func (e *Engine) BatchSearch(ctx context.Context, queries []string, opts SearchOptions) ([][]Result, error) {
	out := make([][]Result, len(queries))
	for i, q := range queries {
		results, err := e.Search(ctx, q, opts)
		if err != nil {
			return nil, err
		}
		out[i] = results
	}
	return out, nil
}

// SimilarDocuments finds other documents close to documentID, using its
// first fragment as the query. One result per document, best first.
// A zero threshold in opts means DefaultSimilarDocsThreshold.
func (e *Engine) SimilarDocuments(ctx context.Context, documentID string, opts SearchOptions) ([]Result, error) {
	fragments, err := e.index.Fragments(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return []Result{}, nil
	}

	limit := opts.limit()
	wide := opts
	wide.Limit = limit * similarDocumentsOverfetchRate
	if wide.Threshold == 0 {
		wide.Threshold = DefaultSimilarDocsThreshold
	}
	candidates, err := e.index.Search(ctx, fragments[0].Embedding, wide)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	out := make([]Result, 0, limit)
	for _, r := range candidates {
		if r.DocumentID == documentID {
			continue
		}
		// Candidates arrive best first, so the first hit per document wins.
		if _, ok := seen[r.DocumentID]; ok {
			continue
		}
		seen[r.DocumentID] = struct{}{}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// DocumentFragments returns a document's fragments in ordinal order.
func (e *Engine) DocumentFragments(ctx context.Context, documentID string) ([]Fragment, error) {
	return e.index.Fragments(ctx, documentID)
}

func (e *Engine) Stats() Stats {
	return e.index.Stats()
}

func (e *Engine) Clear(ctx context.Context) error {
	return e.index.Clear(ctx)
}

// Export writes a snapshot when the backend supports it.
func (e *Engine) Export(w io.Writer) error {
	s, ok := e.index.(Snapshotter)
	if !ok {
		return ErrSnapshotUnsupported
	}
	return s.Export(w)
}

// Import restores a snapshot when the backend supports it.
func (e *Engine) Import(r io.Reader) (int, error) {
	s, ok := e.index.(Snapshotter)
	if !ok {
		return 0, ErrSnapshotUnsupported
	}
	return s.Import(r)
}
