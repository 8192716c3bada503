package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

const chromemCollectionName = "fragments"

// ChromemIndex stores fragments in a chromem-go collection, optionally
// persisted to disk. Scores match MemoryIndex; the order among equal scores
// follows chromem.
type ChromemIndex struct {
	db    *chromem.DB
	col   *chromem.Collection
	embed chromem.EmbeddingFunc

	mu        sync.RWMutex
	dimension int
}

// NewChromemIndex opens a persistent index at path, or an in-memory one
// when path is empty. embed is used by chromem only for documents that
// arrive without an embedding.
func NewChromemIndex(path string, embed chromem.EmbeddingFunc) (*ChromemIndex, error) {
	var (
		vectorDB *chromem.DB
		err      error
	)
	if path != "" {
		vectorDB, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db %s: %w", path, err)
		}
	} else {
		vectorDB = chromem.NewDB()
	}

	col, err := vectorDB.GetOrCreateCollection(chromemCollectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open chromem collection: %w", err)
	}
	return &ChromemIndex{db: vectorDB, col: col, embed: embed}, nil
}

func (c *ChromemIndex) Add(ctx context.Context, fragments []Fragment) (int, error) {
	if len(fragments) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dim := c.dimension
	docs := make([]chromem.Document, 0, len(fragments))
	for _, f := range fragments {
		if len(f.Embedding) == 0 {
			return 0, fmt.Errorf("%w: fragment %s has no embedding", ErrDimensionMismatch, f.Key())
		}
		if dim == 0 {
			dim = len(f.Embedding)
		}
		if len(f.Embedding) != dim {
			return 0, fmt.Errorf("%w: fragment %s has %d values, index has %d", ErrDimensionMismatch, f.Key(), len(f.Embedding), dim)
		}
		docs = append(docs, chromem.Document{
			ID: f.Key(),
			Metadata: map[string]string{
				"document_id": f.DocumentID,
				"ordinal":     strconv.Itoa(f.Ordinal),
				"start":       strconv.Itoa(f.Start),
				"end":         strconv.Itoa(f.End),
			},
			// chromem normalises in place; keep the caller's slice intact.
			Embedding: append([]float32(nil), f.Embedding...),
			Content:   f.Content,
		})
	}

	if err := c.col.AddDocuments(ctx, docs, 1); err != nil {
		return 0, fmt.Errorf("add fragments to chromem: %w", err)
	}
	c.dimension = dim
	return len(docs), nil
}

func (c *ChromemIndex) Remove(ctx context.Context, documentID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.documentKeys(ctx, documentID)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("delete fragments of %s: %w", documentID, err)
	}
	if c.col.Count() == 0 {
		c.dimension = 0
	}
	return len(ids), nil
}

func (c *ChromemIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.col.Count()
	if n == 0 {
		return []Result{}, nil
	}

	var where map[string]string
	if len(opts.DocumentIDs) == 1 {
		where = map[string]string{"document_id": opts.DocumentIDs[0]}
	}
	hits, err := c.col.QueryEmbedding(ctx, append([]float32(nil), query...), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query chromem: %w", err)
	}

	allowed := opts.allowed()
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		documentID, ordinal, ok := ParseFragmentKey(h.ID)
		if !ok {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[documentID]; !ok {
				continue
			}
		}
		sim := float64(h.Similarity)
		if math.IsNaN(sim) {
			// chromem normalises zero vectors into NaN.
			sim = 0
		}
		if sim < opts.Threshold {
			continue
		}
		start, _ := strconv.Atoi(h.Metadata["start"])
		end, _ := strconv.Atoi(h.Metadata["end"])
		results = append(results, Result{
			Key:        h.ID,
			DocumentID: documentID,
			Ordinal:    ordinal,
			Content:    h.Content,
			Similarity: sim,
			Start:      start,
			End:        end,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if limit := opts.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (c *ChromemIndex) Fragments(ctx context.Context, documentID string) ([]Fragment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Fragment
	for ordinal := 0; ; ordinal++ {
		doc, err := c.col.GetByID(ctx, FragmentKey(documentID, ordinal))
		if err != nil {
			break
		}
		start, _ := strconv.Atoi(doc.Metadata["start"])
		end, _ := strconv.Atoi(doc.Metadata["end"])
		out = append(out, Fragment{
			DocumentID: documentID,
			Ordinal:    ordinal,
			Content:    doc.Content,
			Embedding:  doc.Embedding,
			Start:      start,
			End:        end,
		})
	}
	return out, nil
}

func (c *ChromemIndex) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Backend:   "chromem",
		Fragments: c.col.Count(),
		Documents: -1, // chromem has no listing API
		Dimension: c.dimension,
	}
}

func (c *ChromemIndex) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.DeleteCollection(chromemCollectionName); err != nil {
		return fmt.Errorf("drop chromem collection: %w", err)
	}
	col, err := c.db.GetOrCreateCollection(chromemCollectionName, nil, c.embed)
	if err != nil {
		return fmt.Errorf("recreate chromem collection: %w", err)
	}
	c.col = col
	c.dimension = 0
	return nil
}

// documentKeys tries documentID#0, #1, ... until a key is missing.
// Ordinals are dense because Engine assigns them by position.
func (c *ChromemIndex) documentKeys(ctx context.Context, documentID string) []string {
	var ids []string
	for ordinal := 0; ; ordinal++ {
		key := FragmentKey(documentID, ordinal)
		if _, err := c.col.GetByID(ctx, key); err != nil {
			return ids
		}
		ids = append(ids, key)
	}
}
