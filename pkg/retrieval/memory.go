package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryIndex is an exact in-memory index. Search is a linear scan over
// every fragment; ties keep insertion order.
type MemoryIndex struct {
	mu        sync.RWMutex
	entries   []Fragment     // insertion order
	byKey     map[string]int // key -> position in entries
	dimension int            // 0 while empty
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byKey: make(map[string]int)}
}

func (m *MemoryIndex) Add(ctx context.Context, fragments []Fragment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dim := m.dimension
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
	}
	m.dimension = dim

	for _, f := range fragments {
		key := f.Key()
		if pos, ok := m.byKey[key]; ok {
			m.entries[pos] = f
			continue
		}
		m.byKey[key] = len(m.entries)
		m.entries = append(m.entries, f)
	}
	return len(fragments), nil
}

func (m *MemoryIndex) Remove(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	removed := 0
	for _, f := range m.entries {
		if f.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	if removed == 0 {
		return 0, nil
	}
	// Drop references held past the new length.
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = Fragment{}
	}
	m.entries = kept
	m.reindex()
	return removed, nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := opts.allowed()
	results := make([]Result, 0)
	for _, f := range m.entries {
		if allowed != nil {
			if _, ok := allowed[f.DocumentID]; !ok {
				continue
			}
		}
		sim := CosineSimilarity(query, f.Embedding)
		if sim < opts.Threshold {
			continue
		}
		results = append(results, toResult(f, sim))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if limit := opts.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryIndex) Fragments(ctx context.Context, documentID string) ([]Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Fragment
	for _, f := range m.entries {
		if f.DocumentID == documentID {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryIndex) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make(map[string]struct{})
	for _, f := range m.entries {
		docs[f.DocumentID] = struct{}{}
	}
	return Stats{
		Backend:   "memory",
		Fragments: len(m.entries),
		Documents: len(docs),
		Dimension: m.dimension,
	}
}

func (m *MemoryIndex) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.byKey = make(map[string]int)
	m.dimension = 0
	return nil
}

// snapshot is the Export/Import wire format.
type snapshot struct {
	Dimension int        `json:"dimension"`
	Fragments []Fragment `json:"fragments"`
}

// Export writes every fragment, in insertion order, as JSON.
func (m *MemoryIndex) Export(w io.Writer) error {
	m.mu.RLock()
	snap := snapshot{Dimension: m.dimension, Fragments: append([]Fragment(nil), m.entries...)}
	m.mu.RUnlock()

	enc := json.NewEncoder(w)
	if err := enc.Encode(&snap); err != nil {
		return fmt.Errorf("encode index snapshot: %w", err)
	}
	return nil
}

// Import replaces the index contents with a snapshot written by Export.
func (m *MemoryIndex) Import(r io.Reader) (int, error) {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, fmt.Errorf("decode index snapshot: %w", err)
	}
	for _, f := range snap.Fragments {
		if len(f.Embedding) != snap.Dimension {
			return 0, fmt.Errorf("%w: fragment %s in snapshot", ErrDimensionMismatch, f.Key())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = snap.Fragments
	m.dimension = snap.Dimension
	if len(m.entries) == 0 {
		m.dimension = 0
	}
	m.reindex()
	return len(m.entries), nil
}

// reindex rebuilds byKey; callers hold the write lock. An emptied index
// forgets its dimension.
func (m *MemoryIndex) reindex() {
	m.byKey = make(map[string]int, len(m.entries))
	for i, f := range m.entries {
		m.byKey[f.Key()] = i
	}
	if len(m.entries) == 0 {
		m.dimension = 0
	}
}

func toResult(f Fragment, sim float64) Result {
	return Result{
		Key:        f.Key(),
		DocumentID: f.DocumentID,
		Ordinal:    f.Ordinal,
		Content:    f.Content,
		Similarity: sim,
		Start:      f.Start,
		End:        f.End,
	}
}
