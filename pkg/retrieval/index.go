// Package retrieval indexes document fragments as vectors and answers
// similarity queries over them.
package retrieval

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyDocumentID   = errors.New("document id is required")
)

const (
	DefaultSearchLimit            = 5
	DefaultSimilarDocsThreshold   = 0.8
	similarDocumentsOverfetchRate = 3
)

// Fragment is one indexed slice of a document.
type Fragment struct {
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
}

// Key returns the fragment key documentID#ordinal.
func (f Fragment) Key() string {
	return FragmentKey(f.DocumentID, f.Ordinal)
}

func FragmentKey(documentID string, ordinal int) string {
	return documentID + "#" + strconv.Itoa(ordinal)
}

// ParseFragmentKey splits a documentID#ordinal key. Document IDs may
// themselves contain '#'; the last one separates the ordinal.
func ParseFragmentKey(key string) (string, int, bool) {
	i := strings.LastIndexByte(key, '#')
	if i < 0 {
		return "", 0, false
	}
	ordinal, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:i], ordinal, true
}

// Result is one search hit.
type Result struct {
	Key        string  `json:"key"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// SearchOptions controls a search. Limit <= 0 uses DefaultSearchLimit.
type SearchOptions struct {
	Limit       int      `json:"limit"`
	Threshold   float64  `json:"threshold"`
	DocumentIDs []string `json:"document_ids,omitempty"` // Restrict to these documents when non-empty
}

func (o SearchOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultSearchLimit
	}
	return o.Limit
}

func (o SearchOptions) allowed() map[string]struct{} {
	if len(o.DocumentIDs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(o.DocumentIDs))
	for _, id := range o.DocumentIDs {
		set[id] = struct{}{}
	}
	return set
}

// Stats describes the index contents.
type Stats struct {
	Backend   string `json:"backend"`
	Fragments int    `json:"fragments"`
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
}

// Index is the storage seam behind Engine. Implementations must be safe
// for concurrent use.
type Index interface {
	// Add stores fragments that already carry embeddings. A fragment whose
	// key exists replaces the stored one in place.
	Add(ctx context.Context, fragments []Fragment) (int, error)
	// Remove deletes every fragment of a document and returns the count.
	Remove(ctx context.Context, documentID string) (int, error)
	// Search scores every fragment against query.
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error)
	// Fragments returns a document's fragments in ordinal order.
	Fragments(ctx context.Context, documentID string) ([]Fragment, error)
	Stats() Stats
	Clear(ctx context.Context) error
}

// CosineSimilarity returns dot(a,b)/(|a||b|). Vectors of different length
// or with zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
