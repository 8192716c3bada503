package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"testing"
)

// wordEmbedder hashes each word into one of 64 buckets, so texts sharing
// words score positively against each other.
type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, text string) []float32 {
	vec := make([]float32, 64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,?!")))
		vec[h.Sum32()%64]++
	}
	return vec
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, expected: 1},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, expected: -1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0},
		{name: "scaled", a: []float32{1, 1}, b: []float32{3, 3}, expected: 1},
		{name: "length mismatch", a: []float32{1, 0}, b: []float32{1, 0, 0}, expected: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 0}, expected: 0},
		{name: "empty", a: nil, b: nil, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseFragmentKey(t *testing.T) {
	tests := []struct {
		key      string
		docID    string
		ordinal  int
		expectOK bool
	}{
		{key: "d1#0", docID: "d1", ordinal: 0, expectOK: true},
		{key: "notes#v2#7", docID: "notes#v2", ordinal: 7, expectOK: true},
		{key: "plain", expectOK: false},
		{key: "d1#x", expectOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			docID, ordinal, ok := ParseFragmentKey(tt.key)
			if ok != tt.expectOK {
				t.Fatalf("ParseFragmentKey(%q) ok = %v", tt.key, ok)
			}
			if ok && (docID != tt.docID || ordinal != tt.ordinal) {
				t.Errorf("ParseFragmentKey(%q) = %q, %d", tt.key, docID, ordinal)
			}
		})
	}

	if FragmentKey("d1", 3) != "d1#3" {
		t.Errorf("FragmentKey() = %q", FragmentKey("d1", 3))
	}
}
