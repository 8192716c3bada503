// Package embedding turns text into fixed-length vectors, delegating to a
// real embedding backend when one is configured and degrading to a
// deterministic pseudo-embedding otherwise.
package embedding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/choraleia/chatcore/pkg/utils"
	einoEmbedding "github.com/cloudwego/eino/components/embedding"
)

const DefaultDimension = 1536

const (
	ModeProvider = "provider"
	ModeFallback = "fallback"
)

// Backend produces embeddings from a real model.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BackendFunc adapts a plain function (for example a chromem.EmbeddingFunc).
type BackendFunc func(ctx context.Context, text string) ([]float32, error)

func (f BackendFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// NewEinoBackend wraps an eino Embedder as a Backend.
func NewEinoBackend(embedder einoEmbedding.Embedder) Backend {
	return BackendFunc(func(ctx context.Context, text string) ([]float32, error) {
		embeddings, err := embedder.EmbedStrings(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(embeddings) == 0 || len(embeddings[0]) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		// Convert []float64 to []float32
		result := make([]float32, len(embeddings[0]))
		for i, v := range embeddings[0] {
			result[i] = float32(v)
		}
		return result, nil
	})
}

// Estimator never fails: backend errors fall back to Fallback.
type Estimator struct {
	backend   Backend
	dimension atomic.Int64
	logger    *slog.Logger

	mu       sync.Mutex
	failing  bool // true while the backend keeps failing, so the warning is logged once
	lastMode atomic.Value
}

// New creates an estimator. A nil backend means fallback-only mode.
func New(backend Backend, dimension int, logger *slog.Logger) *Estimator {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	e := &Estimator{backend: backend, logger: logger}
	e.dimension.Store(int64(dimension))
	if backend == nil {
		e.lastMode.Store(ModeFallback)
	} else {
		e.lastMode.Store(ModeProvider)
	}
	return e
}

// Embed returns the backend vector for text, or the deterministic fallback
// when the backend is missing or fails.
func (e *Estimator) Embed(ctx context.Context, text string) []float32 {
	if e.backend != nil {
		vec, err := e.backend.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			e.recover()
			if int64(len(vec)) != e.dimension.Load() {
				// Backends define their own width; fallback vectors follow it.
				e.dimension.Store(int64(len(vec)))
			}
			return vec
		}
		if err == nil {
			err = errors.New("empty embedding")
		}
		e.degrade(err)
	}
	return Fallback(text, e.Dimension())
}

// EmbedBatch embeds each text in order.
func (e *Estimator) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.Embed(ctx, text)
	}
	return out
}

// Func exposes the estimator as an error-returning embedding function.
func (e *Estimator) Func() func(ctx context.Context, text string) ([]float32, error) {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text), nil
	}
}

func (e *Estimator) Dimension() int {
	return int(e.dimension.Load())
}

// Mode reports whether the last vector came from the backend or the fallback.
func (e *Estimator) Mode() string {
	return e.lastMode.Load().(string)
}

func (e *Estimator) degrade(err error) {
	e.lastMode.Store(ModeFallback)
	e.mu.Lock()
	first := !e.failing
	e.failing = true
	e.mu.Unlock()
	if first {
		e.logger.Warn("Embedding backend failed, using deterministic fallback", "error", err)
	}
}

func (e *Estimator) recover() {
	e.lastMode.Store(ModeProvider)
	e.mu.Lock()
	wasFailing := e.failing
	e.failing = false
	e.mu.Unlock()
	if wasFailing {
		e.logger.Info("Embedding backend recovered")
	}
}
