// Package similarity stores embedding vectors and answers nearest
// neighbour queries by cosine similarity.
package similarity

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/cache"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

// Embedder turns text into a vector for a model.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// Index deduplicates vectors on (textHash, model) and ranks stored vectors
// against a query.
type Index struct {
	store    store.EmbeddingStore
	embedder Embedder
	clock    cache.Clock
	logger   *slog.Logger
}

func NewIndex(s store.EmbeddingStore, embedder Embedder, logger *slog.Logger) *Index {
	return &Index{store: s, embedder: embedder, clock: time.Now, logger: logger}
}

// WithClock overrides the time source.
func (ix *Index) WithClock(c cache.Clock) *Index {
	ix.clock = c
	return ix
}

// Store saves vector for text under model. Storing the same text and model
// again returns the existing record with created=false.
func (ix *Index) Store(ctx context.Context, text, m string, vector []float32, metadata map[string]any) (*model.EmbeddingRecord, bool, error) {
	if len(vector) == 0 {
		return nil, false, apperr.Validationf("similarity.Store", "empty vector")
	}
	textHash := cache.Hash(text)
	if existing, err := ix.store.FindEmbedding(ctx, textHash, m); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	return ix.store.InsertEmbedding(ctx, &model.EmbeddingRecord{
		TextHash:  textHash,
		Model:     m,
		Text:      text,
		Vector:    vector,
		Metadata:  metadata,
		CreatedAt: ix.clock(),
	})
}

// Embed returns the stored record for text, computing and storing the
// vector only when none exists.
func (ix *Index) Embed(ctx context.Context, text, m string, metadata map[string]any) (*model.EmbeddingRecord, bool, error) {
	existing, err := ix.store.FindEmbedding(ctx, cache.Hash(text), m)
	if err == nil && cache.EmbeddingPolicy.Fresh(existing.CreatedAt, ix.clock()) {
		ix.logger.Debug("embedding cache hit", slog.String("model", m), slog.String("textHash", existing.TextHash))
		return existing, false, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if ix.embedder == nil {
		return nil, false, apperr.E(apperr.Internal, "similarity.Embed", "no embedder configured")
	}
	vector, err := ix.embedder.Embed(ctx, text, m)
	if err != nil {
		return nil, false, err
	}
	return ix.Store(ctx, text, m, vector, metadata)
}

// Query embeds text and returns at most k stored records with similarity
// at or above threshold, best first.
func (ix *Index) Query(ctx context.Context, text, m string, k int, threshold float64) ([]model.SimilarityMatch, error) {
	var vector []float32
	if rec, err := ix.store.FindEmbedding(ctx, cache.Hash(text), m); err == nil {
		vector = rec.Vector
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	} else {
		if ix.embedder == nil {
			return nil, apperr.E(apperr.Internal, "similarity.Query", "no embedder configured")
		}
		if vector, err = ix.embedder.Embed(ctx, text, m); err != nil {
			return nil, err
		}
	}
	return ix.QueryVector(ctx, vector, m, k, threshold)
}

// QueryVector ranks stored vectors of model against vector. Records whose
// similarity is undefined because either side has zero magnitude never
// match.
func (ix *Index) QueryVector(ctx context.Context, vector []float32, m string, k int, threshold float64) ([]model.SimilarityMatch, error) {
	records, err := ix.store.ListEmbeddings(ctx, m)
	if err != nil {
		return nil, err
	}
	queryNorm := norm(vector)
	matches := make([]model.SimilarityMatch, 0)
	for _, rec := range records {
		sim, err := CosineSimilarity(vector, rec.Vector)
		if err != nil {
			return nil, err
		}
		if queryNorm == 0 || norm(rec.Vector) == 0 {
			continue
		}
		if sim >= threshold {
			matches = append(matches, model.SimilarityMatch{Record: rec, Similarity: sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either has zero magnitude. Vectors of different length are an
// input error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, apperr.Validationf("similarity", "vector dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
