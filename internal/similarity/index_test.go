package similarity

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/store/memstore"
)

type fakeEmbedder struct {
	calls   atomic.Int32
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text, _ string) ([]float32, error) {
	f.calls.Add(1)
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newIndex(e Embedder) *Index {
	return NewIndex(memstore.New(), e, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 1}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/math.Sqrt2, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)

	_, err = CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestIndex_StoreDeduplicates(t *testing.T) {
	ix := newIndex(nil)
	ctx := context.Background()

	a, created, err := ix.Store(ctx, "hello", "m", []float32{1, 2}, nil)
	require.NoError(t, err)
	assert.True(t, created)

	b, created, err := ix.Store(ctx, "hello", "m", []float32{3, 4}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)

	all, err := ix.store.ListEmbeddings(ctx, "m")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIndex_EmbedCallsModelOnce(t *testing.T) {
	e := &fakeEmbedder{}
	ix := newIndex(e)
	ctx := context.Background()

	first, _, err := ix.Embed(ctx, "same text", "m", nil)
	require.NoError(t, err)
	second, created, err := ix.Embed(ctx, "same text", "m", nil)
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, e.calls.Load())
}

func TestIndex_QueryRanksAndFilters(t *testing.T) {
	e := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0, 0}}}
	ix := newIndex(e)
	ctx := context.Background()

	vectors := map[string][]float32{
		"exact":    {2, 0, 0},
		"close":    {1, 0.2, 0},
		"far":      {0, 1, 0},
		"opposite": {-1, 0, 0},
		"zero":     {0, 0, 0},
	}
	for text, v := range vectors {
		_, _, err := ix.Store(ctx, text, "m", v, nil)
		require.NoError(t, err)
	}
	_, _, err := ix.Store(ctx, "other model", "m2", []float32{1, 0, 0}, nil)
	require.NoError(t, err)

	matches, err := ix.Query(ctx, "query", "m", 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].Record.Text)
	assert.Equal(t, "close", matches[1].Record.Text)
	for i, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, 0.5)
		if i > 0 {
			assert.GreaterOrEqual(t, matches[i-1].Similarity, m.Similarity)
		}
	}

	top, err := ix.Query(ctx, "query", "m", 1, -1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "exact", top[0].Record.Text)
}

func TestIndex_ZeroQueryVectorMatchesNothing(t *testing.T) {
	ix := newIndex(nil)
	ctx := context.Background()
	_, _, err := ix.Store(ctx, "a", "m", []float32{1, 0}, nil)
	require.NoError(t, err)

	matches, err := ix.QueryVector(ctx, []float32{0, 0}, "m", 5, -1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_QueryDimensionMismatchIsFatal(t *testing.T) {
	ix := newIndex(nil)
	ctx := context.Background()
	_, _, err := ix.Store(ctx, "a", "m", []float32{1, 0}, nil)
	require.NoError(t, err)

	_, err = ix.QueryVector(ctx, []float32{1, 0, 0}, "m", 5, 0)
	require.Error(t, err)
	assert.False(t, apperr.Retryable(err))
}
