package vectorstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemQueryRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromem("test")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0, 0}, map[string]string{"asset": "BTC"}))
	require.NoError(t, s.Upsert(ctx, "b", []float32{0.7, 0.7, 0}, nil))
	require.NoError(t, s.Upsert(ctx, "c", []float32{0, 0, 1}, nil))

	hits, err := s.Query(ctx, []float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "BTC", hits[0].Metadata["asset"])
}

func TestChromemQueryClampsK(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromem("")
	require.NoError(t, err)

	hits, err := s.Query(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, s.Upsert(ctx, "only", []float32{1, 0}, nil))
	hits, err = s.Query(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromem("")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "x", []float32{1, 0}, nil))
	require.NoError(t, s.Upsert(ctx, "x", []float32{0, 1}, nil))

	hits, err := s.Query(ctx, []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
}

func TestChromemRejectsZeroVector(t *testing.T) {
	s, err := NewChromem("")
	require.NoError(t, err)
	assert.Error(t, s.Upsert(context.Background(), "z", []float32{0, 0}, nil))
}

func TestPointID(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, id, PointID(id))

	a := PointID("news-42")
	assert.Equal(t, a, PointID("news-42"))
	assert.NotEqual(t, a, PointID("news-43"))
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}
