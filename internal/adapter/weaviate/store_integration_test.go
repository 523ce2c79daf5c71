package weaviate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapter "taxsaathi/apps/backend/internal/adapter/weaviate"
	"taxsaathi/apps/backend/internal/testutils"
	"taxsaathi/apps/backend/internal/text"
	"taxsaathi/apps/backend/internal/vector"
)

func TestWeaviateStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	store := adapter.NewStore(s.Weaviate)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))

	entries := []vector.Entry{
		{Chunk: text.Chunk{Index: 0, Content: "Gross salary"}, Embedding: []float32{1, 0, 0}},
		{Chunk: text.Chunk{Index: 1, Content: "Section 80C"}, Embedding: []float32{0, 1, 0}},
	}
	require.NoError(t, store.Replace(ctx, "session-a", "g1", entries))
	require.NoError(t, store.Replace(ctx, "session-b", "g1", entries[:1]))

	hits, err := store.Search(ctx, "session-a", "g1", []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Section 80C", hits[0].Chunk.Content)

	require.NoError(t, store.Replace(ctx, "session-a", "g2", entries[1:]))
	hits, err = store.Search(ctx, "session-a", "g1", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	count, err := store.Count(ctx, "session-b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Delete(ctx, "session-b"))
	count, err = store.Count(ctx, "session-b")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
