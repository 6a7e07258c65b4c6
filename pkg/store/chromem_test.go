package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{Collection: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(id, docID, scopeID, content string, embedding []float32, at time.Time) *Chunk {
	return &Chunk{
		ID:             id,
		DocumentID:     docID,
		ScopeID:        scopeID,
		Content:        content,
		Embedding:      embedding,
		EmbeddingModel: "test-model",
		CreatedAt:      at,
	}
}

func TestUpsertRequiresEmbedding(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertChunk(context.Background(), &Chunk{ID: "c1", Content: "text"})
	assert.Error(t, err)
}

func TestUpsertRequiresID(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertChunk(context.Background(), &Chunk{Content: "text", Embedding: []float32{1}})
	assert.Error(t, err)

	err = s.UpsertChunk(context.Background(), nil)
	assert.Error(t, err)
}

func TestListChunksSortedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("c2", "d1", "s1", "second", []float32{0, 1, 0}, base.Add(time.Second))))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("c1", "d1", "s1", "first", []float32{1, 0, 0}, base)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("c3", "d2", "s1", "other doc", []float32{0, 0, 1}, base)))

	chunks, err := s.ListChunks(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ID)
	assert.Equal(t, "c2", chunks[1].ID)
	assert.Equal(t, 3, chunks[0].Dimensions, "dimensions derived from the embedding")
}

func TestListScopeChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("c1", "d1", "s1", "a", []float32{1, 0}, base)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("c2", "d2", "s1", "b", []float32{0, 1}, base.Add(time.Second))))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("c3", "d3", "s2", "c", []float32{1, 1}, base)))

	chunks, err := s.ListScopeChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ID)
	assert.Equal(t, "c2", chunks[1].ID)
}

func TestSoftDeleteChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("c1", "d1", "s1", "a", []float32{1, 0}, time.Now())))
	require.NoError(t, s.SoftDeleteChunk(ctx, "c1"))

	chunks, err := s.ListChunks(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, chunks, "tombstoned chunk must not be listed")

	hits, err := s.VectorSearch(ctx, "s1", []float32{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "tombstoned chunk must not be searchable")
}

func TestSoftDeleteChunkNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.SoftDeleteChunk(ctx, "missing"), ErrChunkNotFound)

	require.NoError(t, s.UpsertChunk(ctx, testChunk("c1", "d1", "s1", "a", []float32{1, 0}, time.Now())))
	require.NoError(t, s.SoftDeleteChunk(ctx, "c1"))
	assert.ErrorIs(t, s.SoftDeleteChunk(ctx, "c1"), ErrChunkNotFound, "double delete is rejected")
}

func TestSoftDeleteDocumentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("c1", "d1", "s1", "a", []float32{1, 0}, now)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("c2", "d1", "s1", "b", []float32{0, 1}, now)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("c3", "d2", "s1", "c", []float32{1, 1}, now)))

	require.NoError(t, s.SoftDeleteDocument(ctx, "d1"))

	gone, err := s.ListChunks(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := s.ListChunks(ctx, "d2")
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	// Deleting an unknown document is a no-op.
	assert.NoError(t, s.SoftDeleteDocument(ctx, "missing"))
}

func TestVectorSearchScopeAndThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("near", "d1", "s1", "near", []float32{0.9, 0.1, 0}, now)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("far", "d1", "s1", "far", []float32{0, 1, 0}, now)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("other", "d2", "s2", "other scope", []float32{1, 0, 0}, now)))

	query := []float32{1, 0, 0}

	hits, err := s.VectorSearch(ctx, "s1", query, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2, "scope filter excludes the other tenant")
	assert.Equal(t, "near", hits[0].Chunk.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	filtered, err := s.VectorSearch(ctx, "s1", query, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "near", filtered[0].Chunk.ID)
}

func TestVectorSearchEmptyCollection(t *testing.T) {
	s := newTestStore(t)

	hits, err := s.VectorSearch(context.Background(), "s1", []float32{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorSearchTopKLargerThanCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("c1", "d1", "s1", "a", []float32{1, 0}, time.Now())))

	hits, err := s.VectorSearch(ctx, "s1", []float32{1, 0}, 100, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFullTextSearchScoring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertChunk(ctx, testChunk("both", "d1", "s1", "Apple pie with cinnamon", []float32{1, 0}, now)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("one", "d1", "s1", "pie chart rendering", []float32{0, 1}, now)))
	require.NoError(t, s.UpsertChunk(ctx, testChunk("none", "d1", "s1", "car engine manual", []float32{1, 1}, now)))

	hits, err := s.FullTextSearch(ctx, "s1", "apple PIE", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "both", hits[0].Chunk.ID)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, "one", hits[1].Chunk.ID)
	assert.Equal(t, 0.5, hits[1].Score)
}

func TestFullTextSearchTopKAndEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.UpsertChunk(ctx, testChunk(id, "d1", "s1", "shared keyword", []float32{1, 0}, now)))
	}

	hits, err := s.FullTextSearch(ctx, "s1", "keyword", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	empty, err := s.FullTextSearch(ctx, "s1", "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
