package embedder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/raglite/pkg/cache"
	"github.com/kadirpekel/raglite/pkg/retry"
)

// fakeEmbedder produces a deterministic vector per text and counts
// collaborator calls.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	failTexts  map[string]error
}

func (f *fakeEmbedder) vector(text string) []float32 {
	return []float32{float32(len(text)), 1, 0}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failTexts[text]; err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := f.failTexts[text]; err != nil {
			return nil, err
		}
		out[i] = f.vector(text)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }
func (f *fakeEmbedder) Model() string  { return "fake-model" }
func (f *fakeEmbedder) Close() error   { return nil }

func fastRetryer() *retry.Retryer {
	return retry.New(retry.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	})
}

func newTestManager(t *testing.T, fake *fakeEmbedder, withCache bool) *Manager {
	t.Helper()

	cfg := ManagerConfig{
		Embedder:  fake,
		Retryer:   fastRetryer(),
		BatchSize: 2,
	}
	if withCache {
		c := cache.New[[]float32](cache.Config{MaxSize: 100, TTL: time.Minute})
		t.Cleanup(c.Close)
		cfg.Cache = c
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	m := newTestManager(t, &fakeEmbedder{}, true)

	_, err := m.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestEmbedPopulatesAndServesCache(t *testing.T) {
	fake := &fakeEmbedder{}
	m := newTestManager(t, fake, true)

	first, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)

	second, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.calls, "second call must come from cache")

	stats := m.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestEmbedWithoutCache(t *testing.T) {
	fake := &fakeEmbedder{}
	m := newTestManager(t, fake, false)

	_, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	_, err = m.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, 2, fake.calls)
	assert.Zero(t, m.CacheStats().MaxSize)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	fake := &fakeEmbedder{}
	m := newTestManager(t, fake, true)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := m.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "vector %d out of order", i)
	}

	// BatchSize 2 over 5 misses.
	assert.Equal(t, 3, fake.batchCalls)
}

func TestEmbedBatchServesCachedEntries(t *testing.T) {
	fake := &fakeEmbedder{}
	m := newTestManager(t, fake, true)

	_, err := m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	callsAfterFirst := fake.batchCalls

	vectors, err := m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, callsAfterFirst, fake.batchCalls, "fully cached batch needs no collaborator call")
}

func TestEmbedBatchRejectsEmptyText(t *testing.T) {
	m := newTestManager(t, &fakeEmbedder{}, true)

	_, err := m.EmbedBatch(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestEmbedBatchFailureDoesNotPoisonSiblings(t *testing.T) {
	fake := &fakeEmbedder{failTexts: map[string]error{
		"bad": errors.New("invalid input"),
	}}
	m := newTestManager(t, fake, true)

	// Batches of 2: ["a", "b"] and ["bad"]. The failing batch fails the
	// whole call, but sibling batches are retried independently and never
	// see a partial result.
	_, err := m.EmbedBatch(context.Background(), []string{"a", "b", "bad"})
	require.Error(t, err)

	vectors, err := m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(1), vectors[1][0])
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	m := newTestManager(t, &fakeEmbedder{}, true)

	vectors, err := m.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	transient := &flakyEmbedder{failures: 1}
	m, err := NewManager(ManagerConfig{Embedder: transient, Retryer: fastRetryer()})
	require.NoError(t, err)

	vec, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, vec)
	assert.Equal(t, 2, transient.calls)
}

func TestAdaptiveBatchSizeShrinksForLongTexts(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Embedder:    &fakeEmbedder{},
		BatchSize:   32,
		Adaptive:    true,
		TokenBudget: 100,
	})
	require.NoError(t, err)

	short := []string{"hi", "yo"}
	assert.Equal(t, 32, m.adaptiveBatchSize(short))

	long := make([]string, 4)
	for i := range long {
		long[i] = strings.Repeat("retrieval pipeline ", 100)
	}
	size := m.adaptiveBatchSize(long)
	assert.Less(t, size, 32)
	assert.GreaterOrEqual(t, size, 1)
}

// flakyEmbedder fails the first n calls with a retryable error.
type flakyEmbedder struct {
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("timeout")
	}
	return []float32{1}, nil
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *flakyEmbedder) Dimension() int { return 1 }
func (f *flakyEmbedder) Model() string  { return "flaky" }
func (f *flakyEmbedder) Close() error   { return nil }
