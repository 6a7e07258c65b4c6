package reranker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEncoder scores each text from a fixed table.
type fakeEncoder struct {
	scores map[string]float64
	err    error
	calls  int
}

func (f *fakeEncoder) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(texts))
	for i, text := range texts {
		out[i] = f.scores[text]
	}
	return out, nil
}

func (f *fakeEncoder) Model() string { return "fake-cross-encoder" }
func (f *fakeEncoder) Close() error  { return nil }

func TestNormalize(t *testing.T) {
	h := DefaultHybridRanker()

	assert.InDelta(t, 0.75, h.Normalize(5.0), 1e-9)
	assert.InDelta(t, 0.5, h.Normalize(0), 1e-9)
	assert.InDelta(t, 0.0, h.Normalize(-10), 1e-9)
	assert.InDelta(t, 1.0, h.Normalize(10), 1e-9)

	// Out-of-range scores clamp.
	assert.InDelta(t, 0.0, h.Normalize(-25), 1e-9)
	assert.InDelta(t, 1.0, h.Normalize(25), 1e-9)
}

func TestCombine(t *testing.T) {
	h := DefaultHybridRanker()

	// 0.3*0.8 + 0.7*((5+10)/20) = 0.24 + 0.525
	assert.InDelta(t, 0.765, h.Combine(0.8, 5.0), 1e-9)
}

func TestCombineMonotonicInRerankScore(t *testing.T) {
	h := DefaultHybridRanker()

	prev := h.Combine(0.5, -12)
	for score := -11.0; score <= 12; score += 0.5 {
		cur := h.Combine(0.5, score)
		assert.GreaterOrEqual(t, cur, prev, "combined score must not decrease at rerank score %v", score)
		prev = cur
	}
}

func TestCombineCustomRange(t *testing.T) {
	h := HybridRanker{VectorWeight: 0.3, RerankWeight: 0.7, ScoreMin: 0, ScoreMax: 1}

	assert.InDelta(t, 0.3*0.8+0.7*0.5, h.Combine(0.8, 0.5), 1e-9)
}

func TestRerankOrdersByRawScore(t *testing.T) {
	enc := &fakeEncoder{scores: map[string]float64{
		"low":  -2.0,
		"mid":  1.0,
		"high": 7.5,
	}}
	svc := NewService(enc, DefaultHybridRanker())

	ranked, err := svc.Rerank(context.Background(), "q", []Candidate{
		{ID: "1", Text: "low", VectorScore: 0.9},
		{ID: "2", Text: "high", VectorScore: 0.1},
		{ID: "3", Text: "mid", VectorScore: 0.5},
	}, 0, 0)

	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "high", ranked[0].Text)
	assert.Equal(t, "mid", ranked[1].Text)
	assert.Equal(t, "low", ranked[2].Text)
	assert.Equal(t, ranked[0].RerankScore, ranked[0].Combined)
}

func TestRerankTruncatesToTopK(t *testing.T) {
	enc := &fakeEncoder{scores: map[string]float64{"a": 1, "b": 2, "c": 3}}
	svc := NewService(enc, DefaultHybridRanker())

	ranked, err := svc.Rerank(context.Background(), "q", []Candidate{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
	}, 2, 0)

	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "c", ranked[0].Text)
	assert.Equal(t, "b", ranked[1].Text)
}

func TestHybridRerankFusesScores(t *testing.T) {
	enc := &fakeEncoder{scores: map[string]float64{
		"vector favourite":  -5.0,
		"encoder favourite": 9.0,
	}}
	svc := NewService(enc, DefaultHybridRanker())

	ranked, err := svc.HybridRerank(context.Background(), "q", []Candidate{
		{ID: "v", Text: "vector favourite", VectorScore: 0.95},
		{ID: "e", Text: "encoder favourite", VectorScore: 0.40},
	}, 0, 0)

	require.NoError(t, err)
	require.Len(t, ranked, 2)

	// 0.3*0.40 + 0.7*0.95 = 0.785 beats 0.3*0.95 + 0.7*0.25 = 0.46.
	assert.Equal(t, "e", ranked[0].ID)
	assert.InDelta(t, 0.785, ranked[0].Combined, 1e-9)
	assert.InDelta(t, 0.46, ranked[1].Combined, 1e-9)
	assert.Equal(t, 0.95, ranked[1].VectorScore, "original vector score preserved in breakdown")
}

func TestHybridRerankThresholdDropsLowFusedScores(t *testing.T) {
	enc := &fakeEncoder{scores: map[string]float64{
		"irrelevant": -10.0,
		"relevant":   5.0,
	}}
	svc := NewService(enc, DefaultHybridRanker())

	// Fused: 0.3*1.0 + 0.7*0 = 0.300 and 0.3*0.6 + 0.7*0.75 = 0.705.
	ranked, err := svc.HybridRerank(context.Background(), "q", []Candidate{
		{ID: "i", Text: "irrelevant", VectorScore: 1.0},
		{ID: "r", Text: "relevant", VectorScore: 0.6},
	}, 0, 0.5)

	require.NoError(t, err)
	require.Len(t, ranked, 1, "fused score 0.300 falls below the 0.5 threshold")
	assert.Equal(t, "r", ranked[0].ID)
	assert.InDelta(t, 0.705, ranked[0].Combined, 1e-9)
}

func TestRerankThresholdFiltersBeforeTruncation(t *testing.T) {
	enc := &fakeEncoder{scores: map[string]float64{"a": 1, "b": 4, "c": 6}}
	svc := NewService(enc, DefaultHybridRanker())

	ranked, err := svc.Rerank(context.Background(), "q", []Candidate{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
	}, 1, 3)

	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "c", ranked[0].Text)

	// Zero threshold keeps negative raw scores.
	all, err := svc.Rerank(context.Background(), "q", []Candidate{{Text: "a"}}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRerankEmptyCandidates(t *testing.T) {
	enc := &fakeEncoder{}
	svc := NewService(enc, DefaultHybridRanker())

	ranked, err := svc.Rerank(context.Background(), "q", nil, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, ranked)
	assert.Zero(t, enc.calls, "no scoring call for empty input")
}

func TestRerankPropagatesEncoderError(t *testing.T) {
	enc := &fakeEncoder{err: errors.New("scorer down")}
	svc := NewService(enc, DefaultHybridRanker())

	_, err := svc.Rerank(context.Background(), "q", []Candidate{{Text: "a"}}, 1, 0)
	assert.Error(t, err)
}

func TestRerankScoreCountMismatch(t *testing.T) {
	enc := &shortEncoder{}
	svc := NewService(enc, DefaultHybridRanker())

	_, err := svc.Rerank(context.Background(), "q", []Candidate{{Text: "a"}, {Text: "b"}}, 0, 0)
	assert.ErrorIs(t, err, ErrScoreCountMismatch)
}

// shortEncoder always returns one score too few.
type shortEncoder struct{}

func (shortEncoder) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	return make([]float64, len(texts)-1), nil
}
func (shortEncoder) Model() string { return "short" }
func (shortEncoder) Close() error  { return nil }
