// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reranker provides cross-encoder relevance scoring and hybrid
// fusion of vector similarity with cross-encoder scores.
//
// Cross-encoders score a (query, text) pair jointly and are far more
// accurate than embedding similarity alone, at the cost of one scoring
// call per candidate. The usual shape is two-stage retrieval: a wide
// vector search produces candidates, the cross-encoder reorders them.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrScoreCountMismatch is returned when a scorer responds with a
// different number of scores than texts submitted.
var ErrScoreCountMismatch = errors.New("scorer returned wrong number of scores")

// CrossEncoder scores texts against a query. Scores are raw model
// outputs; typical cross-encoder logits span roughly [-10, 10] with
// higher meaning more relevant.
type CrossEncoder interface {
	// Score returns one relevance score per text, in input order.
	Score(ctx context.Context, query string, texts []string) ([]float64, error)

	// Model identifies the scoring model.
	Model() string

	// Close releases resources.
	Close() error
}

// Candidate pairs a text with its first-stage vector similarity.
type Candidate struct {
	ID          string
	Text        string
	VectorScore float64
}

// Ranked is a candidate with its second-stage scores filled in.
type Ranked struct {
	Candidate

	// RerankScore is the raw cross-encoder output.
	RerankScore float64

	// Combined is the fused score when hybrid ranking is used,
	// otherwise equal to RerankScore.
	Combined float64
}

// HybridRanker fuses vector similarity with cross-encoder scores.
//
// The cross-encoder score is normalized from [ScoreMin, ScoreMax] into
// [0, 1] (clamped) so both signals share a scale before weighting.
type HybridRanker struct {
	// VectorWeight scales the first-stage similarity (default: 0.3).
	VectorWeight float64

	// RerankWeight scales the normalized cross-encoder score
	// (default: 0.7).
	RerankWeight float64

	// ScoreMin and ScoreMax bound the raw cross-encoder range used for
	// normalization (defaults: -10, 10).
	ScoreMin float64
	ScoreMax float64
}

// DefaultHybridRanker returns the standard fusion weights.
func DefaultHybridRanker() HybridRanker {
	return HybridRanker{
		VectorWeight: 0.3,
		RerankWeight: 0.7,
		ScoreMin:     -10,
		ScoreMax:     10,
	}
}

// Normalize maps a raw cross-encoder score into [0, 1], clamping
// values outside the configured range.
func (h HybridRanker) Normalize(rerankScore float64) float64 {
	span := h.ScoreMax - h.ScoreMin
	if span <= 0 {
		return 0
	}
	n := (rerankScore - h.ScoreMin) / span
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Combine fuses a vector similarity and a raw cross-encoder score.
func (h HybridRanker) Combine(vectorScore, rerankScore float64) float64 {
	return h.VectorWeight*vectorScore + h.RerankWeight*h.Normalize(rerankScore)
}

// Service runs second-stage reranking over first-stage candidates.
type Service struct {
	encoder CrossEncoder
	hybrid  HybridRanker
}

// NewService creates a reranking service. A zero-valued HybridRanker is
// replaced with the defaults.
func NewService(encoder CrossEncoder, hybrid HybridRanker) *Service {
	if hybrid.VectorWeight == 0 && hybrid.RerankWeight == 0 {
		hybrid = DefaultHybridRanker()
	}
	if hybrid.ScoreMin == 0 && hybrid.ScoreMax == 0 {
		hybrid.ScoreMin = -10
		hybrid.ScoreMax = 10
	}
	return &Service{encoder: encoder, hybrid: hybrid}
}

// Rerank scores candidates against the query and returns them ordered
// by raw cross-encoder score, best first. Candidates scoring below
// threshold are dropped; threshold <= 0 keeps all. topK <= 0 keeps all.
func (s *Service) Rerank(ctx context.Context, query string, candidates []Candidate, topK int, threshold float64) ([]Ranked, error) {
	ranked, err := s.score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		ranked[i].Combined = ranked[i].RerankScore
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RerankScore > ranked[j].RerankScore
	})
	return truncate(applyThreshold(ranked, threshold), topK), nil
}

// HybridRerank scores candidates and orders them by the fused score,
// best first. Candidates whose fused score falls below threshold are
// dropped; threshold <= 0 keeps all. topK <= 0 keeps all.
func (s *Service) HybridRerank(ctx context.Context, query string, candidates []Candidate, topK int, threshold float64) ([]Ranked, error) {
	ranked, err := s.score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		ranked[i].Combined = s.hybrid.Combine(ranked[i].VectorScore, ranked[i].RerankScore)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Combined > ranked[j].Combined
	})
	return truncate(applyThreshold(ranked, threshold), topK), nil
}

// Hybrid exposes the fusion parameters in use.
func (s *Service) Hybrid() HybridRanker {
	return s.hybrid
}

func (s *Service) score(ctx context.Context, query string, candidates []Candidate) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := s.encoder.Score(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder scoring failed: %w", err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("%w: got %d for %d texts", ErrScoreCountMismatch, len(scores), len(candidates))
	}

	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, RerankScore: scores[i]}
	}
	return ranked, nil
}

// applyThreshold drops candidates whose ordering score is below the
// minimum. Matches the vector store convention: a non-positive
// threshold disables filtering.
func applyThreshold(ranked []Ranked, threshold float64) []Ranked {
	if threshold <= 0 {
		return ranked
	}
	out := ranked[:0]
	for _, r := range ranked {
		if r.Combined >= threshold {
			out = append(out, r)
		}
	}
	return out
}

func truncate(ranked []Ranked, topK int) []Ranked {
	if topK > 0 && len(ranked) > topK {
		return ranked[:topK]
	}
	return ranked
}
