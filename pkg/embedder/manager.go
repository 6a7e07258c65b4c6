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

package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/raglite/pkg/cache"
	"github.com/kadirpekel/raglite/pkg/observability"
	"github.com/kadirpekel/raglite/pkg/retry"
)

// ErrEmptyText is returned when an empty text reaches an embedding entry
// point. Rejected synchronously; never enters the job system.
var ErrEmptyText = errors.New("text is empty")

// ManagerConfig configures the embedding manager.
type ManagerConfig struct {
	// Embedder is the underlying embedding collaborator (required).
	Embedder Embedder

	// Cache holds (text, model) → vector entries (optional; nil disables
	// request-level caching).
	Cache *cache.Cache[[]float32]

	// Retryer wraps each collaborator call (optional; defaults applied).
	Retryer *retry.Retryer

	// Breaker guards the collaborator (optional).
	Breaker *retry.CircuitBreaker

	// BatchSize is the maximum texts per collaborator call (default: 32).
	BatchSize int

	// Adaptive shrinks the batch size as the mean token count of the
	// payload grows, bounding peak memory and latency of a single call.
	Adaptive bool

	// TokenBudget is the approximate per-batch token budget used in
	// adaptive mode (default: 8192).
	TokenBudget int

	// MaxConcurrency is the fan-out limit for concurrent batches
	// (default: 4). Distinct from the job-level concurrency cap.
	MaxConcurrency int
}

// Manager produces vectors for text, consulting the embedding cache
// before calling the collaborator and populating it afterwards.
//
// The cache-then-compute-then-populate sequence is an explicit call
// chain here rather than an implicit caching decorator, so each step is
// independently testable.
type Manager struct {
	embedder Embedder
	cache    *cache.Cache[[]float32]
	retryer  *retry.Retryer
	breaker  *retry.CircuitBreaker
	counter  *TokenCounter
	config   ManagerConfig
}

// NewManager creates an embedding manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 8192
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Retryer == nil {
		cfg.Retryer = retry.New(retry.DefaultConfig())
	}

	return &Manager{
		embedder: cfg.Embedder,
		cache:    cfg.Cache,
		retryer:  cfg.Retryer,
		breaker:  cfg.Breaker,
		counter:  NewTokenCounter(cfg.Embedder.Model()),
		config:   cfg,
	}, nil
}

// Model returns the underlying embedder's model name.
func (m *Manager) Model() string {
	return m.embedder.Model()
}

// Dimension returns the underlying embedder's vector dimension.
func (m *Manager) Dimension() int {
	return m.embedder.Dimension()
}

// CacheStats returns embedding cache counters, or zero stats when
// caching is disabled.
func (m *Manager) CacheStats() cache.Stats {
	if m.cache == nil {
		return cache.Stats{}
	}
	return m.cache.Stats()
}

// Embed returns the vector for a single text, from cache when possible.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	key := m.cacheKey(text)
	if m.cache != nil {
		if vec, ok := m.cache.Get(key); ok {
			return vec, nil
		}
	}

	start := time.Now()
	vec, err := retry.DoValue(ctx, m.retryer, "embed", func() ([]float32, error) {
		return m.callEmbed(ctx, text)
	})
	observability.Global().RecordEmbedding(ctx, 1, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedder returned an empty vector")
	}

	if m.cache != nil {
		m.cache.Set(key, vec)
	}
	return vec, nil
}

// EmbedBatch returns vectors for texts in input order. Cached texts are
// served without a collaborator call; the rest are partitioned into
// batches that run concurrently up to the fan-out limit, each retried
// independently. A batch that keeps failing fails the whole call, but
// vectors already produced by sibling batches stay cached.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, ErrEmptyText
		}
	}

	results := make([][]float32, len(texts))

	// Serve what we can from the cache.
	var missIdx []int
	for i, text := range texts {
		if m.cache != nil {
			if vec, ok := m.cache.Get(m.cacheKey(text)); ok {
				results[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
	}

	if len(missIdx) == 0 {
		return results, nil
	}

	missTexts := make([]string, len(missIdx))
	for i, idx := range missIdx {
		missTexts[i] = texts[idx]
	}

	batchSize := m.config.BatchSize
	if m.config.Adaptive {
		batchSize = m.adaptiveBatchSize(missTexts)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.MaxConcurrency)

	for start := 0; start < len(missIdx); start += batchSize {
		end := start + batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batchIdx := missIdx[start:end]
		batchTexts := missTexts[start:end]

		g.Go(func() error {
			vecs, err := retry.DoValue(gctx, m.retryer, "embed_batch", func() ([][]float32, error) {
				return m.callEmbedBatch(gctx, batchTexts)
			})
			if err != nil {
				return err
			}
			if len(vecs) != len(batchTexts) {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batchTexts))
			}

			// Each goroutine writes a disjoint set of result slots.
			for i, vec := range vecs {
				if len(vec) == 0 {
					return fmt.Errorf("embedder returned an empty vector")
				}
				results[batchIdx[i]] = vec
				if m.cache != nil {
					m.cache.Set(m.cacheKey(batchTexts[i]), vec)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	observability.Global().RecordEmbedding(ctx, len(missTexts), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	slog.Debug("Embedded batch",
		"model", m.embedder.Model(),
		"total", len(texts),
		"cache_hits", len(texts)-len(missIdx),
		"batch_size", batchSize)

	return results, nil
}

// adaptiveBatchSize shrinks the configured batch size when the payload's
// mean token count would blow the per-batch budget.
func (m *Manager) adaptiveBatchSize(texts []string) int {
	mean := m.counter.MeanCount(texts)
	if mean <= 0 {
		return m.config.BatchSize
	}

	size := m.config.TokenBudget / mean
	if size < 1 {
		size = 1
	}
	if size > m.config.BatchSize {
		size = m.config.BatchSize
	}
	return size
}

func (m *Manager) callEmbed(ctx context.Context, text string) ([]float32, error) {
	if m.breaker == nil {
		return m.embedder.Embed(ctx, text)
	}
	var vec []float32
	err := m.breaker.Execute(ctx, func() error {
		var callErr error
		vec, callErr = m.embedder.Embed(ctx, text)
		return callErr
	})
	return vec, err
}

func (m *Manager) callEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.breaker == nil {
		return m.embedder.EmbedBatch(ctx, texts)
	}
	var vecs [][]float32
	err := m.breaker.Execute(ctx, func() error {
		var callErr error
		vecs, callErr = m.embedder.EmbedBatch(ctx, texts)
		return callErr
	})
	return vecs, err
}

func (m *Manager) cacheKey(text string) string {
	return cache.Key(text, m.embedder.Model())
}
