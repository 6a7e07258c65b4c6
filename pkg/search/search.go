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

// Package search implements the retrieval pipeline: ingestion of text
// into embedded chunks, and two-stage query answering (vector search
// widened for candidates, cross-encoder rerank, hybrid score fusion)
// with a memoizing result cache.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/raglite/pkg/cache"
	"github.com/kadirpekel/raglite/pkg/chunking"
	"github.com/kadirpekel/raglite/pkg/embedder"
	"github.com/kadirpekel/raglite/pkg/observability"
	"github.com/kadirpekel/raglite/pkg/reranker"
	"github.com/kadirpekel/raglite/pkg/store"
)

// ErrEmptyQuery is returned when a search query is blank.
var ErrEmptyQuery = errors.New("query is empty")

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeVector ranks by embedding similarity only.
	ModeVector Mode = "vector"

	// ModeHybrid widens the vector search, reranks candidates with the
	// cross-encoder and fuses both scores.
	ModeHybrid Mode = "hybrid"

	// ModeKeyword ranks by full-text term overlap, no embedding call.
	ModeKeyword Mode = "keyword"
)

// candidate widening for reranking: fetch more than topK so the
// cross-encoder has something to reorder, capped to bound scoring cost.
const (
	fetchMultiplier = 3
	fetchCap        = 100
)

// Request describes one search.
type Request struct {
	// ScopeID isolates tenants; required.
	ScopeID string `json:"scope_id"`

	// Query text; required, must be non-blank.
	Query string `json:"query"`

	// Mode defaults to vector, or hybrid when reranking is configured.
	Mode Mode `json:"mode,omitempty"`

	// TopK bounds the result count (default: 10).
	TopK int `json:"top_k,omitempty"`

	// Threshold filters out low-similarity hits (vector modes).
	Threshold float64 `json:"threshold,omitempty"`
}

// ScoredChunk is one ranked result. It is a snapshot of the chunk at
// query time, not a live reference into the store.
type ScoredChunk struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Content     string  `json:"content"`
	VectorScore float64 `json:"vector_score"`
	RerankScore float64 `json:"rerank_score,omitempty"`
	Combined    float64 `json:"combined_score"`
}

// Result is a ranked result set with its retrieval metadata.
type Result struct {
	Chunks []ScoredChunk `json:"chunks"`
	Mode   Mode          `json:"mode"`
	Cached bool          `json:"cached"`
	Took   time.Duration `json:"took"`
}

// IngestRequest describes one document ingestion.
type IngestRequest struct {
	// DocumentID; generated when empty.
	DocumentID string `json:"document_id,omitempty"`

	// ScopeID isolates tenants; required.
	ScopeID string `json:"scope_id"`

	// Text is the raw document content; required.
	Text string `json:"text"`
}

// IngestResult reports what an ingestion produced.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
}

// Config configures the engine.
type Config struct {
	// Splitter chunks ingested text (required).
	Splitter *chunking.Splitter

	// Manager produces embeddings (required).
	Manager *embedder.Manager

	// Store persists and searches chunks (required).
	Store store.Store

	// Reranker enables hybrid mode when set.
	Reranker *reranker.Service

	// Results caches ranked result sets (optional; nil disables).
	Results *cache.Cache[[]ScoredChunk]

	// DefaultTopK when a request leaves TopK unset (default: 10).
	DefaultTopK int
}

// Engine is the retrieval pipeline.
type Engine struct {
	splitter *chunking.Splitter
	manager  *embedder.Manager
	store    store.Store
	reranker *reranker.Service
	results  *cache.Cache[[]ScoredChunk]
	topK     int
}

// NewEngine creates a search engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Splitter == nil {
		return nil, fmt.Errorf("splitter is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("embedding manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	return &Engine{
		splitter: cfg.Splitter,
		manager:  cfg.Manager,
		store:    cfg.Store,
		reranker: cfg.Reranker,
		results:  cfg.Results,
		topK:     cfg.DefaultTopK,
	}, nil
}

// Ingest chunks a text, embeds every chunk and persists chunk+vector.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, embedder.ErrEmptyText
	}
	if req.ScopeID == "" {
		return nil, fmt.Errorf("scope_id is required")
	}

	docID := req.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}

	chunks := e.splitter.Split(req.Text)
	if len(chunks) == 0 {
		return &IngestResult{DocumentID: docID}, nil
	}

	vectors, err := e.manager.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to embed document %s: %w", docID, err)
	}

	for i, content := range chunks {
		chunk := &store.Chunk{
			ID:             uuid.NewString(),
			DocumentID:     docID,
			ScopeID:        req.ScopeID,
			Content:        content,
			Embedding:      vectors[i],
			EmbeddingModel: e.manager.Model(),
			CreatedAt:      time.Now(),
		}
		if err := e.store.UpsertChunk(ctx, chunk); err != nil {
			return nil, fmt.Errorf("failed to store chunk %d of document %s: %w", i, docID, err)
		}
	}

	slog.Info("Ingested document",
		"document_id", docID,
		"scope_id", req.ScopeID,
		"chunks", len(chunks))

	return &IngestResult{DocumentID: docID, ChunkCount: len(chunks)}, nil
}

// Search answers a query, consulting the result cache first.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	query := normalizeQuery(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if req.ScopeID == "" {
		return nil, fmt.Errorf("scope_id is required")
	}
	if req.TopK <= 0 {
		req.TopK = e.topK
	}
	mode := req.Mode
	if mode == "" {
		if e.reranker != nil {
			mode = ModeHybrid
		} else {
			mode = ModeVector
		}
	}
	if mode == ModeHybrid && e.reranker == nil {
		mode = ModeVector
	}

	key := e.resultCacheKey(req.ScopeID, query, mode, req.TopK, req.Threshold)
	if e.results != nil {
		if chunks, ok := e.results.Get(key); ok {
			took := time.Since(start)
			observability.Global().RecordSearch(ctx, string(mode), took, true, nil)
			return &Result{Chunks: chunks, Mode: mode, Cached: true, Took: took}, nil
		}
	}

	var (
		chunks []ScoredChunk
		err    error
	)
	switch mode {
	case ModeKeyword:
		chunks, err = e.keywordSearch(ctx, req.ScopeID, query, req.TopK)
	case ModeHybrid:
		chunks, err = e.hybridSearch(ctx, req.ScopeID, query, req.TopK, req.Threshold)
	default:
		chunks, err = e.vectorSearch(ctx, req.ScopeID, query, req.TopK, req.Threshold)
	}
	took := time.Since(start)
	observability.Global().RecordSearch(ctx, string(mode), took, false, err)
	if err != nil {
		return nil, err
	}

	if e.results != nil {
		e.results.Set(key, chunks)
	}

	return &Result{Chunks: chunks, Mode: mode, Cached: false, Took: took}, nil
}

// DeleteDocument soft-deletes every chunk of a document.
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) error {
	return e.store.SoftDeleteDocument(ctx, documentID)
}

// DeleteChunk soft-deletes one chunk.
func (e *Engine) DeleteChunk(ctx context.Context, chunkID string) error {
	return e.store.SoftDeleteChunk(ctx, chunkID)
}

// CacheStats exposes embedding and result cache counters.
func (e *Engine) CacheStats() map[string]cache.Stats {
	stats := map[string]cache.Stats{
		"embedding": e.manager.CacheStats(),
	}
	if e.results != nil {
		stats["results"] = e.results.Stats()
	} else {
		stats["results"] = cache.Stats{}
	}
	return stats
}

func (e *Engine) vectorSearch(ctx context.Context, scopeID, query string, topK int, threshold float64) ([]ScoredChunk, error) {
	hits, err := e.fetchCandidates(ctx, scopeID, query, topK, threshold)
	if err != nil {
		return nil, err
	}
	return snapshotHits(hits), nil
}

func (e *Engine) keywordSearch(ctx context.Context, scopeID, query string, topK int) ([]ScoredChunk, error) {
	hits, err := e.store.FullTextSearch(ctx, scopeID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	return snapshotHits(hits), nil
}

// hybridSearch widens the vector search, reranks candidates and fuses
// scores. A failing cross-encoder degrades to vector ordering rather
// than failing the query.
func (e *Engine) hybridSearch(ctx context.Context, scopeID, query string, topK int, threshold float64) ([]ScoredChunk, error) {
	fetchK := topK * fetchMultiplier
	if fetchK > fetchCap {
		fetchK = fetchCap
	}

	hits, err := e.fetchCandidates(ctx, scopeID, query, fetchK, threshold)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	candidates := make([]reranker.Candidate, len(hits))
	byID := make(map[string]store.Chunk, len(hits))
	for i, h := range hits {
		candidates[i] = reranker.Candidate{
			ID:          h.Chunk.ID,
			Text:        h.Chunk.Content,
			VectorScore: h.Score,
		}
		byID[h.Chunk.ID] = h.Chunk
	}

	ranked, err := e.reranker.HybridRerank(ctx, query, candidates, topK, threshold)
	if err != nil {
		slog.Warn("Reranking failed, falling back to vector order",
			"scope_id", scopeID,
			"error", err)
		if len(hits) > topK {
			hits = hits[:topK]
		}
		return snapshotHits(hits), nil
	}

	out := make([]ScoredChunk, 0, len(ranked))
	for _, r := range ranked {
		chunk := byID[r.ID]
		out = append(out, ScoredChunk{
			ChunkID:     chunk.ID,
			DocumentID:  chunk.DocumentID,
			Content:     chunk.Content,
			VectorScore: r.VectorScore,
			RerankScore: r.RerankScore,
			Combined:    r.Combined,
		})
	}
	return out, nil
}

func (e *Engine) fetchCandidates(ctx context.Context, scopeID, query string, topK int, threshold float64) ([]store.SearchHit, error) {
	vector, err := e.manager.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := e.store.VectorSearch(ctx, scopeID, vector, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return hits, nil
}

// resultCacheKey covers every parameter that affects the result set, so
// two searches differing only in topK never collide. The fusion weights
// and embedding model are included so reconfiguration invalidates.
func (e *Engine) resultCacheKey(scopeID, query string, mode Mode, topK int, threshold float64) string {
	parts := []string{
		scopeID,
		query,
		string(mode),
		strconv.Itoa(topK),
		strconv.FormatFloat(threshold, 'g', -1, 64),
		e.manager.Model(),
	}
	if e.reranker != nil {
		h := e.reranker.Hybrid()
		parts = append(parts,
			strconv.FormatFloat(h.VectorWeight, 'g', -1, 64),
			strconv.FormatFloat(h.RerankWeight, 'g', -1, 64),
			strconv.FormatFloat(h.ScoreMin, 'g', -1, 64),
			strconv.FormatFloat(h.ScoreMax, 'g', -1, 64),
		)
	}
	return cache.Key(parts...)
}

func snapshotHits(hits []store.SearchHit) []ScoredChunk {
	out := make([]ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredChunk{
			ChunkID:     h.Chunk.ID,
			DocumentID:  h.Chunk.DocumentID,
			Content:     h.Chunk.Content,
			VectorScore: h.Score,
			Combined:    h.Score,
		})
	}
	return out
}

// normalizeQuery collapses internal whitespace so equivalent queries
// share a cache entry.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
