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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// ChromemStore implements Store using chromem-go for vector similarity,
// with chunk records kept in process memory.
//
// This is the zero-config backend: pure Go, no external services,
// optional gzip-compressed file persistence for the vector index. Chunk
// metadata lives in an in-memory map; the chromem collection only serves
// similarity search. Tombstoned chunks are removed from the index so a
// query can never surface them, while the record (with DeletedAt set)
// remains inspectable.
type ChromemStore struct {
	db          *chromem.DB
	collection  string
	persistPath string
	compress    bool

	mu     sync.RWMutex
	chunks map[string]*Chunk
	col    *chromem.Collection
}

// ChromemConfig configures the chromem store.
type ChromemConfig struct {
	// Collection name (default: raglite_chunks).
	Collection string

	// PersistPath enables file persistence of the vector index.
	PersistPath string

	// Compress enables gzip compression for persistence.
	Compress bool
}

// NewChromemStore creates a chromem-backed store.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	collection := cfg.Collection
	if collection == "" {
		collection = "raglite_chunks"
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/vectors.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load existing vector index, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("Loaded vector index from file", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding function must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := db.GetOrCreateCollection(collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %q: %w", collection, err)
	}

	return &ChromemStore{
		db:          db,
		collection:  collection,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		chunks:      make(map[string]*Chunk),
		col:         col,
	}, nil
}

// UpsertChunk persists a chunk together with its embedding.
func (s *ChromemStore) UpsertChunk(ctx context.Context, chunk *Chunk) error {
	if chunk == nil || chunk.ID == "" {
		return fmt.Errorf("chunk with ID is required")
	}
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("chunk %s has no embedding", chunk.ID)
	}

	stored := *chunk
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Dimensions = len(stored.Embedding)

	doc := chromem.Document{
		ID:      chunk.ID,
		Content: chunk.Content,
		Metadata: map[string]string{
			"document_id": chunk.DocumentID,
			"scope_id":    chunk.ScopeID,
		},
		Embedding: chunk.Embedding,
	}

	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index chunk: %w", err)
	}

	s.mu.Lock()
	s.chunks[stored.ID] = &stored
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}
	return nil
}

// ListChunks returns the live chunks of a document, oldest first.
func (s *ChromemStore) ListChunks(ctx context.Context, documentID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID && c.DeletedAt == nil {
			copied := *c
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListScopeChunks returns the live chunks of a scope, oldest first.
func (s *ChromemStore) ListScopeChunks(ctx context.Context, scopeID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Chunk
	for _, c := range s.chunks {
		if c.ScopeID == scopeID && c.DeletedAt == nil {
			copied := *c
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SoftDeleteChunk tombstones a chunk and drops it from the index.
func (s *ChromemStore) SoftDeleteChunk(ctx context.Context, id string) error {
	s.mu.Lock()
	chunk, ok := s.chunks[id]
	if !ok || chunk.DeletedAt != nil {
		s.mu.Unlock()
		return ErrChunkNotFound
	}
	now := time.Now()
	chunk.DeletedAt = &now
	s.mu.Unlock()

	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to remove chunk from index: %w", err)
	}
	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

// SoftDeleteDocument cascades a soft delete to every chunk of a document.
func (s *ChromemStore) SoftDeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	now := time.Now()
	var ids []string
	for id, c := range s.chunks {
		if c.DocumentID == documentID && c.DeletedAt == nil {
			c.DeletedAt = &now
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to remove document chunks from index: %w", err)
	}
	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

// VectorSearch returns the topK most similar live chunks within a scope.
func (s *ChromemStore) VectorSearch(ctx context.Context, scopeID string, vector []float32, topK int, threshold float64) ([]SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection size.
	n := topK
	if count := s.col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	where := map[string]string{"scope_id": scopeID}
	results, err := s.col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < threshold {
			continue
		}
		chunk, ok := s.chunks[r.ID]
		if !ok || chunk.DeletedAt != nil {
			continue
		}
		hits = append(hits, SearchHit{Chunk: *chunk, Score: score})
	}
	return hits, nil
}

// FullTextSearch scores live chunks by query term overlap.
func (s *ChromemStore) FullTextSearch(ctx context.Context, scopeID, query string, topK int) ([]SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []SearchHit
	for _, c := range s.chunks {
		if c.ScopeID != scopeID || c.DeletedAt != nil {
			continue
		}
		content := strings.ToLower(c.Content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, SearchHit{
			Chunk: *c,
			Score: float64(matched) / float64(len(terms)),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Name returns the backend name.
func (s *ChromemStore) Name() string {
	return "chromem"
}

// Close persists the index if persistence is enabled.
func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := s.persistPath + "/vectors.gob"
	if s.compress {
		dbPath += ".gz"
	}
	//nolint:staticcheck // Export is deprecated but matches the on-disk format we load.
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist vector index: %w", err)
	}
	return nil
}

var _ Store = (*ChromemStore)(nil)
