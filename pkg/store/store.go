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

// Package store defines the storage collaborator contract for chunks and
// provides embedded (chromem) and external (Qdrant) implementations.
//
// Deletion is always a soft delete: a tombstone timestamp on the chunk.
// Every read path in every implementation must filter tombstoned chunks;
// this is a universal invariant of the contract, not of any one caller.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrChunkNotFound is returned when operating on an unknown chunk ID.
var ErrChunkNotFound = errors.New("chunk not found")

// Chunk is a bounded slice of a document's text, the unit of embedding
// and retrieval. A chunk with a nil DeletedAt is live.
type Chunk struct {
	ID             string     `json:"id"`
	DocumentID     string     `json:"document_id"`
	ScopeID        string     `json:"scope_id"`
	Content        string     `json:"content"`
	Embedding      []float32  `json:"embedding,omitempty"`
	EmbeddingModel string     `json:"embedding_model,omitempty"`
	Dimensions     int        `json:"dimensions,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// SearchHit is a chunk with its similarity score.
type SearchHit struct {
	Chunk Chunk
	Score float64
}

// Store is the storage collaborator for chunks and their vectors.
type Store interface {
	// UpsertChunk persists a chunk together with its embedding.
	UpsertChunk(ctx context.Context, chunk *Chunk) error

	// ListChunks returns the live chunks of a document.
	ListChunks(ctx context.Context, documentID string) ([]*Chunk, error)

	// ListScopeChunks returns the live chunks of a scope, oldest first.
	ListScopeChunks(ctx context.Context, scopeID string) ([]*Chunk, error)

	// SoftDeleteChunk tombstones a chunk.
	SoftDeleteChunk(ctx context.Context, id string) error

	// SoftDeleteDocument tombstones every chunk of a document.
	SoftDeleteDocument(ctx context.Context, documentID string) error

	// VectorSearch returns the topK most similar live chunks within a
	// scope, filtered by a minimum similarity threshold.
	VectorSearch(ctx context.Context, scopeID string, vector []float32, topK int, threshold float64) ([]SearchHit, error)

	// FullTextSearch returns live chunks within a scope matching the
	// query terms, best matches first.
	FullTextSearch(ctx context.Context, scopeID, query string, topK int) ([]SearchHit, error)

	// Name identifies the backend.
	Name() string

	// Close releases resources.
	Close() error
}
