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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// APIKey for authenticated access (optional).
	APIKey string

	// UseTLS enables TLS connections.
	UseTLS bool

	// Collection name (default: raglite_chunks).
	Collection string
}

// QdrantStore implements Store using the Qdrant vector database.
//
// Chunks are points whose payload carries the chunk fields; the
// tombstone is a `deleted` payload flag so that soft-deleted chunks stay
// addressable while every search filters them out server-side.
type QdrantStore struct {
	client     *qdrant.Client
	collection string

	mu      sync.Mutex
	created bool
}

// NewQdrantStore creates a Qdrant-backed store.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "raglite_chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
	}, nil
}

// ensureCollection creates the collection on first use, sized to the
// first vector seen.
func (s *QdrantStore) ensureCollection(ctx context.Context, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	s.created = true
	return nil
}

// UpsertChunk persists a chunk together with its embedding.
func (s *QdrantStore) UpsertChunk(ctx context.Context, chunk *Chunk) error {
	if chunk == nil || chunk.ID == "" {
		return fmt.Errorf("chunk with ID is required")
	}
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("chunk %s has no embedding", chunk.ID)
	}

	if err := s.ensureCollection(ctx, len(chunk.Embedding)); err != nil {
		return err
	}

	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	payload := map[string]*qdrant.Value{
		"document_id":     {Kind: &qdrant.Value_StringValue{StringValue: chunk.DocumentID}},
		"scope_id":        {Kind: &qdrant.Value_StringValue{StringValue: chunk.ScopeID}},
		"content":         {Kind: &qdrant.Value_StringValue{StringValue: chunk.Content}},
		"embedding_model": {Kind: &qdrant.Value_StringValue{StringValue: chunk.EmbeddingModel}},
		"dimensions":      {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(len(chunk.Embedding))}},
		"created_at":      {Kind: &qdrant.Value_StringValue{StringValue: createdAt.Format(time.RFC3339Nano)}},
		"deleted":         {Kind: &qdrant.Value_BoolValue{BoolValue: chunk.DeletedAt != nil}},
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(chunk.ID),
		Vectors: qdrant.NewVectors(chunk.Embedding...),
		Payload: payload,
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

// ListChunks returns the live chunks of a document, oldest first.
func (s *QdrantStore) ListChunks(ctx context.Context, documentID string) ([]*Chunk, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition("document_id", documentID),
			liveCondition(),
		},
	}

	points, err := s.scroll(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*Chunk, 0, len(points))
	for _, p := range points {
		chunk := chunkFromPayload(pointID(p.Id), p.Payload)
		out = append(out, &chunk)
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
func (s *QdrantStore) ListScopeChunks(ctx context.Context, scopeID string) ([]*Chunk, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition("scope_id", scopeID),
			liveCondition(),
		},
	}

	points, err := s.scroll(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*Chunk, 0, len(points))
	for _, p := range points {
		chunk := chunkFromPayload(pointID(p.Id), p.Payload)
		out = append(out, &chunk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SoftDeleteChunk tombstones a chunk via its payload flag.
func (s *QdrantStore) SoftDeleteChunk(ctx context.Context, id string) error {
	selector := &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{
				Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
			},
		},
	}
	return s.setDeleted(ctx, selector)
}

// SoftDeleteDocument tombstones every chunk of a document.
func (s *QdrantStore) SoftDeleteDocument(ctx context.Context, documentID string) error {
	selector := &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{keywordCondition("document_id", documentID)},
			},
		},
	}
	return s.setDeleted(ctx, selector)
}

func (s *QdrantStore) setDeleted(ctx context.Context, selector *qdrant.PointsSelector) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.client.GetPointsClient().SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Payload: map[string]*qdrant.Value{
			"deleted":    {Kind: &qdrant.Value_BoolValue{BoolValue: true}},
			"deleted_at": {Kind: &qdrant.Value_StringValue{StringValue: now}},
		},
		PointsSelector: selector,
	})
	if err != nil {
		return fmt.Errorf("failed to tombstone chunk(s): %w", err)
	}
	return nil
}

// VectorSearch returns the topK most similar live chunks within a scope.
func (s *QdrantStore) VectorSearch(ctx context.Context, scopeID string, vector []float32, topK int, threshold float64) ([]SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				keywordCondition("scope_id", scopeID),
				liveCondition(),
			},
		},
	}
	if threshold > 0 {
		t := float32(threshold)
		searchRequest.ScoreThreshold = &t
	}

	searchResult, err := s.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		chunk := chunkFromPayload(pointID(point.Id), point.Payload)
		hits = append(hits, SearchHit{Chunk: chunk, Score: float64(point.Score)})
	}
	return hits, nil
}

// FullTextSearch matches query text against chunk content server-side
// and ranks matches by term overlap.
func (s *QdrantStore) FullTextSearch(ctx context.Context, scopeID, query string, topK int) ([]SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition("scope_id", scopeID),
			liveCondition(),
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   "content",
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Text{Text: query}},
					},
				},
			},
		},
	}

	points, err := s.scroll(ctx, filter)
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	for _, p := range points {
		chunk := chunkFromPayload(pointID(p.Id), p.Payload)
		content := strings.ToLower(chunk.Content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, SearchHit{Chunk: chunk, Score: float64(matched) / float64(len(terms))})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Name returns the backend name.
func (s *QdrantStore) Name() string {
	return "qdrant"
}

// Close closes the Qdrant client.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) scroll(ctx context.Context, filter *qdrant.Filter) ([]*qdrant.RetrievedPoint, error) {
	limit := uint32(1000)
	resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scroll failed: %w", err)
	}
	return resp.Result, nil
}

// keywordCondition matches a payload field against a keyword value.
func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// liveCondition filters out tombstoned chunks; part of every read path.
func liveCondition() *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   "deleted",
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: false}},
			},
		},
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil || id.PointIdOptions == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

func chunkFromPayload(id string, payload map[string]*qdrant.Value) Chunk {
	chunk := Chunk{ID: id}

	getString := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}

	chunk.DocumentID = getString("document_id")
	chunk.ScopeID = getString("scope_id")
	chunk.Content = getString("content")
	chunk.EmbeddingModel = getString("embedding_model")

	if v, ok := payload["dimensions"]; ok {
		chunk.Dimensions = int(v.GetIntegerValue())
	}
	if ts := getString("created_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			chunk.CreatedAt = parsed
		}
	}
	if v, ok := payload["deleted"]; ok && v.GetBoolValue() {
		if ts := getString("deleted_at"); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				chunk.DeletedAt = &parsed
			}
		}
	}
	return chunk
}

var _ Store = (*QdrantStore)(nil)
