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

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/raglite/pkg/chunking"
	"github.com/kadirpekel/raglite/pkg/embedder"
	"github.com/kadirpekel/raglite/pkg/store"
)

var errCancelled = errors.New("cancelled")

// ServiceConfig configures the job service.
type ServiceConfig struct {
	// Registry tracks job state (required).
	Registry *Registry

	// Manager produces embeddings (required).
	Manager *embedder.Manager

	// Store persists chunks (required).
	Store store.Store

	// Splitter chunks uploaded text (required for upload jobs).
	Splitter *chunking.Splitter

	// BatchSize is the default chunk batch size (default: 32). The
	// fan-out within a batch belongs to the embedding manager and is
	// independent of the job-count cap.
	BatchSize int
}

// Service runs asynchronous embedding workloads as registry-tracked
// jobs. Submissions return a job ID immediately; completion and failure
// are observed by polling GetJob.
type Service struct {
	registry  *Registry
	manager   *embedder.Manager
	store     store.Store
	splitter  *chunking.Splitter
	batchSize int

	wg sync.WaitGroup
}

// NewService creates a job service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("embedding manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Service{
		registry:  cfg.Registry,
		manager:   cfg.Manager,
		store:     cfg.Store,
		splitter:  cfg.Splitter,
		batchSize: cfg.BatchSize,
	}, nil
}

// SubmitEmbedJob re-embeds every live chunk of the given documents.
func (s *Service) SubmitEmbedJob(owner, scope string, documentIDs []string, batchSize int) (string, error) {
	if len(documentIDs) == 0 {
		return "", fmt.Errorf("at least one document ID is required")
	}

	handle, err := s.registry.Create(KindEmbed, owner, scope, map[string]string{
		"documents": strconv.Itoa(len(documentIDs)),
		"model":     s.manager.Model(),
	})
	if err != nil {
		return "", err
	}

	s.spawn(handle, func(ctx context.Context, h *Handle) error {
		var chunks []*store.Chunk
		for _, docID := range documentIDs {
			docChunks, err := s.store.ListChunks(ctx, docID)
			if err != nil {
				return fmt.Errorf("failed to list chunks of document %s: %w", docID, err)
			}
			chunks = append(chunks, docChunks...)
		}
		h.SetTotal(len(chunks))
		return s.embedChunks(ctx, h, chunks, batchSize)
	})
	return handle.ID(), nil
}

// SubmitReprocessJob re-embeds a scope's chunks onto the current model.
// An empty oldModel matches every chunk; otherwise only chunks embedded
// with oldModel are migrated.
func (s *Service) SubmitReprocessJob(owner, scope, oldModel string, batchSize int) (string, error) {
	handle, err := s.registry.Create(KindReprocess, owner, scope, map[string]string{
		"old_model": oldModel,
		"new_model": s.manager.Model(),
	})
	if err != nil {
		return "", err
	}

	s.spawn(handle, func(ctx context.Context, h *Handle) error {
		all, err := s.store.ListScopeChunks(ctx, scope)
		if err != nil {
			return fmt.Errorf("failed to list chunks of scope %s: %w", scope, err)
		}
		var chunks []*store.Chunk
		for _, c := range all {
			if oldModel == "" || c.EmbeddingModel == oldModel {
				chunks = append(chunks, c)
			}
		}
		h.SetTotal(len(chunks))
		return s.embedChunks(ctx, h, chunks, batchSize)
	})
	return handle.ID(), nil
}

// SubmitTextUpload chunks a raw text, embeds the chunks and persists
// them as a new document.
func (s *Service) SubmitTextUpload(owner, scope, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", embedder.ErrEmptyText
	}
	if s.splitter == nil {
		return "", fmt.Errorf("splitter is required for upload jobs")
	}

	docID := uuid.NewString()
	handle, err := s.registry.Create(KindTextUpload, owner, scope, map[string]string{
		"document_id": docID,
	})
	if err != nil {
		return "", err
	}

	s.spawn(handle, func(ctx context.Context, h *Handle) error {
		pieces := s.splitter.Split(text)
		chunks := make([]*store.Chunk, len(pieces))
		for i, content := range pieces {
			chunks[i] = &store.Chunk{
				ID:         uuid.NewString(),
				DocumentID: docID,
				ScopeID:    scope,
				Content:    content,
				CreatedAt:  time.Now(),
			}
		}
		h.SetTotal(len(chunks))
		return s.embedChunks(ctx, h, chunks, 0)
	})
	return handle.ID(), nil
}

// GetJob returns a snapshot of one job.
func (s *Service) GetJob(id string) (Job, error) {
	return s.registry.Get(id)
}

// CancelJob requests cancellation of a non-terminal job.
func (s *Service) CancelJob(id string) error {
	return s.registry.Cancel(id)
}

// ListJobs returns an owner's jobs, newest first.
func (s *Service) ListJobs(owner string, status Status, limit int) []Job {
	return s.registry.List(owner, status, limit)
}

// CleanupJobs removes terminal jobs older than maxAgeHours.
func (s *Service) CleanupJobs(maxAgeHours int) int {
	return s.registry.Cleanup(time.Duration(maxAgeHours) * time.Hour)
}

// Wait blocks until every in-flight worker has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// spawn runs a workload as the job's single worker, translating its
// outcome into the terminal state transition.
func (s *Service) spawn(handle *Handle, fn func(context.Context, *Handle) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := handle.Start(); err != nil {
			// Cancelled before pickup; the registry already failed it.
			return
		}

		ctx := handle.Context()
		err := fn(ctx, handle)
		switch {
		case err == nil:
			// A cancel landing after the workload finished must not
			// overturn a successful run.
			handle.Complete()
		case ctx.Err() != nil:
			handle.Fail(errCancelled)
		default:
			handle.Fail(err)
			slog.Warn("Job failed", "job_id", handle.ID(), "error", err)
		}
	}()
}

// embedChunks embeds chunk contents batch by batch and upserts the
// results. A failing batch marks its items failed and the job carries
// on; the job only fails outright when nothing was processed. The
// cancellation flag is checked between batches, never mid-call.
func (s *Service) embedChunks(ctx context.Context, h *Handle, chunks []*store.Chunk, batchSize int) error {
	if len(chunks) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	model := s.manager.Model()
	var lastErr error
	processed := 0

	for start := 0; start < len(chunks); start += batchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vectors, err := s.manager.EmbedBatch(ctx, texts)
		if err != nil {
			h.AddFailed(len(batch))
			lastErr = err
			slog.Warn("Batch embedding failed",
				"job_id", h.ID(),
				"batch_size", len(batch),
				"error", err)
			continue
		}

		for i, c := range batch {
			c.Embedding = vectors[i]
			c.EmbeddingModel = model
			c.Dimensions = len(vectors[i])
			if err := s.store.UpsertChunk(ctx, c); err != nil {
				h.AddFailed(1)
				lastErr = err
				continue
			}
			h.AddProcessed(1)
			processed++
		}
	}

	if processed == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}
