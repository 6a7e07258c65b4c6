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

// Package jobs tracks asynchronous ingestion and embedding work through
// an explicit state machine with a global concurrency cap.
//
// The registry is process-local and rebuilt empty on restart; callers
// learn of job failure by polling, not by error return. A job is
// mutated only through its Handle, held by the single worker executing
// it.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/raglite/pkg/observability"
)

var (
	// ErrConcurrencyLimit is returned when submission would exceed the
	// global cap on non-terminal jobs. Retryable later, never queued.
	ErrConcurrencyLimit = errors.New("concurrent job limit reached")

	// ErrJobNotFound is returned when operating on an unknown job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict is returned when an operation is illegal in the
	// job's current state, such as cancelling a finished job.
	ErrJobConflict = errors.New("job state conflict")
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind classifies a job's workload.
type Kind string

const (
	KindEmbed      Kind = "embed"
	KindReprocess  Kind = "reprocess"
	KindFileUpload Kind = "file_upload"
	KindTextUpload Kind = "text_upload"
)

// Job is a read-only snapshot of one job's state.
type Job struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Status         Status            `json:"status"`
	TotalItems     int               `json:"total_items"`
	ProcessedItems int               `json:"processed_items"`
	FailedItems    int               `json:"failed_items"`
	Progress       float64           `json:"progress"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	OwnerUserID    string            `json:"owner_user_id"`
	ScopeID        string            `json:"scope_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// record is the registry's mutable job state, guarded by the registry
// mutex.
type record struct {
	id          string
	kind        Kind
	status      Status
	total       int
	processed   int
	failed      int
	createdAt   time.Time
	completedAt time.Time
	errMessage  string
	owner       string
	scope       string
	metadata    map[string]string
	cancel      context.CancelFunc
}

// Registry owns all job records and enforces the concurrency cap.
type Registry struct {
	maxConcurrent int

	mu   sync.Mutex
	jobs map[string]*record

	// now is overridable for cleanup tests.
	now func() time.Time
}

// NewRegistry creates a registry with the given cap on non-terminal
// jobs.
func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		maxConcurrent: maxConcurrent,
		jobs:          make(map[string]*record),
		now:           time.Now,
	}
}

// Handle is the single worker's write access to one job. The registry
// hands out exactly one Handle per job.
type Handle struct {
	registry *Registry
	id       string
	ctx      context.Context
}

// Create registers a new PENDING job, enforcing the concurrency cap.
// The returned Handle carries the job's cancellation context.
func (r *Registry) Create(kind Kind, owner, scope string, metadata map[string]string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, rec := range r.jobs {
		if !rec.status.Terminal() {
			active++
		}
	}
	if active >= r.maxConcurrent {
		return nil, fmt.Errorf("%w: %d jobs active (max %d)", ErrConcurrencyLimit, active, r.maxConcurrent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		id:        uuid.NewString(),
		kind:      kind,
		status:    StatusPending,
		createdAt: r.now(),
		owner:     owner,
		scope:     scope,
		metadata:  metadata,
		cancel:    cancel,
	}
	r.jobs[rec.id] = rec
	observability.Global().RecordJobTransition(ctx, string(kind), string(StatusPending))

	return &Handle{registry: r, id: rec.id, ctx: ctx}, nil
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec.snapshot(), nil
}

// Cancel requests cancellation of a non-terminal job. A PENDING job is
// failed immediately; a PROCESSING job's worker observes the signal
// between sub-batches and records the failure itself.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if rec.status.Terminal() {
		return fmt.Errorf("%w: cannot cancel %s job %s", ErrJobConflict, rec.status, id)
	}

	rec.cancel()
	if rec.status == StatusPending {
		rec.status = StatusFailed
		rec.errMessage = "cancelled"
		rec.completedAt = r.now()
		observability.Global().RecordJobTransition(context.Background(), string(rec.kind), string(StatusFailed))
	}
	return nil
}

// List returns an owner's jobs, newest first. An empty status matches
// all; limit <= 0 means no limit.
func (r *Registry) List(owner string, status Status, limit int) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Job
	for _, rec := range r.jobs {
		if rec.owner != owner {
			continue
		}
		if status != "" && rec.status != status {
			continue
		}
		out = append(out, rec.snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cleanup removes terminal jobs finished longer than maxAge ago and
// returns how many were removed. Non-terminal jobs are never touched.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, rec := range r.jobs {
		if rec.status.Terminal() && !rec.completedAt.IsZero() && rec.completedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Active returns the count of non-terminal jobs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, rec := range r.jobs {
		if !rec.status.Terminal() {
			active++
		}
	}
	return active
}

// ID returns the job's identifier.
func (h *Handle) ID() string {
	return h.id
}

// Context is cancelled when the job is cancelled. Workers must check it
// between sub-batches; in-flight calls are allowed to complete.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Start transitions PENDING → PROCESSING. It fails if the job was
// cancelled before the worker picked it up.
func (h *Handle) Start() error {
	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.jobs[h.id]
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, h.id)
	}
	if rec.status != StatusPending {
		return fmt.Errorf("%w: job %s is %s", ErrJobConflict, h.id, rec.status)
	}
	rec.status = StatusProcessing
	observability.Global().RecordJobTransition(context.Background(), string(rec.kind), string(StatusProcessing))
	return nil
}

// SetTotal records the job's total work item count once known.
func (h *Handle) SetTotal(n int) {
	h.update(func(rec *record) {
		rec.total = n
	})
}

// AddProcessed increments the processed counter. The sum of processed
// and failed items never exceeds the total.
func (h *Handle) AddProcessed(n int) {
	h.update(func(rec *record) {
		rec.processed += n
		if rec.total > 0 && rec.processed+rec.failed > rec.total {
			rec.processed = rec.total - rec.failed
		}
	})
}

// AddFailed increments the failed counter, bounded like AddProcessed.
func (h *Handle) AddFailed(n int) {
	h.update(func(rec *record) {
		rec.failed += n
		if rec.total > 0 && rec.processed+rec.failed > rec.total {
			rec.failed = rec.total - rec.processed
		}
	})
}

// Complete transitions the job to COMPLETED. No-op when already
// terminal.
func (h *Handle) Complete() {
	h.finish(StatusCompleted, "")
}

// Fail transitions the job to FAILED, recording the cause. No-op when
// already terminal.
func (h *Handle) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	h.finish(StatusFailed, msg)
}

func (h *Handle) finish(status Status, errMessage string) {
	h.update(func(rec *record) {
		if rec.status.Terminal() {
			return
		}
		rec.status = status
		rec.errMessage = errMessage
		rec.completedAt = h.registry.now()
		observability.Global().RecordJobTransition(context.Background(), string(rec.kind), string(status))
	})
}

func (h *Handle) update(fn func(*record)) {
	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.jobs[h.id]; rec != nil {
		fn(rec)
	}
}

func (rec *record) snapshot() Job {
	job := Job{
		ID:             rec.id,
		Kind:           rec.kind,
		Status:         rec.status,
		TotalItems:     rec.total,
		ProcessedItems: rec.processed,
		FailedItems:    rec.failed,
		CreatedAt:      rec.createdAt,
		ErrorMessage:   rec.errMessage,
		OwnerUserID:    rec.owner,
		ScopeID:        rec.scope,
		Metadata:       rec.metadata,
	}
	if rec.total > 0 {
		job.Progress = float64(rec.processed) / float64(rec.total)
	}
	if !rec.completedAt.IsZero() {
		t := rec.completedAt
		job.CompletedAt = &t
	}
	return job
}
