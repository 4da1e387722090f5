// Package interfaces defines service contracts for Conveyor
package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bobmcallan/conveyor/internal/models"
)

// StatusPatch carries the optional field updates that accompany a status
// transition. Nil fields are left untouched.
type StatusPatch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	Attempts    *int
	Progress    *int
	Result      json.RawMessage
	LastError   *string
}

// JobStore is the durable store for job records, attempt history, and
// aggregated metrics. Durable status is authoritative; the broker is a cache
// of schedulable state rebuilt from here on boot.
type JobStore interface {
	// Create inserts a new job record. Returns models.ErrConflict if the ID exists.
	Create(ctx context.Context, job *models.Job) error

	// Get returns a job by ID, or models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)

	// UpdateStatus atomically updates status, updated_at, and any patch
	// fields. Transitions outside the lifecycle graph are rejected with
	// models.ErrInvalidTransition. Returns the updated row.
	UpdateStatus(ctx context.Context, id, status string, patch StatusPatch) (*models.Job, error)

	// CompleteAttempt commits a status update and the attempt's result row
	// in a single transaction.
	CompleteAttempt(ctx context.Context, id, status string, patch StatusPatch, res *models.JobResult) (*models.Job, error)

	// UpdateProgress records handler progress without a status transition.
	// Progress is clamped to [0,100] and never decreases within an attempt.
	UpdateProgress(ctx context.Context, id string, progress int) error

	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)
	ListByStatusAndType(ctx context.Context, status, jobType string, limit int) ([]*models.Job, error)

	// AppendResult appends a per-attempt history row.
	AppendResult(ctx context.Context, res *models.JobResult) error
	ResultsForJob(ctx context.Context, jobID string) ([]*models.JobResult, error)

	// MetricsSnapshot aggregates the jobs table.
	MetricsSnapshot(ctx context.Context) (*models.MetricsSnapshot, error)

	// RecordMetric appends a named value to the system_metrics audit table.
	RecordMetric(ctx context.Context, name string, value float64, metadata json.RawMessage) error

	// TrimCompleted deletes completed jobs of a type beyond the newest keep.
	TrimCompleted(ctx context.Context, jobType string, keep int) (int, error)
	// TrimFailed does the same for failed and dead jobs. It returns the
	// deleted IDs so the caller can evict matching broker failed entries.
	TrimFailed(ctx context.Context, jobType string, keep int) ([]string, error)

	Close() error
}
