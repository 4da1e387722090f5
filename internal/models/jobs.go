// Package models defines the core data types for Conveyor
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared across storage and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrValidation        = errors.New("validation failed")
)

// Job status constants
const (
	JobStatusWaiting   = "waiting"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusDelayed   = "delayed"
	JobStatusPaused    = "paused"
	JobStatusDead      = "dead"
)

// Priority bounds. Lower numeric value means higher scheduling priority.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// DefaultMaxRetries applies when a queue config does not override it.
const DefaultMaxRetries = 3

// Job represents a unit of work moving through the queue system.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Progress    int             `json:"progress"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// IsTerminal reports whether the job's status admits no further transitions.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDead
}

// validTransitions is the allowed status graph:
// waiting → active → {completed | delayed | failed | dead};
// delayed → waiting; failed → {waiting, dead};
// non-terminal → paused → waiting (explicit resume).
var validTransitions = map[string]map[string]bool{
	JobStatusWaiting: {JobStatusActive: true, JobStatusPaused: true},
	JobStatusActive: {
		JobStatusCompleted: true,
		JobStatusDelayed:   true,
		JobStatusFailed:    true,
		JobStatusDead:      true,
	},
	JobStatusDelayed: {JobStatusWaiting: true, JobStatusPaused: true},
	JobStatusFailed:  {JobStatusWaiting: true, JobStatusDead: true},
	JobStatusPaused:  {JobStatusWaiting: true},
}

// ValidTransition reports whether a job may move from one status to another.
// Terminal states (completed, dead) have no outgoing edges.
func ValidTransition(from, to string) bool {
	return validTransitions[from][to]
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case JobStatusWaiting, JobStatusActive, JobStatusCompleted, JobStatusFailed,
		JobStatusDelayed, JobStatusPaused, JobStatusDead:
		return true
	}
	return false
}

// JobResult is the append-only record of one handler attempt.
type JobResult struct {
	Seq        int64           `json:"seq"`
	JobID      string          `json:"job_id"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	AttemptNo  int             `json:"attempt_no"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// QueueStats reports the broker's view of one queue.
type QueueStats struct {
	Ready   int  `json:"ready"`
	Active  int  `json:"active"`
	Delayed int  `json:"delayed"`
	Failed  int  `json:"failed"`
	Paused  bool `json:"paused"`
}

// MetricsSnapshot is the durable store's aggregate view of the jobs table.
type MetricsSnapshot struct {
	Total                int64   `json:"total"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	Dead                 int64   `json:"dead"`
	Pending              int64   `json:"pending"` // waiting + active + delayed
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	SuccessRatePct       float64 `json:"success_rate_pct"`
}

// SystemMetrics composes the store snapshot with broker and runtime data.
type SystemMetrics struct {
	MetricsSnapshot
	Queues            map[string]QueueStats `json:"queues"`
	UptimeSeconds     float64               `json:"uptime_seconds"`
	HeapAllocBytes    uint64                `json:"heap_alloc_bytes"`
	ThroughputPerHour float64               `json:"throughput_per_hour"`
	RecordedAt        time.Time             `json:"recorded_at"`
}

// JobEvent is broadcast via WebSocket when job state changes.
type JobEvent struct {
	Type      string    `json:"type"` // "job_queued", "job_started", "job_progress", "job_completed", "job_failed", "job_dead"
	Job       *Job      `json:"job"`
	Timestamp time.Time `json:"timestamp"`
	QueueSize int       `json:"queue_size"` // ready count for the job's queue
}

// Event type constants for JobEvent.Type.
const (
	EventJobQueued    = "job_queued"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobDead      = "job_dead"
)
