package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

// retryFailedBatch bounds one durable page while draining failed jobs.
const retryFailedBatch = 500

// Coordinator owns every durable status mutation. The ordering rule is
// store first, broker second: a job exists durably before it is schedulable,
// and a crash between the two leaves a record recovery can re-enqueue.
type Coordinator struct {
	store    interfaces.JobStore
	broker   interfaces.Broker
	registry *Registry
	config   *common.Config
	hub      *Hub
	logger   *common.Logger
}

// NewCoordinator wires the coordinator. hub may be nil (events dropped).
func NewCoordinator(store interfaces.JobStore, broker interfaces.Broker, registry *Registry, config *common.Config, hub *Hub, logger *common.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		broker:   broker,
		registry: registry,
		config:   config,
		hub:      hub,
		logger:   logger,
	}
}

// Submit validates and persists a new job, then hands it to the broker.
// Priority 0 means unset and maps to the default; other out-of-range values
// are rejected.
func (c *Coordinator) Submit(ctx context.Context, jobType string, priority int, payload json.RawMessage) (*models.Job, error) {
	qc, ok := c.config.QueueByName(jobType)
	if !ok || !c.registry.Has(jobType) {
		return nil, fmt.Errorf("type %q: %w", jobType, models.ErrUnknownJobType)
	}

	if priority == 0 {
		priority = models.PriorityDefault
	}
	if priority < models.PriorityHighest || priority > models.PriorityLowest {
		return nil, fmt.Errorf("priority %d out of range [%d,%d]: %w",
			priority, models.PriorityHighest, models.PriorityLowest, models.ErrValidation)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON: %w", models.ErrValidation)
	}

	now := time.Now()
	job := &models.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Priority:   priority,
		Payload:    payload,
		Status:     models.JobStatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: qc.MaxRetries,
	}

	if err := c.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	env := &models.Envelope{
		ID:       job.ID,
		Type:     job.Type,
		Priority: job.Priority,
		Payload:  job.Payload,
	}
	if err := c.broker.Enqueue(jobType, env, 0); err != nil {
		// The durable record stays; boot recovery re-enqueues waiting jobs.
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("Broker enqueue failed after create")
		return nil, err
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int("priority", job.Priority).
		Msg("Job submitted")
	c.publish(models.EventJobQueued, job)
	return job, nil
}

// MarkActive transitions a claimed job to active and bumps its attempt
// counter. On store failure the claim is released back to the broker with a
// short delay so the job is not lost.
func (c *Coordinator) MarkActive(ctx context.Context, env *models.Envelope) (*models.Job, error) {
	var job *models.Job
	err := c.withRetry(ctx, func() error {
		current, err := c.store.Get(ctx, env.ID)
		if err != nil {
			return err
		}
		if current.Status == models.JobStatusDelayed {
			// Claimed between the promote sweep's broker move and its
			// durable flip; record the flip here before activating.
			if _, err := c.store.UpdateStatus(ctx, env.ID, models.JobStatusWaiting, interfaces.StatusPatch{}); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
				return err
			}
		}
		attempts := current.Attempts + 1
		now := time.Now()
		zero := 0
		job, err = c.store.UpdateStatus(ctx, env.ID, models.JobStatusActive, interfaces.StatusPatch{
			StartedAt: &now,
			Attempts:  &attempts,
			Progress:  &zero,
		})
		return err
	})
	if err != nil {
		c.broker.Fail(env.Type, env.ID, time.Second)
		return nil, fmt.Errorf("failed to mark job %s active: %w", env.ID, err)
	}
	c.publish(models.EventJobStarted, job)
	return job, nil
}

// MarkCompleted commits the successful attempt and acks the claim.
func (c *Coordinator) MarkCompleted(ctx context.Context, env *models.Envelope, attemptNo int, result json.RawMessage, elapsed time.Duration) (*models.Job, error) {
	now := time.Now()
	full := 100
	res := &models.JobResult{
		JobID:      env.ID,
		Success:    true,
		Data:       result,
		DurationMS: elapsed.Milliseconds(),
		AttemptNo:  attemptNo,
		RecordedAt: now,
	}

	var job *models.Job
	err := c.withRetry(ctx, func() error {
		var err error
		job, err = c.store.CompleteAttempt(ctx, env.ID, models.JobStatusCompleted, interfaces.StatusPatch{
			CompletedAt: &now,
			Progress:    &full,
			Result:      result,
		}, res)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete job %s: %w", env.ID, err)
	}

	c.broker.Ack(env.Type, env.ID)
	c.logger.Info().
		Str("job_id", env.ID).
		Str("type", env.Type).
		Int("attempt", attemptNo).
		Dur("elapsed", elapsed).
		Msg("Job completed")
	c.publish(models.EventJobCompleted, job)
	return job, nil
}

// MarkFailed records a failed attempt and applies the retry decision: retry
// reschedules into delayed, fail parks in the failed set, dead is terminal.
func (c *Coordinator) MarkFailed(ctx context.Context, env *models.Envelope, attemptNo int, handlerErr error, elapsed time.Duration, decision Decision, retryIn time.Duration) (*models.Job, error) {
	now := time.Now()
	errMsg := handlerErr.Error()
	res := &models.JobResult{
		JobID:      env.ID,
		Success:    false,
		Error:      errMsg,
		DurationMS: elapsed.Milliseconds(),
		AttemptNo:  attemptNo,
		RecordedAt: now,
	}

	var status string
	switch decision {
	case DecisionRetry:
		status = models.JobStatusDelayed
	case DecisionFail:
		status = models.JobStatusFailed
	case DecisionDead:
		status = models.JobStatusDead
	default:
		return nil, fmt.Errorf("unknown retry decision %d", decision)
	}

	patch := interfaces.StatusPatch{LastError: &errMsg}
	if decision != DecisionRetry {
		patch.FailedAt = &now
	}

	var job *models.Job
	err := c.withRetry(ctx, func() error {
		var err error
		job, err = c.store.CompleteAttempt(ctx, env.ID, status, patch, res)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt for job %s: %w", env.ID, err)
	}

	switch decision {
	case DecisionRetry:
		c.broker.Fail(env.Type, env.ID, retryIn)
		c.logger.Warn().
			Str("job_id", env.ID).
			Str("type", env.Type).
			Int("attempt", attemptNo).
			Dur("retry_in", retryIn).
			Str("error", errMsg).
			Msg("Job attempt failed, retry scheduled")
		c.publish(models.EventJobFailed, job)
	case DecisionFail:
		c.broker.Fail(env.Type, env.ID, 0)
		c.logger.Warn().
			Str("job_id", env.ID).
			Str("type", env.Type).
			Int("attempt", attemptNo).
			Str("error", errMsg).
			Msg("Job failed permanently, parked for manual retry")
		c.publish(models.EventJobFailed, job)
	case DecisionDead:
		c.broker.Ack(env.Type, env.ID)
		c.logger.Error().
			Str("job_id", env.ID).
			Str("type", env.Type).
			Int("attempt", attemptNo).
			Str("error", errMsg).
			Msg("Job dead, retries exhausted")
		c.publish(models.EventJobDead, job)
	}
	return job, nil
}

// MarkPromoted flips a promoted job's durable status delayed → waiting. The
// broker move already happened; a crash between the two self-heals on boot.
func (c *Coordinator) MarkPromoted(ctx context.Context, env *models.Envelope) {
	_, err := c.store.UpdateStatus(ctx, env.ID, models.JobStatusWaiting, interfaces.StatusPatch{})
	if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		c.logger.Error().Err(err).Str("job_id", env.ID).Msg("Failed to record delayed promotion")
	}
}

// Pause stops claims for a queue. In-flight attempts run to completion and
// durable statuses are left untouched; pause does not survive a restart.
func (c *Coordinator) Pause(queueType string) error {
	if err := c.broker.Pause(queueType); err != nil {
		return err
	}
	c.logger.Info().Str("queue", queueType).Msg("Queue paused")
	return nil
}

// Resume lifts a pause. Idempotent.
func (c *Coordinator) Resume(ctx context.Context, queueType string) error {
	if err := c.broker.Resume(queueType); err != nil {
		return err
	}
	c.logger.Info().Str("queue", queueType).Msg("Queue resumed")
	return nil
}

// RetryFailed drains durably failed jobs back to waiting and re-enqueues
// them at their original priority. Empty queueType means every queue. The
// durable table drives the drain so jobs failed before a restart are
// included even though the broker's failed set was lost.
func (c *Coordinator) RetryFailed(ctx context.Context, queueType string) (int, error) {
	types := []string{queueType}
	if queueType == "" {
		types = c.config.QueueNames()
	} else if _, ok := c.config.QueueByName(queueType); !ok {
		return 0, fmt.Errorf("queue %q: %w", queueType, models.ErrUnknownJobType)
	}

	total := 0
	for _, t := range types {
		for {
			jobs, err := c.store.ListByStatusAndType(ctx, models.JobStatusFailed, t, retryFailedBatch)
			if err != nil {
				return total, fmt.Errorf("failed to list failed jobs for %q: %w", t, err)
			}
			if len(jobs) == 0 {
				break
			}
			for _, job := range jobs {
				if _, err := c.store.UpdateStatus(ctx, job.ID, models.JobStatusWaiting, interfaces.StatusPatch{}); err != nil {
					return total, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
				}
				c.broker.RemoveFailed(t, job.ID)
				env := &models.Envelope{
					ID:       job.ID,
					Type:     job.Type,
					Priority: job.Priority,
					Payload:  job.Payload,
				}
				if err := c.broker.Enqueue(t, env, 0); err != nil {
					return total, err
				}
				total++
			}
			if len(jobs) < retryFailedBatch {
				break
			}
		}
	}
	if total > 0 {
		c.logger.Info().Int("count", total).Str("queue", queueType).Msg("Failed jobs requeued")
	}
	return total, nil
}

// publish broadcasts a lifecycle event with the queue's current ready depth.
func (c *Coordinator) publish(eventType string, job *models.Job) {
	if c.hub == nil || job == nil {
		return
	}
	size := 0
	if stats, ok := c.broker.Stats(job.Type); ok {
		size = stats.Ready
	}
	c.hub.Broadcast(&models.JobEvent{
		Type:      eventType,
		Job:       job,
		Timestamp: time.Now(),
		QueueSize: size,
	})
}

// withRetry runs fn up to three times with a short pause, absorbing transient
// store contention (sqlite busy). Lifecycle errors pass through untouched.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}
	return err
}

// Compile-time check
var _ interfaces.Lifecycle = (*Coordinator)(nil)
