package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bobmcallan/conveyor/internal/models"
)

// Broker keeps the in-memory ready/active/delayed/failed sets per queue type.
// It holds no durable state; the store is authoritative across restarts.
type Broker interface {
	// Register creates the queue state for a type. Idempotent.
	Register(queueType string)

	// Enqueue places an envelope into ready, or into delayed when delay > 0.
	Enqueue(queueType string, env *models.Envelope, delay time.Duration) error

	// Claim reserves up to n ready envelopes in (priority asc, seq asc)
	// order, moving them to active. Paused queues yield nothing.
	Claim(queueType string, n int) []*models.Envelope

	// Ack removes a claimed envelope from active.
	Ack(queueType, id string) bool

	// Fail removes from active; retryIn > 0 reschedules into delayed,
	// otherwise the envelope lands in the failed set.
	Fail(queueType, id string, retryIn time.Duration) bool

	// PromoteDue moves delayed envelopes whose due time has passed into
	// ready, preserving priority order. Returns the promoted envelopes so
	// the caller can flip their durable status delayed → waiting.
	PromoteDue(queueType string, now time.Time) []*models.Envelope

	// IsActive reports whether an envelope is currently claimed.
	IsActive(queueType, id string) bool

	Pause(queueType string) error
	Resume(queueType string) error

	// RetryAllFailed moves failed envelopes back to ready with their
	// original priority. Empty type means every queue. Returns the count.
	RetryAllFailed(queueType string) int

	// RemoveFailed drops one envelope from the failed set, used when the
	// coordinator re-enqueues a durably failed job itself.
	RemoveFailed(queueType, id string) bool

	Stats(queueType string) (models.QueueStats, bool)
	AllStats() map[string]models.QueueStats
	Types() []string

	// Wait blocks until the queue looks claimable (ready work and not
	// paused) or the context ends. Spurious wakes are allowed; callers
	// must re-check via Claim.
	Wait(ctx context.Context, queueType string) error
}

// Handler executes the business of one job attempt. The envelope is read-only,
// ctx fires on shutdown/timeout, and progress accepts values in [0,100].
// Handlers must tolerate re-execution up to max_retries+1 times.
type Handler interface {
	Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
	return f(ctx, env, progress)
}

// Lifecycle is the surface the HTTP layer drives. All durable status
// mutations flow through it.
type Lifecycle interface {
	Submit(ctx context.Context, jobType string, priority int, payload json.RawMessage) (*models.Job, error)
	Pause(queueType string) error
	Resume(ctx context.Context, queueType string) error
	RetryFailed(ctx context.Context, queueType string) (int, error)
}
