// Package broker provides the in-memory ready/active/delayed/failed sets for
// each queue type. The broker is a cache of schedulable state; the durable
// store remains authoritative and the broker is rebuilt from it on boot.
package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

// queue holds the four sets and the pause flag for one type. A single mutex
// covers every operation on the queue; contention stays per-type.
type queue struct {
	mu      sync.Mutex
	ready   readyHeap
	active  map[string]*models.Envelope
	delayed delayHeap
	failed  []*models.Envelope
	paused  bool
	wake    chan struct{} // signaled when ready work may have appeared
}

func newQueue() *queue {
	return &queue{
		active: make(map[string]*models.Envelope),
		wake:   make(chan struct{}, 1),
	}
}

// notify wakes one waiting worker without blocking.
func (q *queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Broker implements interfaces.Broker with per-queue locked state.
type Broker struct {
	mu     sync.RWMutex // guards the queues map only
	queues map[string]*queue
	seq    atomic.Uint64
	logger *common.Logger
}

// New creates an empty broker.
func New(logger *common.Logger) *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		logger: logger,
	}
}

func (b *Broker) Register(queueType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueType]; !ok {
		b.queues[queueType] = newQueue()
	}
}

func (b *Broker) queue(queueType string) (*queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[queueType]
	return q, ok
}

func (b *Broker) Enqueue(queueType string, env *models.Envelope, delay time.Duration) error {
	q, ok := b.queue(queueType)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueType, models.ErrUnknownJobType)
	}

	env.Seq = b.seq.Add(1)
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if delay > 0 {
		env.Due = time.Now().Add(delay)
		heap.Push(&q.delayed, env)
	} else {
		env.Due = time.Time{}
		heap.Push(&q.ready, env)
	}
	paused := q.paused
	q.mu.Unlock()

	if delay <= 0 && !paused {
		q.notify()
	}
	return nil
}

func (b *Broker) Claim(queueType string, n int) []*models.Envelope {
	q, ok := b.queue(queueType)
	if !ok || n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil
	}

	var claimed []*models.Envelope
	for len(claimed) < n && q.ready.Len() > 0 {
		env := heap.Pop(&q.ready).(*models.Envelope)
		q.active[env.ID] = env
		claimed = append(claimed, env)
	}
	return claimed
}

func (b *Broker) Ack(queueType, id string) bool {
	q, ok := b.queue(queueType)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[id]; !ok {
		return false
	}
	delete(q.active, id)
	return true
}

func (b *Broker) Fail(queueType, id string, retryIn time.Duration) bool {
	q, ok := b.queue(queueType)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.active[id]
	if !ok {
		return false
	}
	delete(q.active, id)
	if retryIn > 0 {
		env.Due = time.Now().Add(retryIn)
		heap.Push(&q.delayed, env)
	} else {
		env.Due = time.Time{}
		q.failed = append(q.failed, env)
	}
	return true
}

func (b *Broker) PromoteDue(queueType string, now time.Time) []*models.Envelope {
	q, ok := b.queue(queueType)
	if !ok {
		return nil
	}

	q.mu.Lock()
	var promoted []*models.Envelope
	for q.delayed.Len() > 0 && !q.delayed[0].Due.After(now) {
		env := heap.Pop(&q.delayed).(*models.Envelope)
		env.Due = time.Time{}
		heap.Push(&q.ready, env)
		promoted = append(promoted, env)
	}
	paused := q.paused
	q.mu.Unlock()

	if len(promoted) > 0 && !paused {
		q.notify()
	}
	return promoted
}

func (b *Broker) IsActive(queueType, id string) bool {
	q, ok := b.queue(queueType)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok = q.active[id]
	return ok
}

func (b *Broker) Pause(queueType string) error {
	q, ok := b.queue(queueType)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueType, models.ErrUnknownJobType)
	}
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

func (b *Broker) Resume(queueType string) error {
	q, ok := b.queue(queueType)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueType, models.ErrUnknownJobType)
	}
	q.mu.Lock()
	q.paused = false
	hasReady := q.ready.Len() > 0
	q.mu.Unlock()
	if hasReady {
		q.notify()
	}
	return nil
}

func (b *Broker) RetryAllFailed(queueType string) int {
	var types []string
	if queueType != "" {
		types = []string{queueType}
	} else {
		types = b.Types()
	}

	total := 0
	for _, t := range types {
		q, ok := b.queue(t)
		if !ok {
			continue
		}
		q.mu.Lock()
		moved := len(q.failed)
		for _, env := range q.failed {
			heap.Push(&q.ready, env)
		}
		q.failed = nil
		paused := q.paused
		q.mu.Unlock()
		if moved > 0 && !paused {
			q.notify()
		}
		total += moved
	}
	return total
}

func (b *Broker) RemoveFailed(queueType, id string) bool {
	q, ok := b.queue(queueType)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, env := range q.failed {
		if env.ID == id {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Broker) Stats(queueType string) (models.QueueStats, bool) {
	q, ok := b.queue(queueType)
	if !ok {
		return models.QueueStats{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.QueueStats{
		Ready:   q.ready.Len(),
		Active:  len(q.active),
		Delayed: q.delayed.Len(),
		Failed:  len(q.failed),
		Paused:  q.paused,
	}, true
}

func (b *Broker) AllStats() map[string]models.QueueStats {
	stats := make(map[string]models.QueueStats)
	for _, t := range b.Types() {
		if s, ok := b.Stats(t); ok {
			stats[t] = s
		}
	}
	return stats
}

func (b *Broker) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.queues))
	for t := range b.queues {
		types = append(types, t)
	}
	return types
}

// Wait blocks until the queue looks claimable, the context ends, or a short
// poll interval elapses. The poll guards against missed wakeups; callers
// always re-check via Claim.
func (b *Broker) Wait(ctx context.Context, queueType string) error {
	q, ok := b.queue(queueType)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueType, models.ErrUnknownJobType)
	}

	q.mu.Lock()
	claimable := !q.paused && q.ready.Len() > 0
	q.mu.Unlock()
	if claimable {
		return nil
	}

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// Compile-time check
var _ interfaces.Broker = (*Broker)(nil)
