// Package taskmanager runs the worker pools, retry engine, and lifecycle
// coordination on top of the durable store and the in-memory broker.
package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

const (
	// progressWriteInterval throttles durable progress writes per job.
	progressWriteInterval = 500 * time.Millisecond
	// retentionInterval is the cadence of completed/failed history trimming.
	retentionInterval = time.Minute
	// recoveryBatch bounds one durable page during recovery sweeps.
	recoveryBatch = 200
)

// Manager owns the per-queue worker pools and the background loops: delayed
// promotion, stale-job reaping, retention trimming, and metrics recording.
type Manager struct {
	config   *common.Config
	store    interfaces.JobStore
	broker   interfaces.Broker
	registry *Registry
	coord    *Coordinator
	hub      *Hub
	metrics  *Aggregator
	logger   *common.Logger

	policies map[string]RetryPolicy

	// loopCtx stops claim and sweep loops; execCtx cancels in-flight
	// handlers. Shutdown cancels them in that order with a grace period
	// between.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc

	loops    sync.WaitGroup
	inflight sync.WaitGroup

	startedAt time.Time
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager wires a manager. Call Start to begin processing.
func NewManager(config *common.Config, store interfaces.JobStore, broker interfaces.Broker, registry *Registry, coord *Coordinator, hub *Hub, metrics *Aggregator, logger *common.Logger) *Manager {
	policies := make(map[string]RetryPolicy, len(config.Queues))
	for _, q := range config.Queues {
		policies[q.Name] = PolicyFromQueueConfig(q, config.Dispatcher.GetMaxRetryDelay())
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		store:      store,
		broker:     broker,
		registry:   registry,
		coord:      coord,
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
		policies:   policies,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		execCtx:    execCtx,
		execCancel: execCancel,
	}
}

// Start recovers durable state into the broker and launches the worker pools
// and background loops. Every configured queue must have a registered
// handler.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		for _, q := range m.config.Queues {
			if !m.registry.Has(q.Name) {
				startErr = fmt.Errorf("queue %q has no registered handler", q.Name)
				return
			}
			m.broker.Register(q.Name)
		}

		if err := m.recover(m.loopCtx); err != nil {
			startErr = fmt.Errorf("recovery failed: %w", err)
			return
		}

		m.startedAt = time.Now()
		if m.hub != nil {
			m.safeGo("ws-hub", m.hub.Run)
		}

		for _, q := range m.config.Queues {
			qc := q
			m.safeGo("promote-"+qc.Name, func() { m.promoteLoop(qc.Name) })
			for i := 0; i < qc.Concurrency; i++ {
				m.safeGo(fmt.Sprintf("worker-%s-%d", qc.Name, i), func() { m.workerLoop(qc.Name) })
			}
		}
		m.safeGo("reaper", m.reaperLoop)
		m.safeGo("retention", m.retentionLoop)
		if m.metrics != nil {
			m.safeGo("metrics", func() { m.metrics.Run(m.loopCtx) })
		}

		m.logger.Info().
			Strs("queues", m.config.QueueNames()).
			Msg("Task manager started")
	})
	return startErr
}

// Stop drains the pools: claim loops stop immediately, in-flight handlers get
// the shutdown grace period, and anything still running is cancelled. Jobs
// abandoned mid-attempt keep their durable active status and are recovered on
// the next boot.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		grace := m.config.Dispatcher.GetShutdownGrace()
		m.logger.Info().Dur("grace", grace).Msg("Task manager stopping")

		// Stop claiming, then cancel in-flight handlers and give them the
		// grace period to return. Anything still running after that stays
		// durably active and is picked up by recovery on the next boot.
		m.loopCancel()
		m.execCancel()

		if !waitTimeout(&m.inflight, grace) {
			m.logger.Warn().Msg("Shutdown grace expired, abandoning in-flight handlers")
		}
		m.loops.Wait()

		if m.hub != nil {
			m.hub.Stop()
		}
		m.logger.Info().Msg("Task manager stopped")
	})
}

// Uptime reports how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	return time.Since(m.startedAt)
}

// safeGo launches fn on the loops waitgroup with panic recovery, matching the
// crash isolation of the rest of the service: one broken loop must not take
// the process down.
func (m *Manager) safeGo(name string, fn func()) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Interface("panic", r).
					Msg("Recovered from panic in background goroutine")
			}
		}()
		fn()
	}()
}

// workerLoop claims and executes jobs for one queue until shutdown.
func (m *Manager) workerLoop(queueType string) {
	for {
		if m.loopCtx.Err() != nil {
			return
		}
		claimed := m.broker.Claim(queueType, 1)
		if len(claimed) == 0 {
			if err := m.broker.Wait(m.loopCtx, queueType); err != nil {
				return
			}
			continue
		}
		m.execute(claimed[0])
	}
}

// execute runs one attempt end to end: mark active, run the handler with a
// throttled progress pipeline, then commit the outcome through the
// coordinator.
func (m *Manager) execute(env *models.Envelope) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	job, err := m.coord.MarkActive(context.Background(), env)
	if err != nil {
		// Claim was released back to the broker with a short delay.
		m.logger.Error().Err(err).Str("job_id", env.ID).Msg("Failed to activate claimed job")
		return
	}
	attemptNo := job.Attempts

	handler, err := m.registry.Resolve(env.Type)
	if err != nil {
		// Handlers register before Start; a miss here means the queue was
		// misconfigured at runtime.
		m.coord.MarkFailed(context.Background(), env, attemptNo, err, 0, DecisionDead, 0)
		return
	}

	handlerCtx := m.execCtx
	var cancel context.CancelFunc
	if timeout := m.config.Dispatcher.GetHandlerTimeout(); timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(handlerCtx, timeout)
		defer cancel()
	}

	progressCh := make(chan int, 16)
	drained := make(chan struct{})
	go m.drainProgress(env, job, progressCh, drained)

	start := time.Now()
	result, runErr := m.runHandler(handlerCtx, handler, env, progressCh)
	elapsed := time.Since(start)
	close(progressCh)
	<-drained

	if runErr == nil {
		if _, err := m.coord.MarkCompleted(context.Background(), env, attemptNo, result, elapsed); err != nil {
			m.logger.Error().Err(err).Str("job_id", env.ID).Msg("Failed to commit completed attempt")
		}
		return
	}

	policy := m.policies[env.Type]
	decision, retryIn := Decide(attemptNo, policy, IsPermanent(runErr))
	if _, err := m.coord.MarkFailed(context.Background(), env, attemptNo, runErr, elapsed, decision, retryIn); err != nil {
		m.logger.Error().Err(err).Str("job_id", env.ID).Msg("Failed to commit failed attempt")
	}
}

// runHandler isolates handler panics: a panicking handler fails the attempt
// instead of crashing the worker.
func (m *Manager) runHandler(ctx context.Context, h interfaces.Handler, env *models.Envelope, progress chan<- int) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("job_id", env.ID).
				Str("type", env.Type).
				Interface("panic", r).
				Msg("Handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(ctx, env, progress)
}

// drainProgress consumes handler progress updates, clamps them to [0,100],
// keeps them monotonic, and writes through to the store at most once per
// progressWriteInterval. The final value is always flushed so a finished
// handler never leaves a stale percentage behind.
func (m *Manager) drainProgress(env *models.Envelope, job *models.Job, progress <-chan int, done chan<- struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Every(progressWriteInterval), 1)
	last, written := -1, -1

	for p := range progress {
		if p < 0 {
			p = 0
		} else if p > 100 {
			p = 100
		}
		if p <= last {
			continue
		}
		last = p
		if limiter.Allow() {
			m.writeProgress(env, job, p)
			written = p
		}
	}
	if last > written {
		m.writeProgress(env, job, last)
	}
}

func (m *Manager) writeProgress(env *models.Envelope, job *models.Job, p int) {
	if err := m.store.UpdateProgress(context.Background(), env.ID, p); err != nil {
		m.logger.Warn().Err(err).Str("job_id", env.ID).Msg("Progress write failed")
		return
	}
	if m.hub != nil {
		snapshot := *job
		snapshot.Progress = p
		m.hub.Broadcast(&models.JobEvent{
			Type:      models.EventJobProgress,
			Job:       &snapshot,
			Timestamp: time.Now(),
		})
	}
}

// promoteLoop sweeps one queue's delayed set on the promote interval and
// flips the promoted jobs' durable status back to waiting.
func (m *Manager) promoteLoop(queueType string) {
	ticker := time.NewTicker(m.config.Dispatcher.GetPromoteInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.loopCtx.Done():
			return
		case now := <-ticker.C:
			for _, env := range m.broker.PromoteDue(queueType, now) {
				m.coord.MarkPromoted(m.loopCtx, env)
			}
		}
	}
}

// reaperLoop periodically hunts for durable active jobs the broker no longer
// tracks. Those are attempts orphaned by a crashed or abandoned worker; each
// is charged as a failed attempt and rescheduled or killed by the retry
// policy.
func (m *Manager) reaperLoop() {
	threshold := m.config.Dispatcher.GetStaleThreshold()
	ticker := time.NewTicker(threshold)
	defer ticker.Stop()
	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			if n := m.reapStale(m.loopCtx, threshold, true); n > 0 {
				m.logger.Warn().Int("count", n).Msg("Reaped orphaned active jobs")
			}
		}
	}
}

// reapStale finds durable active jobs older than threshold and not claimed in
// the broker (checkBroker false skips that check, for boot recovery when the
// broker is empty). Each gets a synthetic failed attempt and re-enters the
// retry ladder.
func (m *Manager) reapStale(ctx context.Context, threshold time.Duration, checkBroker bool) int {
	jobs, err := m.store.ListByStatus(ctx, models.JobStatusActive, recoveryBatch)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list active jobs for reaping")
		return 0
	}

	reaped := 0
	now := time.Now()
	for _, job := range jobs {
		if checkBroker && m.broker.IsActive(job.Type, job.ID) {
			continue
		}
		ref := job.UpdatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if now.Sub(ref) < threshold {
			continue
		}
		if err := m.requeueInterrupted(ctx, job, "attempt interrupted, worker lost"); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reap stale job")
			continue
		}
		reaped++
	}
	return reaped
}

// requeueInterrupted charges an interrupted attempt against the job's retry
// budget. Unlike the worker path the broker holds no claim, so the broker
// move is an Enqueue rather than a Fail.
func (m *Manager) requeueInterrupted(ctx context.Context, job *models.Job, reason string) error {
	policy := m.policies[job.Type]
	decision, retryIn := Decide(job.Attempts, policy, false)

	now := time.Now()
	res := &models.JobResult{
		JobID:      job.ID,
		Success:    false,
		Error:      reason,
		AttemptNo:  job.Attempts,
		RecordedAt: now,
	}
	errMsg := reason
	patch := interfaces.StatusPatch{LastError: &errMsg}

	switch decision {
	case DecisionRetry:
		if _, err := m.store.CompleteAttempt(ctx, job.ID, models.JobStatusDelayed, patch, res); err != nil {
			return err
		}
		env := &models.Envelope{ID: job.ID, Type: job.Type, Priority: job.Priority, Payload: job.Payload}
		return m.broker.Enqueue(job.Type, env, retryIn)
	default:
		patch.FailedAt = &now
		_, err := m.store.CompleteAttempt(ctx, job.ID, models.JobStatusDead, patch, res)
		return err
	}
}

// retentionLoop trims completed and failed history per queue on a fixed
// cadence. keep_completed / keep_failed of zero disables trimming.
func (m *Manager) retentionLoop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			m.runRetention(m.loopCtx)
		}
	}
}

// runRetention performs one retention sweep across all queues. Trimmed failed
// jobs are also evicted from the broker's failed set so stats and retry-failed
// never see envelopes whose durable rows are gone.
func (m *Manager) runRetention(ctx context.Context) {
	for _, q := range m.config.Queues {
		if q.KeepCompleted > 0 {
			if n, err := m.store.TrimCompleted(ctx, q.Name, q.KeepCompleted); err != nil {
				m.logger.Error().Err(err).Str("queue", q.Name).Msg("Completed trim failed")
			} else if n > 0 {
				m.logger.Debug().Int("deleted", n).Str("queue", q.Name).Msg("Trimmed completed jobs")
			}
		}
		if q.KeepFailed > 0 {
			ids, err := m.store.TrimFailed(ctx, q.Name, q.KeepFailed)
			if err != nil {
				m.logger.Error().Err(err).Str("queue", q.Name).Msg("Failed trim failed")
				continue
			}
			for _, id := range ids {
				m.broker.RemoveFailed(q.Name, id)
			}
			if len(ids) > 0 {
				m.logger.Debug().Int("deleted", len(ids)).Str("queue", q.Name).Msg("Trimmed failed jobs")
			}
		}
	}
}

// recover rebuilds the broker from the durable store on boot. The store is
// authoritative: waiting jobs return to ready, delayed jobs keep whatever
// delay remains, and active jobs left behind by the previous process are
// charged a failed attempt. Durably failed jobs are not re-inserted; the
// retry-failed operation drains them from the store directly.
func (m *Manager) recover(ctx context.Context) error {
	interrupted := 0
	for {
		jobs, err := m.store.ListByStatus(ctx, models.JobStatusActive, recoveryBatch)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			if err := m.requeueInterrupted(ctx, job, "attempt interrupted by shutdown"); err != nil {
				return fmt.Errorf("failed to recover active job %s: %w", job.ID, err)
			}
			interrupted++
		}
		if len(jobs) < recoveryBatch {
			break
		}
	}

	requeued, err := m.recoverByStatus(ctx, models.JobStatusWaiting)
	if err != nil {
		return err
	}
	delayed, err := m.recoverByStatus(ctx, models.JobStatusDelayed)
	if err != nil {
		return err
	}

	if interrupted+requeued+delayed > 0 {
		m.logger.Info().
			Int("interrupted", interrupted).
			Int("waiting", requeued).
			Int("delayed", delayed).
			Msg("Recovered durable jobs into broker")
	}
	return nil
}

// recoverByStatus re-enqueues every durable job in the given status. Delayed
// jobs get the remainder of their backoff, approximated from updated_at plus
// the delay their attempt count implies; an elapsed remainder enqueues ready.
// Re-enqueueing leaves the durable status untouched, so a single large page
// is read instead of paging on a moving filter.
func (m *Manager) recoverByStatus(ctx context.Context, status string) (int, error) {
	jobs, err := m.store.ListByStatus(ctx, status, 10000)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, job := range jobs {
		var delay time.Duration
		if status == models.JobStatusDelayed {
			scheduled := DelayForAttempt(m.policies[job.Type], job.Attempts)
			due := job.UpdatedAt.Add(scheduled)
			if remaining := time.Until(due); remaining > 0 {
				delay = remaining
			}
		}

		env := &models.Envelope{ID: job.ID, Type: job.Type, Priority: job.Priority, Payload: job.Payload}
		if err := m.broker.Enqueue(job.Type, env, delay); err != nil {
			return total, err
		}
		total++
	}
	return total, nil
}

// waitTimeout waits on wg up to d. Returns true if the wait completed.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
