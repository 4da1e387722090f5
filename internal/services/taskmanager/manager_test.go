package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
	"github.com/bobmcallan/conveyor/internal/services/broker"
)

func unitConfig() *common.Config {
	config := common.NewDefaultConfig()
	config.Queues = []common.QueueConfig{{
		Name:          "unit",
		Concurrency:   2,
		MaxRetries:    2,
		RetryDelayMS:  5,
		Backoff:       common.BackoffFixed,
		KeepCompleted: 100,
		KeepFailed:    100,
	}}
	config.Dispatcher.PromoteInterval = "10ms"
	config.Dispatcher.ShutdownGrace = "2s"
	return config
}

// newTestManager wires a manager around the mock store and a real broker.
func newTestManager(t *testing.T, config *common.Config, h interfaces.Handler) (*Manager, *Coordinator, *mockStore) {
	t.Helper()
	logger := common.NewSilentLogger()
	store := newMockStore()
	brk := broker.New(logger)

	registry := NewRegistry()
	for _, q := range config.Queues {
		if err := registry.Register(q.Name, h); err != nil {
			t.Fatal(err)
		}
	}

	coord := NewCoordinator(store, brk, registry, config, nil, logger)
	mgr := NewManager(config, store, brk, registry, coord, nil, nil, logger)
	t.Cleanup(mgr.Stop)
	return mgr, coord, store
}

func waitForStatus(t *testing.T, store *mockStore, id, status string, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), id)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, status, job)
	return nil
}

func TestManagerProcessesJob(t *testing.T) {
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		progress <- 50
		progress <- 100
		return json.RawMessage(`{"done":true}`), nil
	})

	mgr, coord, store := newTestManager(t, unitConfig(), handler)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	job, err := coord.Submit(context.Background(), "unit", 5, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, store, job.ID, models.JobStatusCompleted, 3*time.Second)
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if string(done.Result) != `{"done":true}` {
		t.Errorf("result = %s", done.Result)
	}

	results, _ := store.ResultsForJob(context.Background(), job.ID)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want one successful attempt", results)
	}
}

func TestManagerRetriesThenDead(t *testing.T) {
	var calls atomic.Int32
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("always broken")
	})

	mgr, coord, store := newTestManager(t, unitConfig(), handler)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	job, err := coord.Submit(context.Background(), "unit", 5, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	// max_retries 2 allows 3 attempts total.
	done := waitForStatus(t, store, job.ID, models.JobStatusDead, 5*time.Second)
	if done.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", done.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}

	results, _ := store.ResultsForJob(context.Background(), job.ID)
	if len(results) != int(done.Attempts) {
		t.Errorf("results = %d rows, want one per attempt (%d)", len(results), done.Attempts)
	}
}

func TestManagerPermanentErrorParksFailed(t *testing.T) {
	var calls atomic.Int32
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("never going to work"))
	})

	mgr, coord, store := newTestManager(t, unitConfig(), handler)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	job, err := coord.Submit(context.Background(), "unit", 5, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, store, job.ID, models.JobStatusFailed, 3*time.Second)
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for permanent errors)", done.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestManagerPanicFailsAttempt(t *testing.T) {
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		panic("handler bug")
	})

	mgr, coord, store := newTestManager(t, unitConfig(), handler)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	job, err := coord.Submit(context.Background(), "unit", 5, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, store, job.ID, models.JobStatusDead, 5*time.Second)
	if done.LastError == "" {
		t.Error("last_error should describe the panic")
	}
}

func TestManagerStartRequiresHandlers(t *testing.T) {
	logger := common.NewSilentLogger()
	config := unitConfig()
	store := newMockStore()
	brk := broker.New(logger)
	registry := NewRegistry() // empty

	coord := NewCoordinator(store, brk, registry, config, nil, logger)
	mgr := NewManager(config, store, brk, registry, coord, nil, nil, logger)

	if err := mgr.Start(); err == nil {
		t.Fatal("Start should fail when a queue has no handler")
	}
}

func TestManagerRecoversWaitingJobs(t *testing.T) {
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	mgr, _, store := newTestManager(t, unitConfig(), handler)

	// Durable record from a previous process; no broker state exists.
	now := time.Now()
	job := &models.Job{
		ID: "leftover", Type: "unit", Priority: 5,
		Status: models.JobStatusWaiting, CreatedAt: now, UpdatedAt: now,
		MaxRetries: 2,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, "leftover", models.JobStatusCompleted, 3*time.Second)
}

func TestManagerRecoversInterruptedActiveJobs(t *testing.T) {
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	mgr, _, store := newTestManager(t, unitConfig(), handler)

	// Mid-attempt when the previous process died.
	started := time.Now().Add(-time.Minute)
	job := &models.Job{
		ID: "orphan", Type: "unit", Priority: 5,
		Status: models.JobStatusActive, CreatedAt: started, UpdatedAt: started,
		StartedAt: &started, Attempts: 1, MaxRetries: 2,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	// The interrupted attempt is charged, then the retry completes.
	done := waitForStatus(t, store, "orphan", models.JobStatusCompleted, 5*time.Second)
	if done.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (interrupted + successful retry)", done.Attempts)
	}

	results, _ := store.ResultsForJob(context.Background(), "orphan")
	if len(results) != 2 {
		t.Fatalf("results = %d rows, want interrupted attempt plus retry", len(results))
	}
	if results[0].Success || !results[1].Success {
		t.Errorf("results = %+v, want failed then successful", results)
	}
}

func TestRetentionEvictsTrimmedFailedFromBroker(t *testing.T) {
	config := unitConfig()
	config.Queues[0].KeepFailed = 1
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	})
	mgr, _, store := newTestManager(t, config, handler)
	ctx := context.Background()

	mgr.broker.Register("unit")
	park := func(id string) {
		job := &models.Job{ID: id, Type: "unit", Priority: 5, Status: models.JobStatusWaiting, MaxRetries: 2}
		if err := store.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
		if _, err := store.UpdateStatus(ctx, id, models.JobStatusActive, interfaces.StatusPatch{}); err != nil {
			t.Fatal(err)
		}
		if _, err := store.UpdateStatus(ctx, id, models.JobStatusFailed, interfaces.StatusPatch{}); err != nil {
			t.Fatal(err)
		}
		if err := mgr.broker.Enqueue("unit", &models.Envelope{ID: id, Type: "unit", Priority: 5}, 0); err != nil {
			t.Fatal(err)
		}
	}
	park("older")
	time.Sleep(2 * time.Millisecond)
	park("newer")
	for _, env := range mgr.broker.Claim("unit", 2) {
		mgr.broker.Fail("unit", env.ID, 0)
	}

	mgr.runRetention(ctx)

	if _, err := store.Get(ctx, "older"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("older job should be trimmed, got %v", err)
	}
	if _, err := store.Get(ctx, "newer"); err != nil {
		t.Errorf("newer job should survive, got %v", err)
	}
	stats, ok := mgr.broker.Stats("unit")
	if !ok {
		t.Fatal("queue missing")
	}
	if stats.Failed != 1 {
		t.Errorf("broker failed set = %d, want 1 after trim eviction", stats.Failed)
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	handler := noopHandler()
	mgr, _, _ := newTestManager(t, unitConfig(), handler)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}
	mgr.Stop()
	mgr.Stop()
}

func TestManagerConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	handler := interfaces.HandlerFunc(func(ctx context.Context, env *models.Envelope, progress chan<- int) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	})

	mgr, coord, store := newTestManager(t, unitConfig(), handler)
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 6; i++ {
		job, err := coord.Submit(context.Background(), "unit", 5, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, store, id, models.JobStatusCompleted, 5*time.Second)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= configured 2", p)
	}
}
