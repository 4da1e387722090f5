package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewMemoryStore(common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(id string) *models.Job {
	return &models.Job{
		ID:         id,
		Type:       "email",
		Priority:   5,
		Payload:    json.RawMessage(`{"to":"a@b.c"}`),
		Status:     models.JobStatusWaiting,
		MaxRetries: 3,
	}
}

func intPtr(n int) *int            { return &n }
func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string      { return &s }

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob("j1")))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, "email", got.Type)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, models.JobStatusWaiting, got.Status)
	assert.JSONEq(t, `{"to":"a@b.c"}`, string(got.Payload))
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.StartedAt)
}

func TestCreateDuplicateConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob("j1")))
	err := store.Create(ctx, testJob("j1"))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateStatusTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("j1")))

	now := time.Now().UTC()
	job, err := store.UpdateStatus(ctx, "j1", models.JobStatusActive, interfaces.StatusPatch{
		StartedAt: timePtr(now),
		Attempts:  intPtr(1),
		Progress:  intPtr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("j1")))

	// waiting → completed skips active.
	_, err := store.UpdateStatus(ctx, "j1", models.JobStatusCompleted, interfaces.StatusPatch{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestUpdateStatusTerminalHasNoExits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("j1")))

	_, err := store.UpdateStatus(ctx, "j1", models.JobStatusActive, interfaces.StatusPatch{Attempts: intPtr(1)})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, "j1", models.JobStatusCompleted, interfaces.StatusPatch{})
	require.NoError(t, err)

	for _, next := range []string{models.JobStatusWaiting, models.JobStatusActive, models.JobStatusFailed} {
		_, err = store.UpdateStatus(ctx, "j1", next, interfaces.StatusPatch{})
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "completed → %s should be rejected", next)
	}
}

func TestUpdateStatusMissingJob(t *testing.T) {
	store := newTestStore(t)
	_, err := store.UpdateStatus(context.Background(), "nope", models.JobStatusActive, interfaces.StatusPatch{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCompleteAttemptCommitsStatusAndResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("j1")))
	_, err := store.UpdateStatus(ctx, "j1", models.JobStatusActive, interfaces.StatusPatch{Attempts: intPtr(1)})
	require.NoError(t, err)

	res := &models.JobResult{
		JobID:      "j1",
		Success:    true,
		Data:       json.RawMessage(`{"sent":true}`),
		DurationMS: 42,
		AttemptNo:  1,
	}
	job, err := store.CompleteAttempt(ctx, "j1", models.JobStatusCompleted, interfaces.StatusPatch{
		CompletedAt: timePtr(time.Now().UTC()),
		Progress:    intPtr(100),
		Result:      json.RawMessage(`{"sent":true}`),
	}, res)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Positive(t, res.Seq)

	results, err := store.ResultsForJob(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(42), results[0].DurationMS)
	assert.Equal(t, 1, results[0].AttemptNo)
}

func TestCompleteAttemptRollsBackOnBadTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("j1")))

	// waiting → completed is invalid; the result row must not survive.
	_, err := store.CompleteAttempt(ctx, "j1", models.JobStatusCompleted, interfaces.StatusPatch{},
		&models.JobResult{JobID: "j1", Success: true, AttemptNo: 1})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	results, err := store.ResultsForJob(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpdateProgressMonotonicAndActiveOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testJob("j1")))

	// Writes against a non-active job are silently dropped.
	require.NoError(t, store.UpdateProgress(ctx, "j1", 50))
	job, _ := store.Get(ctx, "j1")
	assert.Equal(t, 0, job.Progress)

	_, err := store.UpdateStatus(ctx, "j1", models.JobStatusActive, interfaces.StatusPatch{Attempts: intPtr(1)})
	require.NoError(t, err)

	require.NoError(t, store.UpdateProgress(ctx, "j1", 60))
	require.NoError(t, store.UpdateProgress(ctx, "j1", 30)) // regression, dropped
	require.NoError(t, store.UpdateProgress(ctx, "j1", 150)) // clamped

	job, _ = store.Get(ctx, "j1")
	assert.Equal(t, 100, job.Progress)
}

func TestListByStatusAndType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testJob("a")
	b := testJob("b")
	b.Type = "image"
	c := testJob("c")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, store.Create(ctx, c))

	waiting, err := store.ListByStatus(ctx, models.JobStatusWaiting, 0)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	emails, err := store.ListByStatusAndType(ctx, models.JobStatusWaiting, "email", 0)
	require.NoError(t, err)
	assert.Len(t, emails, 2)

	none, err := store.ListByStatus(ctx, models.JobStatusDead, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMetricsSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	makeWithStatus := func(id string, path ...string) {
		require.NoError(t, store.Create(ctx, testJob(id)))
		for _, status := range path {
			patch := interfaces.StatusPatch{}
			if status == models.JobStatusActive {
				patch.Attempts = intPtr(1)
				patch.StartedAt = timePtr(time.Now().UTC().Add(-2 * time.Second))
			}
			if status == models.JobStatusCompleted {
				patch.CompletedAt = timePtr(time.Now().UTC())
			}
			_, err := store.UpdateStatus(ctx, id, status, patch)
			require.NoError(t, err)
		}
	}

	makeWithStatus("done-1", models.JobStatusActive, models.JobStatusCompleted)
	makeWithStatus("done-2", models.JobStatusActive, models.JobStatusCompleted)
	makeWithStatus("failed-1", models.JobStatusActive, models.JobStatusFailed)
	makeWithStatus("dead-1", models.JobStatusActive, models.JobStatusDead)
	makeWithStatus("waiting-1")

	snap, err := store.MetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Total)
	assert.Equal(t, int64(2), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Dead)
	assert.Equal(t, int64(1), snap.Pending)
	assert.InDelta(t, 50.0, snap.SuccessRatePct, 0.01)
	assert.Greater(t, snap.AvgProcessingSeconds, 0.0)
}

func TestTrimCompletedKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		job := testJob(id)
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.Create(ctx, job))
		_, err := store.UpdateStatus(ctx, id, models.JobStatusActive, interfaces.StatusPatch{Attempts: intPtr(1)})
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, id, models.JobStatusCompleted, interfaces.StatusPatch{})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct updated_at for deterministic trim order
	}

	deleted, err := store.TrimCompleted(ctx, "email", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining, err := store.ListByStatus(ctx, models.JobStatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// Newest survive.
	_, err = store.Get(ctx, "e")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTrimFailedCoversDead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fail := func(id, terminal string) {
		require.NoError(t, store.Create(ctx, testJob(id)))
		_, err := store.UpdateStatus(ctx, id, models.JobStatusActive, interfaces.StatusPatch{Attempts: intPtr(1)})
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, id, terminal, interfaces.StatusPatch{FailedAt: timePtr(time.Now().UTC()), LastError: strPtr("boom")})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	fail("f1", models.JobStatusFailed)
	fail("d1", models.JobStatusDead)
	fail("f2", models.JobStatusFailed)

	deleted, err := store.TrimFailed(ctx, "email", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "d1"}, deleted)

	// Nothing left beyond the keep count.
	deleted, err = store.TrimFailed(ctx, "email", 1)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestResultRowsCascadeOnJobDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testJob("j1")))
	_, err := store.UpdateStatus(ctx, "j1", models.JobStatusActive, interfaces.StatusPatch{Attempts: intPtr(1)})
	require.NoError(t, err)
	_, err = store.CompleteAttempt(ctx, "j1", models.JobStatusCompleted, interfaces.StatusPatch{},
		&models.JobResult{JobID: "j1", Success: true, AttemptNo: 1})
	require.NoError(t, err)

	deleted, err := store.TrimCompleted(ctx, "email", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	results, err := store.ResultsForJob(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecordMetric(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordMetric(context.Background(), "system_snapshot", 42, json.RawMessage(`{"completed":42}`))
	assert.NoError(t, err)
}
