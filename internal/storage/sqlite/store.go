// Package sqlite implements the durable job store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'waiting',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	failed_at TIMESTAMP,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	progress INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs(priority);
CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, type);

CREATE TABLE IF NOT EXISTS job_results (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	success INTEGER NOT NULL,
	data TEXT,
	error TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	attempt_no INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);

CREATE TABLE IF NOT EXISTS system_metrics (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	metadata TEXT,
	recorded_at TIMESTAMP NOT NULL
);
`

// jobColumns lists the selected columns in scan order.
const jobColumns = `id, type, priority, payload, status, created_at, updated_at,
	started_at, completed_at, failed_at, attempts, max_retries, progress, result, last_error`

// Store implements interfaces.JobStore using SQLite.
type Store struct {
	db     *sql.DB
	logger *common.Logger
}

// NewStore opens (or creates) the database and ensures the schema.
func NewStore(cfg common.StorageConfig, logger *common.Logger) (*Store, error) {
	path := cfg.Name
	if path == "" {
		path = "data/conveyor.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 || maxConns > 20 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info().Str("path", path).Int("max_conns", maxConns).Msg("SQLite job store initialized")

	return &Store{db: db, logger: logger}, nil
}

// memStoreSeq names each in-memory database uniquely so stores opened in the
// same process do not share state through the shared cache.
var memStoreSeq atomic.Uint64

// NewMemoryStore opens an in-memory database, used by tests.
func NewMemoryStore(logger *common.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_foreign_keys=on", memStoreSeq.Add(1))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Shared-cache in-memory databases vanish when the last connection
	// closes; pin a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Create(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, priority, payload, status, created_at, updated_at,
			attempts, max_retries, progress, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Priority, nullableJSON(job.Payload), job.Status,
		job.CreatedAt, job.UpdatedAt, job.Attempts, job.MaxRetries, job.Progress,
		nullableString(job.LastError))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, models.ErrConflict)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id, status string, patch interfaces.StatusPatch) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.updateStatusTx(ctx, tx, id, status, patch)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return job, nil
}

func (s *Store) CompleteAttempt(ctx context.Context, id, status string, patch interfaces.StatusPatch, res *models.JobResult) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.updateStatusTx(ctx, tx, id, status, patch)
	if err != nil {
		return nil, err
	}
	if res != nil {
		if err := appendResultTx(ctx, tx, res); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt: %w", err)
	}
	return job, nil
}

// updateStatusTx performs the guarded transition inside an open transaction.
func (s *Store) updateStatusTx(ctx context.Context, tx *sql.Tx, id, status string, patch interfaces.StatusPatch) (*models.Job, error) {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current status: %w", err)
	}

	if current != status && !models.ValidTransition(current, status) {
		return nil, fmt.Errorf("job %s: %s → %s: %w", id, current, status, models.ErrInvalidTransition)
	}

	set := "status = ?, updated_at = ?"
	args := []any{status, time.Now().UTC()}
	if patch.StartedAt != nil {
		set += ", started_at = ?"
		args = append(args, *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		set += ", completed_at = ?"
		args = append(args, *patch.CompletedAt)
	}
	if patch.FailedAt != nil {
		set += ", failed_at = ?"
		args = append(args, *patch.FailedAt)
	}
	if patch.Attempts != nil {
		set += ", attempts = ?"
		args = append(args, *patch.Attempts)
	}
	if patch.Progress != nil {
		set += ", progress = ?"
		args = append(args, *patch.Progress)
	}
	if patch.Result != nil {
		set += ", result = ?"
		args = append(args, string(patch.Result))
	}
	if patch.LastError != nil {
		set += ", last_error = ?"
		args = append(args, *patch.LastError)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET "+set+" WHERE id = ?", args...); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reread job: %w", err)
	}
	return job, nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	// Monotonic within the attempt: never write a smaller value, and only
	// while the job is still active. A zero row count (job finished, or a
	// regressed value) is not an error.
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ? AND progress <= ?",
		progress, time.Now().UTC(), id, models.JobStatusActive, progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?",
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Store) ListByStatusAndType(ctx context.Context, status, jobType string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? AND type = ? ORDER BY created_at ASC LIMIT ?",
		status, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Store) AppendResult(ctx context.Context, res *models.JobResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := appendResultTx(ctx, tx, res); err != nil {
		return err
	}
	return tx.Commit()
}

func appendResultTx(ctx context.Context, tx *sql.Tx, res *models.JobResult) error {
	if res.RecordedAt.IsZero() {
		res.RecordedAt = time.Now().UTC()
	}
	out, err := tx.ExecContext(ctx, `
		INSERT INTO job_results (job_id, success, data, error, duration_ms, attempt_no, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.JobID, res.Success, nullableJSON(res.Data), nullableString(res.Error),
		res.DurationMS, res.AttemptNo, res.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	if seq, err := out.LastInsertId(); err == nil {
		res.Seq = seq
	}
	return nil
}

func (s *Store) ResultsForJob(ctx context.Context, jobID string) ([]*models.JobResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, job_id, success, data, error, duration_ms, attempt_no, recorded_at
		FROM job_results WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*models.JobResult
	for rows.Next() {
		var r models.JobResult
		var data, errStr sql.NullString
		if err := rows.Scan(&r.Seq, &r.JobID, &r.Success, &data, &errStr,
			&r.DurationMS, &r.AttemptNo, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		r.Error = errStr.String
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *Store) MetricsSnapshot(ctx context.Context) (*models.MetricsSnapshot, error) {
	snap := &models.MetricsSnapshot{}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		snap.Total += count
		switch status {
		case models.JobStatusCompleted:
			snap.Completed = count
		case models.JobStatusFailed:
			snap.Failed = count
		case models.JobStatusDead:
			snap.Dead = count
		case models.JobStatusWaiting, models.JobStatusActive, models.JobStatusDelayed:
			snap.Pending += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Average wall time of completed jobs, in seconds.
	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400.0)
		FROM jobs WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		models.JobStatusCompleted).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average processing time: %w", err)
	}
	if avg.Valid {
		snap.AvgProcessingSeconds = avg.Float64
	}

	// Dead jobs are failures that exhausted retries; count both sides.
	denom := snap.Completed + snap.Failed + snap.Dead
	if denom > 0 {
		snap.SuccessRatePct = 100.0 * float64(snap.Completed) / float64(denom)
	}

	return snap, nil
}

func (s *Store) RecordMetric(ctx context.Context, name string, value float64, metadata json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO system_metrics (name, value, metadata, recorded_at) VALUES (?, ?, ?, ?)",
		name, value, nullableJSON(metadata), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

func (s *Store) TrimCompleted(ctx context.Context, jobType string, keep int) (int, error) {
	return s.trim(ctx, jobType, keep, []string{models.JobStatusCompleted})
}

// TrimFailed deletes failed and dead jobs of a type beyond the newest keep,
// returning the deleted IDs. Durably failed jobs also live in the broker's
// failed set, so the caller evicts those entries with the returned IDs.
func (s *Store) TrimFailed(ctx context.Context, jobType string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin trim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE type = ? AND status IN (?, ?) AND id NOT IN (
			SELECT id FROM jobs WHERE type = ? AND status IN (?, ?)
			ORDER BY updated_at DESC LIMIT ?
		)`,
		jobType, models.JobStatusFailed, models.JobStatusDead,
		jobType, models.JobStatusFailed, models.JobStatusDead, keep)
	if err != nil {
		return nil, fmt.Errorf("failed to select trim candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan trim candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read trim candidates: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM jobs WHERE id IN (%s)", placeholders), args...); err != nil {
		return nil, fmt.Errorf("failed to trim jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit trim: %w", err)
	}
	return ids, nil
}

func (s *Store) trim(ctx context.Context, jobType string, keep int, statuses []string) (int, error) {
	if keep < 0 {
		keep = 0
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	// Keep the newest rows by updated_at; delete the rest.
	query := fmt.Sprintf(`
		DELETE FROM jobs WHERE type = ? AND status IN (%s) AND id NOT IN (
			SELECT id FROM jobs WHERE type = ? AND status IN (%s)
			ORDER BY updated_at DESC LIMIT ?
		)`, placeholders, placeholders)

	args := make([]any, 0, 2*(len(statuses)+1)+1)
	args = append(args, jobType)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, jobType)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, keep)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to trim jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload, result, lastError sql.NullString
	var startedAt, completedAt, failedAt sql.NullTime

	err := row.Scan(&j.ID, &j.Type, &j.Priority, &payload, &j.Status,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt, &failedAt,
		&j.Attempts, &j.MaxRetries, &j.Progress, &result, &lastError)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		j.FailedAt = &t
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	// Matching on the message keeps the store portable across sqlite drivers.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time check
var _ interfaces.JobStore = (*Store)(nil)
