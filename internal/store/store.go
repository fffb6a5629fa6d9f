// Package store implements the durable status store: a SQLite-backed map
// from job ID to current state, acting as the single source of truth.
//
// Concurrency safety is mediated entirely through the attempt-token
// contract: every write carries the token of the queue delivery that
// produced it, and a write whose token is older than the last accepted one
// is rejected instead of applied. This guards against a retried or
// superseded worker attempt clobbering newer state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yourorg/conduit/pkg/types"
)

var (
	// ErrNotFound indicates the job does not exist in the store.
	ErrNotFound = errors.New("store: job not found")

	// ErrDuplicate indicates a job with the same ID already exists.
	ErrDuplicate = errors.New("store: job already exists")

	// ErrStaleWrite indicates the write's attempt token is older than the
	// last accepted one and was rejected.
	ErrStaleWrite = errors.New("store: stale write rejected")

	// ErrTerminal indicates the job already reached a terminal state.
	ErrTerminal = errors.New("store: job is terminal")
)

// Store persists job state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the status store at path. Use ":memory:" for
// ephemeral test instances.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids lock churn
	// between the gateway and worker goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		stage_index   INTEGER NOT NULL DEFAULT 0,
		progress      REAL NOT NULL DEFAULT 0,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL DEFAULT 3,
		payload       BLOB,
		metadata      TEXT,
		last_error    TEXT NOT NULL DEFAULT '',
		result_ref    TEXT NOT NULL DEFAULT '',
		attempt_token INTEGER NOT NULL DEFAULT 0,
		last_seq      INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new job record. The job becomes visible to status
// queries immediately, with progress 0.
func (s *Store) Create(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = types.StatusQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, status, stage_index, progress,
			retry_count, max_retries, payload, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), job.OwnerID, string(job.Status), job.StageIndex,
		job.ProgressPercent, job.RetryCount, job.MaxRetries,
		job.Payload, nullableString(string(job.Metadata)), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// Get returns the current state of a job, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, status, stage_index, progress, retry_count,
		       max_retries, payload, metadata, last_error, result_ref,
		       created_at, updated_at
		FROM jobs WHERE id = ?`, string(id))

	job := &types.Job{}
	var jid, status string
	var metadata sql.NullString
	err := row.Scan(&jid, &job.OwnerID, &status, &job.StageIndex,
		&job.ProgressPercent, &job.RetryCount, &job.MaxRetries,
		&job.Payload, &metadata, &job.LastError, &job.ResultRef,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	job.ID = types.JobID(jid)
	job.Status = types.JobStatus(status)
	if metadata.Valid {
		job.Metadata = []byte(metadata.String)
	}
	return job, nil
}

// Patch describes a partial update to a job record. Nil fields are left
// untouched.
type Patch struct {
	Status     *types.JobStatus
	StageIndex *int
	Progress   *float64
	RetryCount *int
	LastError  *string
	ResultRef  *string
}

// Update applies patch to the job if attemptToken is at least as new as
// the last accepted token and the job is not already terminal. Progress is
// clamped non-decreasing at the database level so a mis-reporting stage
// can never move it backwards.
func (s *Store) Update(ctx context.Context, id types.JobID, attemptToken int64, patch Patch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status        = COALESCE(?, status),
			stage_index   = COALESCE(?, stage_index),
			progress      = MAX(progress, COALESCE(?, progress)),
			retry_count   = COALESCE(?, retry_count),
			last_error    = COALESCE(?, last_error),
			result_ref    = COALESCE(?, result_ref),
			attempt_token = ?,
			updated_at    = ?
		WHERE id = ?
		  AND attempt_token <= ?
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		statusArg(patch.Status), patch.StageIndex, patch.Progress,
		patch.RetryCount, patch.LastError, patch.ResultRef,
		attemptToken, time.Now().UTC(), string(id), attemptToken)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Distinguish why the write did not apply.
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	return ErrStaleWrite
}

// LastSeq returns the highest event sequence number recorded for a job.
// The publisher seeds its counters from this so sequence numbers survive a
// process restart without reuse.
func (s *Store) LastSeq(ctx context.Context, id types.JobID) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM jobs WHERE id = ?`, string(id)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: last seq: %w", err)
	}
	return seq, nil
}

// RecordSeq persists the highest sequence number issued for a job. Only
// moves forward.
func (s *Store) RecordSeq(ctx context.Context, id types.JobID, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_seq = MAX(last_seq, ?) WHERE id = ?`,
		seq, string(id))
	if err != nil {
		return fmt.Errorf("store: record seq: %w", err)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag. Returns false when the
// job is already terminal (cancellation no longer possible) and ErrNotFound
// when the job does not exist.
func (s *Store) RequestCancel(ctx context.Context, id types.JobID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ?
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		time.Now().UTC(), string(id))
	if err != nil {
		return false, fmt.Errorf("store: request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// CancelRequested reports whether a cancel has been requested for the job.
// Workers check this only at stage boundaries.
func (s *Store) CancelRequested(ctx context.Context, id types.JobID) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, string(id)).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: cancel requested: %w", err)
	}
	return flag != 0, nil
}

// CountActive returns how many non-terminal jobs the owner currently has.
// The gateway uses this to throttle per-owner concurrency.
func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE owner_id = ?
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active: %w", err)
	}
	return n, nil
}

// PurgeTerminal deletes terminal jobs whose last update is older than ttl.
// Returns the number of purged rows.
func (s *Store) PurgeTerminal(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'failed', 'cancelled')
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge terminal: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func statusArg(s *types.JobStatus) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations in the error text;
	// matching on it avoids importing the driver's error types here.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
