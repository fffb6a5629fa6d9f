// Package queue implements the durable, at-least-once work queue feeding
// pipeline workers.
//
// Deliveries are leased: a claim marks the item with a lease deadline, and
// an item whose lease expires becomes claimable again. Each claim advances
// the item's attempt counter, which doubles as the attempt token the
// status store uses to reject writes from superseded attempts. This is the
// visibility-timeout strategy for worker-crash recovery.
package queue

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
	// ErrDuplicate indicates the job is already queued.
	ErrDuplicate = errors.New("queue: job already queued")
)

// Delivery is one leased claim of a queued job. AttemptToken is strictly
// increasing across redeliveries of the same job.
type Delivery struct {
	JobID        types.JobID
	OwnerID      string
	AttemptToken int64
	LeaseExpires time.Time
}

// Queue is a SQLite-backed work queue with single-owner delivery per
// attempt.
type Queue struct {
	db    *sql.DB
	lease time.Duration
}

// Open opens (or creates) the queue at path with the given lease duration
// for claimed items.
func Open(path string, lease time.Duration) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("queue: ping database: %w", err)
	}

	q := &Queue{db: db, lease: lease}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("queue: init schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		job_id        TEXT PRIMARY KEY,
		owner_id      TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		leased_by     TEXT,
		lease_expires TIMESTAMP,
		enqueued_at   TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_lease ON queue_items(lease_expires);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue makes a job available for claiming.
func (q *Queue) Enqueue(ctx context.Context, jobID types.JobID, ownerID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items (job_id, owner_id, enqueued_at)
		VALUES (?, ?, ?)`,
		string(jobID), ownerID, time.Now().UTC())
	if err != nil {
		if isUnique(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Claim leases one available item for workerID, or returns nil, nil when
// the queue is idle. An item is available when it has never been leased or
// its previous lease has expired. No two workers can hold the same item at
// once: the claim is a single transaction on a single-connection database.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var jobID, ownerID string
	var attempts int64
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, owner_id, attempts FROM queue_items
		WHERE leased_by IS NULL OR lease_expires < ?
		ORDER BY enqueued_at ASC
		LIMIT 1`, now).Scan(&jobID, &ownerID, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: select candidate: %w", err)
	}

	expires := now.Add(q.lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_items
		SET leased_by = ?, lease_expires = ?, attempts = attempts + 1
		WHERE job_id = ?`, workerID, expires, jobID)
	if err != nil {
		return nil, fmt.Errorf("queue: lease item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit claim: %w", err)
	}

	return &Delivery{
		JobID:        types.JobID(jobID),
		OwnerID:      ownerID,
		AttemptToken: attempts + 1,
		LeaseExpires: expires,
	}, nil
}

// ExtendLease pushes out the lease deadline for a claimed item. Workers
// call this between stages of long pipelines so a healthy attempt is not
// redelivered mid-run.
func (q *Queue) ExtendLease(ctx context.Context, jobID types.JobID, workerID string) (time.Time, error) {
	expires := time.Now().UTC().Add(q.lease)
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET lease_expires = ?
		WHERE job_id = ? AND leased_by = ?`,
		expires, string(jobID), workerID)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, fmt.Errorf("queue: lease for %s not held by %s", jobID, workerID)
	}
	return expires, nil
}

// Ack removes a finished item from the queue. Called after the job reached
// a terminal state, whatever that state is.
func (q *Queue) Ack(ctx context.Context, jobID types.JobID) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE job_id = ?`, string(jobID))
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Depth returns the number of items currently in the queue, leased or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// ExpiredLeases returns how many items currently hold an expired lease,
// i.e. redelivery candidates from crashed or stalled workers.
func (q *Queue) ExpiredLeases(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE leased_by IS NOT NULL AND lease_expires < ?`,
		time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: expired leases: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func isUnique(err error) bool {
	// mattn/go-sqlite3 embeds the constraint name in the message.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
