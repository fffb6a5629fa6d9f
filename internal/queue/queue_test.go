package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, lease time.Duration) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), lease)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndClaim(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-001", "owner-1"))

	d, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "job-001", string(d.JobID))
	assert.Equal(t, "owner-1", d.OwnerID)
	assert.Equal(t, int64(1), d.AttemptToken)
	assert.True(t, d.LeaseExpires.After(time.Now()))
}

func TestClaimEmptyQueue(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)

	d, err := q.Claim(context.Background(), "worker-0")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEnqueueDuplicate(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-001", "owner-1"))
	assert.ErrorIs(t, q.Enqueue(ctx, "job-001", "owner-1"), ErrDuplicate)
}

func TestLeasedItemIsNotRedelivered(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-001", "owner-1"))

	d, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, d)

	// While the lease is live no other worker may claim the item.
	d2, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, d2)
}

func TestExpiredLeaseRedeliversWithNewerToken(t *testing.T) {
	q := newTestQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-001", "owner-1"))

	d1, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, int64(1), d1.AttemptToken)

	time.Sleep(50 * time.Millisecond)

	n, err := q.ExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d2, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, d1.JobID, d2.JobID)
	assert.Greater(t, d2.AttemptToken, d1.AttemptToken)
}

func TestClaimOrderIsFIFO(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-first", "owner-1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "job-second", "owner-1"))

	d, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "job-first", string(d.JobID))
}

func TestExtendLease(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-001", "owner-1"))
	d, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, d)

	expires, err := q.ExtendLease(ctx, "job-001", "worker-0")
	require.NoError(t, err)
	assert.False(t, expires.Before(d.LeaseExpires))

	// A worker that does not hold the lease cannot extend it.
	_, err = q.ExtendLease(ctx, "job-001", "worker-1")
	assert.Error(t, err)
}

func TestAckRemovesItem(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-001", "owner-1"))
	d, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Ack(ctx, "job-001"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	d2, err := q.Claim(ctx, "worker-0")
	require.NoError(t, err)
	assert.Nil(t, d2)
}
