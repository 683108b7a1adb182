package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T, leaseTTL time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, leaseTTL), mr
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := setupQueue(t, 30*time.Second)
	ctx := context.Background()

	execID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, execID, time.Time{}))

	lease, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, execID, lease.ExecutionID)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := setupQueue(t, 30*time.Second)

	lease, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestFutureItemNotClaimable(t *testing.T) {
	q, _ := setupQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), time.Now().Add(time.Hour)))

	lease, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, lease, "item scheduled in the future must not be claimable")
}

func TestLeaseBlocksSecondClaim(t *testing.T) {
	q, _ := setupQueue(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), time.Time{}))

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, second, "a leased execution must not be claimable by another worker")
}

func TestExpiredLeaseReclaimable(t *testing.T) {
	q, mr := setupQueue(t, time.Second)
	ctx := context.Background()

	execID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, execID, time.Time{}))

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Simulate a crashed worker: lease TTL and invisibility window pass.
	mr.FastForward(2 * time.Second)

	second, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, second, "execution must become reclaimable after the lease expires")
	assert.Equal(t, execID, second.ExecutionID)
}

func TestReleaseRemoves(t *testing.T) {
	q, _ := setupQueue(t, time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), time.Time{}))
	lease, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, q.Release(ctx, lease, nil))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestReleaseWithRequeue(t *testing.T) {
	q, mr := setupQueue(t, time.Second)
	ctx := context.Background()

	execID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, execID, time.Time{}))
	lease, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Wait-step pattern: release now, resume in 5 seconds.
	resumeAt := time.Now().Add(5 * time.Second)
	require.NoError(t, q.Release(ctx, lease, &resumeAt))

	got, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "requeued execution must not be due before its resume time")

	mr.FastForward(6 * time.Second)
	got, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, execID, got.ExecutionID)
}

func TestExtendLease(t *testing.T) {
	q, mr := setupQueue(t, time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), time.Time{}))
	lease, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, q.ExtendLease(ctx, lease))

	mr.FastForward(2 * time.Second)
	require.Error(t, q.ExtendLease(ctx, lease), "extend must fail once the lease has expired")
}

func TestDepth(t *testing.T) {
	q, _ := setupQueue(t, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, uuid.New(), time.Time{}))
	}
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}
