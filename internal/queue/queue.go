// Package queue implements the durable execution queue backing the
// workflow engine. Pending and waiting executions are members of a Redis
// sorted set scored by their ready time; dequeueing takes a per-execution
// lease so only one worker may advance a given execution at a time.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

const (
	queueKey    = "automation:executions"
	leasePrefix = "automation:lease:"
)

// Lease is a claim on a single execution. Only the holder may advance it
// until the lease expires or is released.
type Lease struct {
	ExecutionID uuid.UUID
	token       string
}

// Queue is a Redis-backed delayed queue with dequeue leases.
type Queue struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// New creates a Queue. leaseTTL bounds how long a crashed worker can
// block an execution before it becomes claimable again.
func New(client *redis.Client, leaseTTL time.Duration) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Queue{client: client, leaseTTL: leaseTTL}
}

// Enqueue schedules an execution to become claimable at notBefore.
// A zero notBefore means immediately.
func (q *Queue) Enqueue(ctx context.Context, executionID uuid.UUID, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	err := q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: executionID.String(),
	}).Err()
	if err != nil {
		return errkind.Wrap(errkind.QueueProcessingFailed, fmt.Errorf("enqueue %s: %w", executionID, err))
	}
	return nil
}

// dequeueScript claims the first due execution that has no live lease.
// The claimed member's score is pushed forward by the lease TTL so it
// reappears automatically if the worker dies without releasing.
var dequeueScript = redis.NewScript(`
	local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 10)
	for i, id in ipairs(due) do
		local ok = redis.call('set', KEYS[2] .. id, ARGV[2], 'NX', 'PX', ARGV[3])
		if ok then
			redis.call('zadd', KEYS[1], ARGV[4], id)
			return id
		end
	end
	return false
`)

// DequeueWithLease claims one due execution, or returns (nil, nil) when
// nothing is due.
func (q *Queue) DequeueWithLease(ctx context.Context) (*Lease, error) {
	b := make([]byte, 16)
	rand.Read(b)
	token := hex.EncodeToString(b)

	now := time.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{queueKey, leasePrefix},
		now.UnixMilli(),
		token,
		q.leaseTTL.Milliseconds(),
		now.Add(q.leaseTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.QueueProcessingFailed, fmt.Errorf("dequeue: %w", err))
	}
	idStr, ok := res.(string)
	if !ok {
		return nil, nil
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		// Malformed member: drop it so it cannot wedge the queue.
		q.client.ZRem(ctx, queueKey, idStr)
		return nil, errkind.New(errkind.QueueProcessingFailed, "malformed queue member %q", idStr)
	}
	return &Lease{ExecutionID: id, token: token}, nil
}

var extendScript = redis.NewScript(`
	if redis.call('get', KEYS[1]) == ARGV[1] then
		redis.call('pexpire', KEYS[1], ARGV[2])
		redis.call('zadd', KEYS[2], ARGV[3], ARGV[4])
		return 1
	end
	return 0
`)

// ExtendLease pushes the lease and the invisibility window forward.
// Fails if the lease is no longer owned.
func (q *Queue) ExtendLease(ctx context.Context, lease *Lease) error {
	res, err := extendScript.Run(ctx, q.client,
		[]string{leasePrefix + lease.ExecutionID.String(), queueKey},
		lease.token,
		q.leaseTTL.Milliseconds(),
		time.Now().Add(q.leaseTTL).UnixMilli(),
		lease.ExecutionID.String(),
	).Int()
	if err != nil {
		return errkind.Wrap(errkind.QueueProcessingFailed, err)
	}
	if res == 0 {
		return errkind.New(errkind.QueueProcessingFailed, "lease expired for execution %s", lease.ExecutionID)
	}
	return nil
}

var releaseScript = redis.NewScript(`
	if redis.call('get', KEYS[1]) == ARGV[1] then
		redis.call('del', KEYS[1])
		if ARGV[2] == '' then
			redis.call('zrem', KEYS[2], ARGV[3])
		else
			redis.call('zadd', KEYS[2], ARGV[2], ARGV[3])
		end
		return 1
	end
	return 0
`)

// Release gives up the lease. When requeueAt is non-nil the execution is
// rescheduled for that time (wait steps); otherwise it is removed from
// the queue entirely (terminal states).
func (q *Queue) Release(ctx context.Context, lease *Lease, requeueAt *time.Time) error {
	score := ""
	if requeueAt != nil {
		score = fmt.Sprintf("%d", requeueAt.UnixMilli())
	}
	_, err := releaseScript.Run(ctx, q.client,
		[]string{leasePrefix + lease.ExecutionID.String(), queueKey},
		lease.token,
		score,
		lease.ExecutionID.String(),
	).Int()
	if err != nil {
		return errkind.Wrap(errkind.QueueProcessingFailed, err)
	}
	return nil
}

// Remove drops an execution from the queue regardless of lease state.
// Used when executions are cancelled by a pause.
func (q *Queue) Remove(ctx context.Context, executionID uuid.UUID) error {
	return q.client.ZRem(ctx, queueKey, executionID.String()).Err()
}

// Depth returns the number of queued executions, due or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}
