package automation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/queue"
)

var workerLog = logger.Component("execution_worker")

// WorkerPool pulls due executions off the queue and advances them. Each
// execution is single-writer: the queue lease guarantees only one
// worker advances a given execution at a time, while distinct
// executions advance fully in parallel.
type WorkerPool struct {
	queue   *queue.Queue
	engine  *Engine
	workers int
	poll    time.Duration

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup

	advanced   int64
	failures   int64
	emptyPolls int64
}

// NewWorkerPool creates a pool of n workers polling at the given interval.
func NewWorkerPool(q *queue.Queue, engine *Engine, workers int, poll time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &WorkerPool{
		queue:   q,
		engine:  engine,
		workers: workers,
		poll:    poll,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	if wp.running {
		wp.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	wp.running = true
	wp.mu.Unlock()

	workerLog.Info("starting workers", "workers", wp.workers, "poll", wp.poll)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.run(ctx, i)
	}
	return nil
}

// Stop signals the workers and waits for in-flight advances to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.mu.Unlock()

	workerLog.Info("stopping workers")
	close(wp.stopCh)
	wp.wg.Wait()

	wp.mu.Lock()
	wp.running = false
	wp.mu.Unlock()
}

func (wp *WorkerPool) run(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.stopCh:
			return
		default:
		}

		lease, err := wp.queue.DequeueWithLease(ctx)
		if err != nil {
			workerLog.Warn("dequeue failed", "worker", id, "error", err)
			wp.sleep(wp.poll)
			continue
		}
		if lease == nil {
			atomic.AddInt64(&wp.emptyPolls, 1)
			wp.sleep(wp.poll)
			continue
		}
		wp.advanceOne(ctx, lease)
	}
}

func (wp *WorkerPool) advanceOne(ctx context.Context, lease *queue.Lease) {
	start := time.Now()
	next, err := wp.engine.Advance(ctx, lease.ExecutionID)
	if err != nil {
		atomic.AddInt64(&wp.failures, 1)
		workerLog.Error("advance failed", "execution_id", lease.ExecutionID, "error", err)
		// Store-level trouble: back off and let the execution retry.
		retryAt := time.Now().Add(time.Minute)
		next = &retryAt
	} else {
		atomic.AddInt64(&wp.advanced, 1)
		if wp.engine.recorder != nil {
			wp.engine.recorder.ProcessingTime(time.Since(start).Milliseconds())
		}
	}
	if releaseErr := wp.queue.Release(ctx, lease, next); releaseErr != nil {
		workerLog.Error("release failed", "execution_id", lease.ExecutionID, "error", releaseErr)
	}
}

func (wp *WorkerPool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-wp.stopCh:
	}
}

// Stats reports worker pool counters.
func (wp *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"advanced":    atomic.LoadInt64(&wp.advanced),
		"failures":    atomic.LoadInt64(&wp.failures),
		"empty_polls": atomic.LoadInt64(&wp.emptyPolls),
	}
}
