// Package batch drives large lists of subscriber-affecting work through a
// per-item operation, isolating failures so one bad record never aborts
// the batch. Items run through the retry executor independently, up to a
// configurable concurrency limit.
package batch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/automation-engine/internal/pkg/errkind"
	"github.com/ignite/automation-engine/internal/pkg/retry"
)

// ItemFunc processes one item of the batch.
type ItemFunc func(ctx context.Context, item string) error

// FallbackFunc is the best-effort heuristic substituted when the
// validation dependency itself is unavailable. Returning nil marks the
// item degraded-but-successful.
type FallbackFunc func(ctx context.Context, item string) error

// ItemFailure records one item that exhausted its retries.
type ItemFailure struct {
	Item  string       `json:"item"`
	Index int          `json:"index"`
	Kind  errkind.Kind `json:"kind"`
	Err   error        `json:"-"`
}

// Result aggregates the outcome of a batch.
type Result struct {
	Successful    []string      `json:"successful"`
	Degraded      []string      `json:"degraded"`
	Failed        []ItemFailure `json:"failed"`
	SuccessCount  int           `json:"success_count"`
	DegradedCount int           `json:"degraded_count"`
	FailureCount  int           `json:"failure_count"`
}

// Runner executes batches with bounded concurrency.
type Runner struct {
	concurrency int
	policy      retry.Policy
	fallback    FallbackFunc

	// Stats
	totalProcessed int64
	totalFailed    int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds parallel item operations.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithPolicy overrides the per-item retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithFallback installs the graceful-degradation heuristic used when an
// item fails with ValidationServiceUnavailable.
func WithFallback(f FallbackFunc) Option {
	return func(r *Runner) { r.fallback = f }
}

// NewRunner creates a batch runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		concurrency: 8,
		policy:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process drives every item through op. One item's exhausted retries
// never halts the batch; the result carries per-item failures plus
// aggregate counts. Cancellation is cooperative: items already started
// run to completion, but no new items are dispatched.
func (r *Runner) Process(ctx context.Context, items []string, op ItemFunc) *Result {
	res := &Result{}
	if len(items) == 0 {
		return res
	}

	var mu sync.Mutex
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		if ctx.Err() != nil {
			// Stop dispatching; record the remainder as failed.
			mu.Lock()
			for j := i; j < len(items); j++ {
				res.Failed = append(res.Failed, ItemFailure{
					Item:  items[j],
					Index: j,
					Kind:  errkind.BatchProcessingFailed,
					Err:   ctx.Err(),
				})
			}
			mu.Unlock()
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, it string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := retry.Do(ctx, func(ctx context.Context) error {
				return op(ctx, it)
			}, r.policy)

			atomic.AddInt64(&r.totalProcessed, 1)

			if err == nil {
				mu.Lock()
				res.Successful = append(res.Successful, it)
				mu.Unlock()
				return
			}

			kind := errkind.Classify(err)
			if kind == errkind.ValidationServiceUnavailable && r.fallback != nil {
				if fbErr := r.fallback(ctx, it); fbErr == nil {
					log.Printf("[BatchRunner] validation unavailable, degraded result for item %d", idx)
					mu.Lock()
					res.Degraded = append(res.Degraded, it)
					mu.Unlock()
					return
				}
			}

			atomic.AddInt64(&r.totalFailed, 1)
			mu.Lock()
			res.Failed = append(res.Failed, ItemFailure{Item: it, Index: idx, Kind: kind, Err: err})
			mu.Unlock()
		}(i, item)
	}

	wg.Wait()

	res.SuccessCount = len(res.Successful)
	res.DegradedCount = len(res.Degraded)
	res.FailureCount = len(res.Failed)
	return res
}

// Stats returns cumulative counters for monitoring.
func (r *Runner) Stats() map[string]int64 {
	return map[string]int64{
		"total_processed": atomic.LoadInt64(&r.totalProcessed),
		"total_failed":    atomic.LoadInt64(&r.totalFailed),
	}
}
