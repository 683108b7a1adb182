package abtest

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/automation-engine/internal/domain"
)

// OutcomeIngester consumes engagement events from the message-delivery
// collaborator and records them against variant counters. Delivery
// callbacks never reach the engine directly; they arrive here as
// discrete events.
type OutcomeIngester struct {
	engine *Engine
	events <-chan domain.EngagementEvent

	totalRecorded int64
	totalErrors   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutcomeIngester creates an ingester reading from the given stream.
func NewOutcomeIngester(engine *Engine, events <-chan domain.EngagementEvent) *OutcomeIngester {
	return &OutcomeIngester{engine: engine, events: events}
}

// Start begins consuming events until Stop is called or the stream closes.
func (in *OutcomeIngester) Start() {
	in.ctx, in.cancel = context.WithCancel(context.Background())
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			select {
			case <-in.ctx.Done():
				return
			case ev, ok := <-in.events:
				if !ok {
					return
				}
				if err := in.engine.RecordOutcome(in.ctx, ev.VariantID, ev.Type, ev.Value); err != nil {
					atomic.AddInt64(&in.totalErrors, 1)
					log.Printf("[OutcomeIngester] record %s for variant %s: %v", ev.Type, ev.VariantID, err)
					continue
				}
				atomic.AddInt64(&in.totalRecorded, 1)
			}
		}
	}()
}

// Stop halts consumption and waits for the loop to exit.
func (in *OutcomeIngester) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
}

// Stats returns cumulative ingestion counters.
func (in *OutcomeIngester) Stats() map[string]int64 {
	return map[string]int64{
		"total_recorded": atomic.LoadInt64(&in.totalRecorded),
		"total_errors":   atomic.LoadInt64(&in.totalErrors),
	}
}
