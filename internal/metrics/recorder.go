package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

// Recorder accumulates business counters reported by the workflow
// engine, batch runner, and delivery path. Counters are cumulative
// since process start; the collector snapshots them into samples.
type Recorder struct {
	executionsAdvanced int64
	messagesSent       int64
	recordsProcessed   int64
	totalErrors        int64
	processingMsTotal  int64
	processingCount    int64

	mu           sync.Mutex
	errorsByKind map[errkind.Kind]int64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{errorsByKind: make(map[errkind.Kind]int64)}
}

// ExecutionAdvanced counts one workflow step transition.
func (r *Recorder) ExecutionAdvanced() {
	atomic.AddInt64(&r.executionsAdvanced, 1)
}

// MessageSent counts one delivered message.
func (r *Recorder) MessageSent() {
	atomic.AddInt64(&r.messagesSent, 1)
}

// RecordsProcessed counts n completed batch items.
func (r *Recorder) RecordsProcessed(n int) {
	atomic.AddInt64(&r.recordsProcessed, int64(n))
}

// ProcessingTime folds one operation duration into the running average.
func (r *Recorder) ProcessingTime(ms int64) {
	atomic.AddInt64(&r.processingMsTotal, ms)
	atomic.AddInt64(&r.processingCount, 1)
}

// Error counts one failure under its classified kind. Failures are
// always recorded here so error rate reflects every execution-level
// failure, including ones already retried.
func (r *Recorder) Error(kind errkind.Kind) {
	atomic.AddInt64(&r.totalErrors, 1)
	r.mu.Lock()
	r.errorsByKind[kind]++
	r.mu.Unlock()
}

// ErrorsByKind returns a copy of the per-kind error counts.
func (r *Recorder) ErrorsByKind() map[errkind.Kind]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[errkind.Kind]int64, len(r.errorsByKind))
	for k, v := range r.errorsByKind {
		out[k] = v
	}
	return out
}

// ErrorRate returns cumulative errors / processed records, in 0..1.
func (r *Recorder) ErrorRate() float64 {
	processed := atomic.LoadInt64(&r.recordsProcessed)
	if processed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&r.totalErrors)) / float64(processed)
}

// AvgProcessingMs returns the running average operation duration.
func (r *Recorder) AvgProcessingMs() float64 {
	count := atomic.LoadInt64(&r.processingCount)
	if count == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&r.processingMsTotal)) / float64(count)
}

// Snapshot returns the cumulative counters.
func (r *Recorder) Snapshot() (advanced, sent, processed, errors int64) {
	return atomic.LoadInt64(&r.executionsAdvanced),
		atomic.LoadInt64(&r.messagesSent),
		atomic.LoadInt64(&r.recordsProcessed),
		atomic.LoadInt64(&r.totalErrors)
}
