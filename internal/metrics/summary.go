package metrics

import (
	"fmt"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

// Trend is a coarse classification of error-rate movement across a
// summary window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Summary aggregates a window of samples.
type Summary struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Samples int       `json:"samples"`

	ThroughputPerSec  float64 `json:"throughput_per_sec"` // records processed over the window
	AvgMemoryPercent  float64 `json:"avg_memory_percent"`
	PeakMemoryPercent float64 `json:"peak_memory_percent"`
	AvgCPUPercent     float64 `json:"avg_cpu_percent"`
	PeakCPUPercent    float64 `json:"peak_cpu_percent"`
	PeakQueueDepth    int64   `json:"peak_queue_depth"`
	AvgErrorRate      float64 `json:"avg_error_rate"`

	ErrorsByKind map[errkind.Kind]int64 `json:"errors_by_kind"`
	Trend        Trend                  `json:"trend"`
}

// Summarize aggregates the retained samples inside [start, end]:
// throughput, peak and average resource usage, error counts grouped by
// kind, and a trend computed by comparing the error rate of the first
// and second half of the window.
func (c *Collector) Summarize(start, end time.Time) (*Summary, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("summary window ends %s before it starts %s", end, start)
	}

	c.mu.RLock()
	var window []MetricWindowSample
	for _, s := range c.history {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		window = append(window, MetricWindowSample{
			At:         s.Timestamp,
			Memory:     s.MemoryUsedPercent,
			CPU:        s.CPUPercent,
			QueueDepth: s.QueueDepth,
			ErrorRate:  s.ErrorRate,
			Processed:  s.RecordsProcessed,
		})
	}
	c.mu.RUnlock()

	sum := &Summary{Start: start, End: end, Samples: len(window), Trend: TrendStable}
	if c.recorder != nil {
		sum.ErrorsByKind = c.recorder.ErrorsByKind()
	}
	if len(window) == 0 {
		return sum, nil
	}

	for _, s := range window {
		sum.AvgMemoryPercent += s.Memory
		sum.AvgCPUPercent += s.CPU
		sum.AvgErrorRate += s.ErrorRate
		if s.Memory > sum.PeakMemoryPercent {
			sum.PeakMemoryPercent = s.Memory
		}
		if s.CPU > sum.PeakCPUPercent {
			sum.PeakCPUPercent = s.CPU
		}
		if s.QueueDepth > sum.PeakQueueDepth {
			sum.PeakQueueDepth = s.QueueDepth
		}
	}
	n := float64(len(window))
	sum.AvgMemoryPercent /= n
	sum.AvgCPUPercent /= n
	sum.AvgErrorRate /= n

	// Counters are cumulative, so throughput is the processed delta
	// between the first and last sample in the window.
	first, last := window[0], window[len(window)-1]
	if elapsed := last.At.Sub(first.At).Seconds(); elapsed > 0 {
		sum.ThroughputPerSec = float64(last.Processed-first.Processed) / elapsed
	}

	sum.Trend = classifyTrend(window)
	return sum, nil
}

// MetricWindowSample is the subset of a sample used for summaries.
type MetricWindowSample struct {
	At         time.Time
	Memory     float64
	CPU        float64
	QueueDepth int64
	ErrorRate  float64
	Processed  int64
}

// classifyTrend compares the mean error rate of the first and second
// half of the window. A relative change under 10% counts as stable.
func classifyTrend(window []MetricWindowSample) Trend {
	if len(window) < 2 {
		return TrendStable
	}
	mid := len(window) / 2
	firstHalf := meanErrorRate(window[:mid])
	secondHalf := meanErrorRate(window[mid:])

	switch {
	case firstHalf == 0 && secondHalf == 0:
		return TrendStable
	case firstHalf == 0:
		return TrendDeclining
	}
	ratio := secondHalf / firstHalf
	switch {
	case ratio < 0.9:
		return TrendImproving
	case ratio > 1.1:
		return TrendDeclining
	}
	return TrendStable
}

func meanErrorRate(samples []MetricWindowSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range samples {
		total += s.ErrorRate
	}
	return total / float64(len(samples))
}
