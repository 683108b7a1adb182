// Package metrics implements the metrics collector and alerting
// monitor: periodic sampling of system and business health, a bounded
// rolling history, and threshold-based alerts with cooldowns.
package metrics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ignite/automation-engine/internal/domain"
)

// QueueDepthFunc reports the number of pending queue entries.
type QueueDepthFunc func(ctx context.Context) (int64, error)

// Collector periodically samples system resources and business
// counters, keeps a bounded history, and evaluates alert thresholds
// against the latest sample. It runs on its own timer, independent of
// engine activity; raising an alert appends to the alert list and
// never calls back into the engines.
type Collector struct {
	interval  time.Duration
	retention time.Duration
	recorder  *Recorder
	queueFn   QueueDepthFunc
	now       func() time.Time

	mu         sync.RWMutex
	thresholds []domain.AlertThreshold
	history    []domain.MetricSample
	alerts     []*domain.Alert
	active     map[string]*domain.Alert // unresolved alert per threshold ID

	gaugeMemory      prometheus.Gauge
	gaugeCPU         prometheus.Gauge
	gaugeQueueDepth  prometheus.Gauge
	gaugeErrorRate   prometheus.Gauge
	gaugeAlertsOpen  prometheus.Gauge
	sampleSystemFn   func() (memPct, cpuPct float64)
	lastCollectedAt  time.Time
	totalCollections int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Collector.
type Option func(*Collector)

// WithQueueDepth wires the queue depth sampler.
func WithQueueDepth(fn QueueDepthFunc) Option {
	return func(c *Collector) { c.queueFn = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithSystemSampler overrides the memory/CPU probe.
func WithSystemSampler(fn func() (memPct, cpuPct float64)) Option {
	return func(c *Collector) { c.sampleSystemFn = fn }
}

// NewCollector creates a collector with the given sampling interval,
// retention window, and threshold set. Prometheus gauges are registered
// on reg; pass prometheus.NewRegistry() in tests.
func NewCollector(interval, retention time.Duration, thresholds []domain.AlertThreshold, recorder *Recorder, reg prometheus.Registerer, opts ...Option) *Collector {
	c := &Collector{
		interval:   interval,
		retention:  retention,
		thresholds: append([]domain.AlertThreshold(nil), thresholds...),
		recorder:   recorder,
		active:     make(map[string]*domain.Alert),
		now:        time.Now,
	}
	c.sampleSystemFn = sampleSystem

	factory := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automation",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}
	c.gaugeMemory = factory("memory_used_percent", "Memory in use as a percentage of total.")
	c.gaugeCPU = factory("cpu_percent", "CPU utilisation percentage.")
	c.gaugeQueueDepth = factory("queue_depth", "Pending execution queue entries.")
	c.gaugeErrorRate = factory("error_rate", "Cumulative errors over processed records.")
	c.gaugeAlertsOpen = factory("alerts_open", "Unresolved alerts.")

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sampleSystem() (float64, float64) {
	var memPct, cpuPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	return memPct, cpuPct
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		log.Printf("[MetricsCollector] Starting collector (interval: %s, retention: %s, thresholds: %d)",
			c.interval, c.retention, len(c.thresholds))

		c.Collect(c.ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Collect(c.ctx)
			case <-c.ctx.Done():
				log.Println("[MetricsCollector] Collector stopped")
				return
			}
		}
	}()
}

// Stop halts collection and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Collect takes one sample, appends it to history, evicts samples
// older than the retention window, and evaluates every enabled
// threshold against the new sample.
func (c *Collector) Collect(ctx context.Context) domain.MetricSample {
	now := c.now()
	memPct, cpuPct := c.sampleSystemFn()

	sample := domain.MetricSample{
		Timestamp:         now,
		MemoryUsedPercent: memPct,
		CPUPercent:        cpuPct,
	}
	if c.queueFn != nil {
		if depth, err := c.queueFn(ctx); err == nil {
			sample.QueueDepth = depth
		} else {
			log.Printf("[MetricsCollector] queue depth probe failed: %v", err)
		}
	}
	if c.recorder != nil {
		advanced, sent, processed, _ := c.recorder.Snapshot()
		sample.ExecutionsAdvanced = advanced
		sample.MessagesSent = sent
		sample.RecordsProcessed = processed
		sample.ErrorRate = c.recorder.ErrorRate()
		sample.AvgProcessingMs = c.recorder.AvgProcessingMs()
	}

	c.gaugeMemory.Set(sample.MemoryUsedPercent)
	c.gaugeCPU.Set(sample.CPUPercent)
	c.gaugeQueueDepth.Set(float64(sample.QueueDepth))
	c.gaugeErrorRate.Set(sample.ErrorRate)

	c.mu.Lock()
	c.history = append(c.history, sample)
	cutoff := now.Add(-c.retention)
	for len(c.history) > 0 && c.history[0].Timestamp.Before(cutoff) {
		c.history = c.history[1:]
	}
	c.lastCollectedAt = now
	c.totalCollections++
	c.evaluateLocked(sample)
	c.gaugeAlertsOpen.Set(float64(len(c.active)))
	c.mu.Unlock()

	return sample
}

// evaluateLocked checks every enabled threshold against the sample.
// Thresholds on the same metric are evaluated highest severity first,
// so a critical rule wins the log line when both would fire at once.
// Caller holds c.mu.
func (c *Collector) evaluateLocked(sample domain.MetricSample) {
	order := make([]int, len(c.thresholds))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return c.thresholds[order[a]].Severity.Rank() > c.thresholds[order[b]].Severity.Rank()
	})

	for _, i := range order {
		th := &c.thresholds[i]
		if !th.Enabled {
			continue
		}
		observed, ok := sample.Value(th.Metric)
		if !ok {
			continue
		}

		if !th.Comparator.Compare(observed, th.Value) {
			// Back within bounds: resolve the open alert, if any.
			if open, exists := c.active[th.ID]; exists {
				resolvedAt := sample.Timestamp
				open.Status = domain.AlertResolved
				open.ResolvedAt = &resolvedAt
				delete(c.active, th.ID)
				log.Printf("[MetricsCollector] Alert resolved: %s %s (now %.2f)", th.Metric, th.ID, observed)
			}
			continue
		}

		if th.LastTriggered != nil &&
			sample.Timestamp.Sub(*th.LastTriggered) < time.Duration(th.CooldownMinutes)*time.Minute {
			continue
		}

		triggered := sample.Timestamp
		th.LastTriggered = &triggered
		alert := &domain.Alert{
			ID:             uuid.New(),
			ThresholdID:    th.ID,
			Metric:         th.Metric,
			ObservedValue:  observed,
			ThresholdValue: th.Value,
			Severity:       th.Severity,
			Message:        fmt.Sprintf("%s is %.2f, threshold %s %.2f", th.Metric, observed, th.Comparator, th.Value),
			Status:         domain.AlertRaised,
			RaisedAt:       triggered,
		}
		c.alerts = append(c.alerts, alert)
		c.active[th.ID] = alert
		log.Printf("[MetricsCollector] ALERT [%s] %s", alert.Severity, alert.Message)
	}
}

// ActiveAlerts returns unresolved alerts, most severe first.
func (c *Collector) ActiveAlerts() []domain.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Alert, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}

// Acknowledge marks an alert acknowledged without resolving it.
func (c *Collector) Acknowledge(alertID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.alerts {
		if a.ID != alertID {
			continue
		}
		if a.Status == domain.AlertResolved {
			return fmt.Errorf("alert %s already resolved", alertID)
		}
		now := c.now()
		a.Status = domain.AlertAcknowledged
		a.AcknowledgedAt = &now
		return nil
	}
	return fmt.Errorf("alert %s not found", alertID)
}

// HasActiveCritical reports whether any unresolved critical alert is
// open. The workflow engine consults this before advancing.
func (c *Collector) HasActiveCritical() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.active {
		if a.Severity == domain.SeverityCritical {
			return true
		}
	}
	return false
}

// History returns a copy of the retained samples.
func (c *Collector) History() []domain.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.MetricSample(nil), c.history...)
}

// Stats reports collector health counters.
func (c *Collector) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"total_collections": c.totalCollections,
		"history_size":      len(c.history),
		"open_alerts":       len(c.active),
		"last_collected_at": c.lastCollectedAt,
	}
}
