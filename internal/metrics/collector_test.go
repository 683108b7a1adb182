package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

// testClock is a manually advanced time source.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCollector(t *testing.T, thresholds []domain.AlertThreshold, rec *Recorder) (*Collector, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCollector(time.Minute, time.Hour, thresholds, rec, prometheus.NewRegistry(),
		WithClock(clock.Now),
		WithSystemSampler(func() (float64, float64) { return 40, 25 }),
	)
	return c, clock
}

func TestCollectAppendsAndEvicts(t *testing.T) {
	c, clock := newTestCollector(t, nil, nil)
	ctx := context.Background()

	var lastCollected time.Time
	for i := 0; i < 5; i++ {
		lastCollected = clock.Now()
		c.Collect(ctx)
		clock.Advance(20 * time.Minute)
	}

	// Samples at +0, +20, +40, +60 and +80 minutes against a one hour
	// retention: only the first falls outside the window at the final
	// collection.
	history := c.History()
	assert.Len(t, history, 4)
	for _, s := range history {
		assert.False(t, s.Timestamp.Before(lastCollected.Add(-time.Hour)))
	}
}

func TestThresholdCooldownFiresOnce(t *testing.T) {
	thresholds := []domain.AlertThreshold{{
		ID:              "mem-high",
		Metric:          "memory_used_percent",
		Comparator:      domain.CompareGT,
		Value:           30,
		Severity:        domain.SeverityWarning,
		CooldownMinutes: 10,
		Enabled:         true,
	}}
	c, clock := newTestCollector(t, thresholds, nil)
	ctx := context.Background()

	c.Collect(ctx) // breach, fires
	clock.Advance(5 * time.Minute)
	c.Collect(ctx) // still breached, inside cooldown

	assert.Len(t, c.ActiveAlerts(), 1, "two breaches within the cooldown must produce exactly one alert")

	clock.Advance(6 * time.Minute) // past cooldown, still breached
	c.Collect(ctx)
	c.mu.RLock()
	total := len(c.alerts)
	c.mu.RUnlock()
	assert.Equal(t, 2, total, "a breach after the cooldown fires again")
}

func TestDisabledThresholdNeverFires(t *testing.T) {
	thresholds := []domain.AlertThreshold{{
		ID:         "off",
		Metric:     "cpu_percent",
		Comparator: domain.CompareGT,
		Value:      1,
		Severity:   domain.SeverityCritical,
		Enabled:    false,
	}}
	c, _ := newTestCollector(t, thresholds, nil)
	c.Collect(context.Background())
	assert.Empty(t, c.ActiveAlerts())
}

func TestAlertAutoResolvesWhenBackInBounds(t *testing.T) {
	thresholds := []domain.AlertThreshold{{
		ID:         "queue-deep",
		Metric:     "queue_depth",
		Comparator: domain.CompareGT,
		Value:      100,
		Severity:   domain.SeverityCritical,
		Enabled:    true,
	}}
	depth := int64(500)
	clockOnly := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCollector(time.Minute, time.Hour, thresholds, nil, prometheus.NewRegistry(),
		WithClock(clockOnly.Now),
		WithSystemSampler(func() (float64, float64) { return 0, 0 }),
		WithQueueDepth(func(ctx context.Context) (int64, error) { return depth, nil }),
	)
	ctx := context.Background()

	c.Collect(ctx)
	require.Len(t, c.ActiveAlerts(), 1)
	assert.True(t, c.HasActiveCritical())

	depth = 10
	clockOnly.Advance(time.Minute)
	c.Collect(ctx)

	assert.Empty(t, c.ActiveAlerts(), "a sample back within bounds resolves the alert")
	assert.False(t, c.HasActiveCritical())
}

func TestAcknowledgeKeepsAlertOpen(t *testing.T) {
	thresholds := []domain.AlertThreshold{{
		ID:         "mem-high",
		Metric:     "memory_used_percent",
		Comparator: domain.CompareGTE,
		Value:      40,
		Severity:   domain.SeverityWarning,
		Enabled:    true,
	}}
	c, _ := newTestCollector(t, thresholds, nil)
	c.Collect(context.Background())

	active := c.ActiveAlerts()
	require.Len(t, active, 1)

	require.NoError(t, c.Acknowledge(active[0].ID))
	active = c.ActiveAlerts()
	require.Len(t, active, 1, "acknowledging does not resolve")
	assert.Equal(t, domain.AlertAcknowledged, active[0].Status)
}

func TestActiveAlertsOrderedBySeverity(t *testing.T) {
	thresholds := []domain.AlertThreshold{
		{ID: "warn", Metric: "cpu_percent", Comparator: domain.CompareGT, Value: 10, Severity: domain.SeverityWarning, Enabled: true},
		{ID: "crit", Metric: "cpu_percent", Comparator: domain.CompareGT, Value: 20, Severity: domain.SeverityCritical, Enabled: true},
	}
	c, _ := newTestCollector(t, thresholds, nil)
	c.Collect(context.Background())

	active := c.ActiveAlerts()
	require.Len(t, active, 2)
	assert.Equal(t, domain.SeverityCritical, active[0].Severity)
}

func TestSummarizeAggregatesWindow(t *testing.T) {
	rec := NewRecorder()
	c, clock := newTestCollector(t, nil, rec)
	ctx := context.Background()
	start := clock.Now()

	rec.Error(errkind.Network)
	rec.Error(errkind.Network)
	rec.Error(errkind.Timeout)

	// Cumulative processed counts rising 0 -> 400 over 4 minutes.
	for i := 0; i < 5; i++ {
		c.Collect(ctx)
		rec.RecordsProcessed(100)
		clock.Advance(time.Minute)
	}

	sum, err := c.Summarize(start, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Samples)
	assert.InDelta(t, 400.0/240.0, sum.ThroughputPerSec, 0.01)
	assert.Equal(t, 40.0, sum.AvgMemoryPercent)
	assert.Equal(t, 40.0, sum.PeakMemoryPercent)
	assert.Equal(t, int64(2), sum.ErrorsByKind[errkind.Network])
	assert.Equal(t, int64(1), sum.ErrorsByKind[errkind.Timeout])

	_, err = c.Summarize(clock.Now(), start)
	assert.Error(t, err, "inverted window must be rejected")
}

func TestSummarizeTrend(t *testing.T) {
	cases := []struct {
		name  string
		rates []float64
		want  Trend
	}{
		{"improving", []float64{0.4, 0.4, 0.1, 0.1}, TrendImproving},
		{"declining", []float64{0.1, 0.1, 0.4, 0.4}, TrendDeclining},
		{"stable", []float64{0.2, 0.2, 0.2, 0.2}, TrendStable},
		{"all zero", []float64{0, 0, 0, 0}, TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var window []MetricWindowSample
			at := time.Now()
			for i, r := range tc.rates {
				window = append(window, MetricWindowSample{At: at.Add(time.Duration(i) * time.Minute), ErrorRate: r})
			}
			assert.Equal(t, tc.want, classifyTrend(window))
		})
	}
}

func TestRecorderErrorRate(t *testing.T) {
	rec := NewRecorder()
	assert.Zero(t, rec.ErrorRate())

	rec.RecordsProcessed(100)
	for i := 0; i < 5; i++ {
		rec.Error(errkind.ValidationRateLimited)
	}
	assert.InDelta(t, 0.05, rec.ErrorRate(), 1e-9)

	rec.ProcessingTime(100)
	rec.ProcessingTime(300)
	assert.Equal(t, 200.0, rec.AvgProcessingMs())
}
