package domain

import (
	"time"

	"github.com/google/uuid"
)

// MetricSample is a timestamped snapshot of system and business metrics.
// Immutable once recorded; retained for a bounded rolling window.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`

	// System metrics
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	CPUPercent        float64 `json:"cpu_percent"`
	QueueDepth        int64   `json:"queue_depth"`
	Connections       int     `json:"connections"`

	// Business metrics
	ExecutionsAdvanced int64   `json:"executions_advanced"`
	MessagesSent       int64   `json:"messages_sent"`
	RecordsProcessed   int64   `json:"records_processed"`
	ErrorRate          float64 `json:"error_rate"` // errors / processed, 0..1
	AvgProcessingMs    float64 `json:"avg_processing_ms"`
	ActiveAutomations  int     `json:"active_automations"`
}

// Value returns the named metric from the sample, false if unknown.
func (s MetricSample) Value(name string) (float64, bool) {
	switch name {
	case "memory_used_percent":
		return s.MemoryUsedPercent, true
	case "cpu_percent":
		return s.CPUPercent, true
	case "queue_depth":
		return float64(s.QueueDepth), true
	case "connections":
		return float64(s.Connections), true
	case "executions_advanced":
		return float64(s.ExecutionsAdvanced), true
	case "messages_sent":
		return float64(s.MessagesSent), true
	case "records_processed":
		return float64(s.RecordsProcessed), true
	case "error_rate":
		return s.ErrorRate, true
	case "avg_processing_ms":
		return s.AvgProcessingMs, true
	case "active_automations":
		return float64(s.ActiveAutomations), true
	}
	return 0, false
}

// AlertSeverity orders alert importance.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Rank returns a comparable weight, higher is more severe.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Comparator enumerates threshold comparison operators.
type Comparator string

const (
	CompareGT  Comparator = "gt"
	CompareLT  Comparator = "lt"
	CompareEQ  Comparator = "eq"
	CompareGTE Comparator = "gte"
	CompareLTE Comparator = "lte"
)

// Compare applies the comparator to (observed, bound).
func (c Comparator) Compare(observed, bound float64) bool {
	switch c {
	case CompareGT:
		return observed > bound
	case CompareLT:
		return observed < bound
	case CompareEQ:
		return observed == bound
	case CompareGTE:
		return observed >= bound
	case CompareLTE:
		return observed <= bound
	}
	return false
}

// AlertThreshold is a configured rule that raises an Alert when a metric
// crosses a bound. A threshold will not re-fire during its cooldown
// window even if still breached.
type AlertThreshold struct {
	ID              string        `json:"id" yaml:"id"`
	Metric          string        `json:"metric" yaml:"metric"`
	Comparator      Comparator    `json:"comparator" yaml:"comparator"`
	Value           float64       `json:"value" yaml:"value"`
	Severity        AlertSeverity `json:"severity" yaml:"severity"`
	CooldownMinutes int           `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	LastTriggered   *time.Time    `json:"last_triggered,omitempty" yaml:"-"`
}

// AlertStatus tracks an alert's lifecycle: raised -> acknowledged -> resolved.
type AlertStatus string

const (
	AlertRaised       AlertStatus = "raised"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is produced when a sample crosses a threshold.
type Alert struct {
	ID             uuid.UUID     `json:"id"`
	ThresholdID    string        `json:"threshold_id"`
	Metric         string        `json:"metric"`
	ObservedValue  float64       `json:"observed_value"`
	ThresholdValue float64       `json:"threshold_value"`
	Severity       AlertSeverity `json:"severity"`
	Message        string        `json:"message"`
	Status         AlertStatus   `json:"status"`
	RaisedAt       time.Time     `json:"raised_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}
