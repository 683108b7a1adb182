package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ABTestType enumerates what a campaign is testing.
type ABTestType string

const (
	TestSubjectLine ABTestType = "subject_line"
	TestContent     ABTestType = "content"
	TestSendTime    ABTestType = "send_time"
	TestFromName    ABTestType = "from_name"
	TestCombined    ABTestType = "combined"
)

// WinnerCriterion is the metric used to judge variant success.
type WinnerCriterion string

const (
	WinByOpenRate       WinnerCriterion = "open_rate"
	WinByClickRate      WinnerCriterion = "click_rate"
	WinByConversionRate WinnerCriterion = "conversion_rate"
	WinByRevenue        WinnerCriterion = "revenue"
)

// ABTestStatus enumerates the lifecycle of an A/B test campaign.
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "draft"
	ABTestTesting   ABTestStatus = "testing"
	ABTestCompleted ABTestStatus = "completed"
)

// VariantStatus enumerates a variant's lifecycle. Exactly one variant
// per campaign may hold VariantWinner.
type VariantStatus string

const (
	VariantDraft   VariantStatus = "draft"
	VariantTesting VariantStatus = "testing"
	VariantWinner  VariantStatus = "winner"
	VariantLoser   VariantStatus = "loser"
)

// OutcomeEvent enumerates the engagement events a variant accumulates.
type OutcomeEvent string

const (
	OutcomeSent         OutcomeEvent = "sent"
	OutcomeOpened       OutcomeEvent = "opened"
	OutcomeClicked      OutcomeEvent = "clicked"
	OutcomeConverted    OutcomeEvent = "converted"
	OutcomeBounced      OutcomeEvent = "bounced"
	OutcomeUnsubscribed OutcomeEvent = "unsubscribed"
)

// EngagementEvent is a discrete delivery/engagement notification posted
// by the message-delivery collaborator.
type EngagementEvent struct {
	VariantID    uuid.UUID    `json:"variant_id"`
	SubscriberID uuid.UUID    `json:"subscriber_id"`
	Type         OutcomeEvent `json:"type"`
	Value        float64      `json:"value,omitempty"` // revenue for conversions
	OccurredAt   time.Time    `json:"occurred_at"`
}

// ABTest is an A/B test campaign with its configuration and variants.
type ABTest struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	TestType         ABTestType      `json:"test_type" db:"test_type"`
	WinnerCriteria   WinnerCriterion `json:"winner_criteria" db:"winner_criteria"`
	Status           ABTestStatus    `json:"status" db:"status"`
	AutoSelectWinner bool            `json:"auto_select_winner" db:"auto_select_winner"`
	TestDuration     time.Duration   `json:"test_duration" db:"test_duration"`
	ConfidenceLevel  float64         `json:"confidence_level" db:"confidence_level"` // e.g. 95
	MinSampleSize    int             `json:"min_sample_size" db:"min_sample_size"`
	WinnerVariantID  *uuid.UUID      `json:"winner_variant_id,omitempty" db:"winner_variant_id"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Variant is one candidate message in an A/B test, with its own
// accumulating outcome counters. Counters only increase.
type Variant struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	TestID       uuid.UUID     `json:"test_id" db:"test_id"`
	Label        string        `json:"label" db:"label"` // A, B, C...
	SplitPercent int           `json:"split_percent" db:"split_percent"`
	Subject      string        `json:"subject,omitempty" db:"subject"`
	FromName     string        `json:"from_name,omitempty" db:"from_name"`
	Body         string        `json:"body,omitempty" db:"body"`
	SendHour     *int          `json:"send_hour,omitempty" db:"send_hour"`
	Status       VariantStatus `json:"status" db:"status"`

	SentCount        int64   `json:"sent_count" db:"sent_count"`
	OpenCount        int64   `json:"open_count" db:"open_count"`
	ClickCount       int64   `json:"click_count" db:"click_count"`
	ConversionCount  int64   `json:"conversion_count" db:"conversion_count"`
	BounceCount      int64   `json:"bounce_count" db:"bounce_count"`
	UnsubscribeCount int64   `json:"unsubscribe_count" db:"unsubscribe_count"`
	Revenue          float64 `json:"revenue" db:"revenue"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Successes returns the success count for the given winner criterion.
func (v *Variant) Successes(c WinnerCriterion) int64 {
	switch c {
	case WinByClickRate:
		return v.ClickCount
	case WinByConversionRate, WinByRevenue:
		return v.ConversionCount
	default:
		return v.OpenCount
	}
}

// Rate returns successes/sent for the criterion, 0 when nothing sent.
func (v *Variant) Rate(c WinnerCriterion) float64 {
	if v.SentCount == 0 {
		return 0
	}
	return float64(v.Successes(c)) / float64(v.SentCount)
}

// ValidateSplits checks that variant count, labels and split
// percentages form a valid test configuration: at least two uniquely
// labelled variants summing to exactly 100. Labels order the variants
// everywhere allocation and reporting touch them, so duplicates would
// make that ordering ambiguous.
func ValidateSplits(variants []Variant) error {
	if len(variants) < 2 {
		return fmt.Errorf("at least 2 variants are required, got %d", len(variants))
	}
	sum := 0
	labels := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if _, dup := labels[v.Label]; dup {
			return fmt.Errorf("duplicate variant label %q", v.Label)
		}
		labels[v.Label] = struct{}{}
		if v.SplitPercent <= 0 {
			return fmt.Errorf("variant %q has non-positive split %d", v.Label, v.SplitPercent)
		}
		sum += v.SplitPercent
	}
	if sum != 100 {
		return fmt.Errorf("variant splits must sum to 100, got %d", sum)
	}
	return nil
}
