// Package abtest implements the A/B test statistical engine: weighted
// variant allocation, monotonic outcome counters, and chi-square winner
// determination with quantified confidence.
package abtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/errkind"
	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// Store is the persistence collaborator for tests and variants. The
// engine depends only on these operations, with no assumption about the
// storage backend.
type Store interface {
	CreateTest(ctx context.Context, test *domain.ABTest, variants []domain.Variant) error
	GetTest(ctx context.Context, id uuid.UUID) (*domain.ABTest, error)
	UpdateTest(ctx context.Context, test *domain.ABTest) error
	ListVariants(ctx context.Context, testID uuid.UUID) ([]domain.Variant, error)
	// IncrementCounter atomically bumps the counter for the given event.
	// value carries revenue for converted events, ignored otherwise.
	IncrementCounter(ctx context.Context, variantID uuid.UUID, event domain.OutcomeEvent, value float64) error
	SetVariantStatus(ctx context.Context, variantID uuid.UUID, status domain.VariantStatus) error
}

// Engine is the A/B test engine.
type Engine struct {
	store             Store
	now               func() time.Time
	defaultConfidence float64
	defaultMinSample  int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTestDefaults sets the confidence level and minimum sample size
// applied to tests created without their own values.
func WithTestDefaults(confidence float64, minSample int) EngineOption {
	return func(e *Engine) {
		e.defaultConfidence = confidence
		e.defaultMinSample = minSample
	}
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:             store,
		now:               time.Now,
		defaultConfidence: 95,
		defaultMinSample:  100,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTest validates the variant configuration and persists the
// campaign in draft.
func (e *Engine) CreateTest(ctx context.Context, test *domain.ABTest, variants []domain.Variant) (*domain.ABTest, error) {
	if err := domain.ValidateSplits(variants); err != nil {
		return nil, errkind.Wrap(errkind.InvalidStateTransition, err)
	}
	if test.ID == uuid.Nil {
		test.ID = uuid.New()
	}
	if test.WinnerCriteria == "" {
		test.WinnerCriteria = domain.WinByOpenRate
	}
	if test.ConfidenceLevel == 0 {
		test.ConfidenceLevel = e.defaultConfidence
	}
	if test.MinSampleSize == 0 {
		test.MinSampleSize = e.defaultMinSample
	}
	test.Status = domain.ABTestDraft
	test.CreatedAt = e.now()
	test.UpdatedAt = test.CreatedAt

	for i := range variants {
		if variants[i].ID == uuid.Nil {
			variants[i].ID = uuid.New()
		}
		variants[i].TestID = test.ID
		if variants[i].Label == "" {
			variants[i].Label = string(rune('A' + i))
		}
		variants[i].Status = domain.VariantDraft
		variants[i].CreatedAt = test.CreatedAt
	}

	if err := e.store.CreateTest(ctx, test, variants); err != nil {
		return nil, fmt.Errorf("create test: %w", err)
	}
	logger.Info("ab test created", "test_id", test.ID, "variants", len(variants))
	return test, nil
}

// Start transitions a draft test to testing and stamps the start time
// used for test-duration gating.
func (e *Engine) Start(ctx context.Context, testID uuid.UUID) error {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != domain.ABTestDraft {
		return errkind.New(errkind.InvalidStateTransition, "cannot start test in %s status", test.Status)
	}
	now := e.now()
	test.Status = domain.ABTestTesting
	test.StartedAt = &now
	test.UpdatedAt = now
	if err := e.store.UpdateTest(ctx, test); err != nil {
		return err
	}
	variants, err := e.store.ListVariants(ctx, testID)
	if err != nil {
		return err
	}
	for _, v := range variants {
		if err := e.store.SetVariantStatus(ctx, v.ID, domain.VariantTesting); err != nil {
			return err
		}
	}
	return nil
}

// Allocate deterministically maps a subscriber into a variant by hashing
// the subscriber identifier into [0,100) and walking the cumulative
// split ranges. The same subscriber always lands in the same variant for
// a given campaign, so re-sends are reproducible.
func (e *Engine) Allocate(ctx context.Context, subscriberID, campaignID uuid.UUID) (*domain.Variant, error) {
	variants, err := e.store.ListVariants(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("campaign %s has no variants", campaignID)
	}
	sort.Slice(variants, func(i, j int) bool {
		if variants[i].Label != variants[j].Label {
			return variants[i].Label < variants[j].Label
		}
		return variants[i].ID.String() < variants[j].ID.String()
	})

	h := fnv.New64a()
	h.Write([]byte(campaignID.String()))
	h.Write([]byte(":"))
	h.Write([]byte(subscriberID.String()))
	bucket := float64(h.Sum64()%10000) / 100.0 // [0,100)

	cumulative := 0.0
	for i := range variants {
		cumulative += float64(variants[i].SplitPercent)
		if bucket < cumulative {
			return &variants[i], nil
		}
	}
	// Splits sum to 100, so this is only reachable through float edge
	// cases; the last range is half-open on the right.
	return &variants[len(variants)-1], nil
}

// RecordOutcome atomically increments the relevant counter for a variant.
// Counters are monotonic and never overwritten.
func (e *Engine) RecordOutcome(ctx context.Context, variantID uuid.UUID, event domain.OutcomeEvent, value float64) error {
	return e.store.IncrementCounter(ctx, variantID, event, value)
}

// VariantReport carries per-variant statistics for a significance result.
type VariantReport struct {
	VariantID uuid.UUID `json:"variant_id"`
	Label     string    `json:"label"`
	Sent      int64     `json:"sent"`
	Successes int64     `json:"successes"`
	Rate      float64   `json:"rate"`
	Excluded  bool      `json:"excluded"` // zero sends: excluded from the statistic
	Lower     float64   `json:"ci_lower"`
	Upper     float64   `json:"ci_upper"`
	Margin    float64   `json:"ci_margin"`
}

// SignificanceResult is the outcome of a chi-square evaluation.
type SignificanceResult struct {
	TestID              uuid.UUID       `json:"test_id"`
	ChiSquare           float64         `json:"chi_square"`
	DegreesOfFreedom    int             `json:"degrees_of_freedom"`
	PValue              float64         `json:"p_value"`
	IsSignificant       bool            `json:"is_significant"`
	TestDurationElapsed bool            `json:"test_duration_elapsed"`
	MinSampleMet        bool            `json:"min_sample_met"`
	WinnerVariantID     *uuid.UUID      `json:"winner_variant_id,omitempty"`
	Variants            []VariantReport `json:"variants"`
}

// ComputeSignificance runs a chi-square test of independence between
// variant outcome counts using the campaign's winner criterion as the
// success metric. Reads a snapshot of counters; results computed against
// immediately-stale counts are acceptable since the statistic is
// recomputed on every poll.
func (e *Engine) ComputeSignificance(ctx context.Context, testID uuid.UUID) (*SignificanceResult, error) {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	variants, err := e.store.ListVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	sort.Slice(variants, func(i, j int) bool {
		if variants[i].Label != variants[j].Label {
			return variants[i].Label < variants[j].Label
		}
		return variants[i].ID.String() < variants[j].ID.String()
	})

	res := &SignificanceResult{TestID: testID, PValue: 1}

	var groups []group
	for _, v := range variants {
		rep := VariantReport{
			VariantID: v.ID,
			Label:     v.Label,
			Sent:      v.SentCount,
			Successes: v.Successes(test.WinnerCriteria),
			Rate:      v.Rate(test.WinnerCriteria),
		}
		if v.SentCount == 0 {
			// Reported with zero rates but excluded from the statistic.
			rep.Excluded = true
		} else {
			rep.Lower, rep.Upper, rep.Margin = wilsonInterval(rep.Successes, v.SentCount, test.ConfidenceLevel)
			groups = append(groups, group{
				successes: float64(rep.Successes),
				failures:  float64(v.SentCount - rep.Successes),
			})
		}
		res.Variants = append(res.Variants, rep)
	}

	res.ChiSquare, res.DegreesOfFreedom, res.PValue = chiSquareIndependence(groups)

	alpha := 1 - test.ConfidenceLevel/100
	res.IsSignificant = len(groups) >= 2 && res.PValue <= alpha

	res.TestDurationElapsed = test.StartedAt != nil &&
		(test.TestDuration <= 0 || !e.now().Before(test.StartedAt.Add(test.TestDuration)))

	res.MinSampleMet = true
	for _, v := range variants {
		if v.SentCount < int64(test.MinSampleSize) {
			res.MinSampleMet = false
			break
		}
	}

	// Ties are not winners: significance gates any declaration, no
	// matter the marginal rate difference.
	if res.IsSignificant && res.MinSampleMet {
		if best := bestVariant(res.Variants); best != nil {
			res.WinnerVariantID = &best.VariantID

			// Auto-select may call the test early, purely on
			// significance, even before the test window elapses.
			if test.Status == domain.ABTestTesting && test.AutoSelectWinner {
				if err := e.SelectWinner(ctx, testID, best.VariantID); err != nil {
					return nil, fmt.Errorf("auto-select winner: %w", err)
				}
				logger.Info("ab test winner auto-selected",
					"test_id", testID, "variant", best.Label, "p_value", fmt.Sprintf("%.4f", res.PValue))
			}
		}
	}

	return res, nil
}

func bestVariant(reports []VariantReport) *VariantReport {
	var best *VariantReport
	for i := range reports {
		if reports[i].Excluded {
			continue
		}
		if best == nil || reports[i].Rate > best.Rate {
			best = &reports[i]
		}
	}
	return best
}

// ConfidenceInterval returns the Wilson interval around a variant's rate
// for its campaign's winner criterion.
func (e *Engine) ConfidenceInterval(ctx context.Context, testID, variantID uuid.UUID) (lower, upper, margin float64, err error) {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return 0, 0, 0, err
	}
	variants, err := e.store.ListVariants(ctx, testID)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, v := range variants {
		if v.ID == variantID {
			l, u, m := wilsonInterval(v.Successes(test.WinnerCriteria), v.SentCount, test.ConfidenceLevel)
			return l, u, m, nil
		}
	}
	return 0, 0, 0, fmt.Errorf("variant %s not found in test %s", variantID, testID)
}

// SelectWinner marks the chosen variant as winner, all siblings as
// losers, and completes the campaign. Also used as the manual override.
func (e *Engine) SelectWinner(ctx context.Context, testID, variantID uuid.UUID) error {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status == domain.ABTestCompleted {
		return errkind.New(errkind.InvalidStateTransition, "test %s already completed", testID)
	}
	variants, err := e.store.ListVariants(ctx, testID)
	if err != nil {
		return err
	}
	found := false
	for _, v := range variants {
		status := domain.VariantLoser
		if v.ID == variantID {
			status = domain.VariantWinner
			found = true
		}
		if err := e.store.SetVariantStatus(ctx, v.ID, status); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("variant %s not found in test %s", variantID, testID)
	}
	test.Status = domain.ABTestCompleted
	test.WinnerVariantID = &variantID
	test.UpdatedAt = e.now()
	return e.store.UpdateTest(ctx, test)
}
