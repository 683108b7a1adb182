package abtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments without Postgres. Counter increments are atomic under the
// per-store mutex; independent variants never contend on row state.
type MemoryStore struct {
	mu       sync.RWMutex
	tests    map[uuid.UUID]*domain.ABTest
	variants map[uuid.UUID][]domain.Variant // keyed by test ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:    make(map[uuid.UUID]*domain.ABTest),
		variants: make(map[uuid.UUID][]domain.Variant),
	}
}

func (s *MemoryStore) CreateTest(ctx context.Context, t *domain.ABTest, variants []domain.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tests[t.ID]; exists {
		return fmt.Errorf("test %s already exists", t.ID)
	}
	cp := *t
	s.tests[t.ID] = &cp
	s.variants[t.ID] = append([]domain.Variant(nil), variants...)
	return nil
}

func (s *MemoryStore) GetTest(ctx context.Context, id uuid.UUID) (*domain.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[id]
	if !ok {
		return nil, fmt.Errorf("test %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTest(ctx context.Context, t *domain.ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[t.ID]; !ok {
		return fmt.Errorf("test %s not found", t.ID)
	}
	cp := *t
	s.tests[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ListVariants(ctx context.Context, testID uuid.UUID) ([]domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Variant(nil), s.variants[testID]...), nil
}

func (s *MemoryStore) IncrementCounter(ctx context.Context, variantID uuid.UUID, event domain.OutcomeEvent, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for testID := range s.variants {
		vs := s.variants[testID]
		for i := range vs {
			if vs[i].ID != variantID {
				continue
			}
			switch event {
			case domain.OutcomeSent:
				vs[i].SentCount++
			case domain.OutcomeOpened:
				vs[i].OpenCount++
			case domain.OutcomeClicked:
				vs[i].ClickCount++
			case domain.OutcomeConverted:
				vs[i].ConversionCount++
				vs[i].Revenue += value
			case domain.OutcomeBounced:
				vs[i].BounceCount++
			case domain.OutcomeUnsubscribed:
				vs[i].UnsubscribeCount++
			default:
				return fmt.Errorf("unknown outcome event %q", event)
			}
			return nil
		}
	}
	return fmt.Errorf("variant %s not found", variantID)
}

func (s *MemoryStore) SetVariantStatus(ctx context.Context, variantID uuid.UUID, status domain.VariantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for testID := range s.variants {
		vs := s.variants[testID]
		for i := range vs {
			if vs[i].ID == variantID {
				vs[i].Status = status
				return nil
			}
		}
	}
	return fmt.Errorf("variant %s not found", variantID)
}
