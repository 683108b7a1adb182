package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and dry runs.
type MemoryStore struct {
	mu          sync.RWMutex
	automations map[uuid.UUID]*domain.Automation
	executions  map[uuid.UUID]*domain.Execution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		automations: make(map[uuid.UUID]*domain.Automation),
		executions:  make(map[uuid.UUID]*domain.Execution),
	}
}

func (s *MemoryStore) CreateAutomation(ctx context.Context, a *domain.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[a.ID]; exists {
		return fmt.Errorf("automation %s already exists", a.ID)
	}
	cp := *a
	s.automations[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAutomation(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, fmt.Errorf("automation not found")
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpdateAutomation(ctx context.Context, a *domain.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.automations[a.ID]; !ok {
		return fmt.Errorf("automation %s not found", a.ID)
	}
	cp := *a
	s.automations[a.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAutomations(ctx context.Context, status domain.AutomationStatus) ([]domain.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Automation
	for _, a := range s.automations {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	cp := *e
	cp.Log = append([]domain.StepOutcome(nil), e.Log...)
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution not found")
	}
	cp := *e
	cp.Log = append([]domain.StepOutcome(nil), e.Log...)
	return &cp, nil
}

func (s *MemoryStore) UpdateExecutionIfOpen(ctx context.Context, e *domain.Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[e.ID]
	if !ok {
		return false, fmt.Errorf("execution %s not found", e.ID)
	}
	if cur.Status.IsTerminal() {
		return false, nil
	}
	cp := *e
	cp.Log = append([]domain.StepOutcome(nil), e.Log...)
	s.executions[e.ID] = &cp
	return true, nil
}

func (s *MemoryStore) FindNonTerminal(ctx context.Context, automationID, subscriberID uuid.UUID) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executions {
		if e.AutomationID == automationID && e.SubscriberID == subscriberID && !e.Status.IsTerminal() {
			cp := *e
			cp.Log = append([]domain.StepOutcome(nil), e.Log...)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, automationID uuid.UUID, statuses ...domain.ExecutionStatus) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := func(st domain.ExecutionStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}
	var out []domain.Execution
	for _, e := range s.executions {
		if e.AutomationID == automationID && match(e.Status) {
			cp := *e
			cp.Log = append([]domain.StepOutcome(nil), e.Log...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
