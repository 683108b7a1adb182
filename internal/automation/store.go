package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/automation-engine/internal/domain"
)

// Store is the persistence collaborator for automations and executions.
type Store interface {
	CreateAutomation(ctx context.Context, a *domain.Automation) error
	GetAutomation(ctx context.Context, id uuid.UUID) (*domain.Automation, error)
	UpdateAutomation(ctx context.Context, a *domain.Automation) error
	ListAutomations(ctx context.Context, status domain.AutomationStatus) ([]domain.Automation, error)

	CreateExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	// UpdateExecutionIfOpen writes the execution only while the stored
	// row is still non-terminal, reporting whether the write happened.
	// A cancelled, completed or failed execution never transitions
	// again, even when a worker finishes a step concurrently.
	UpdateExecutionIfOpen(ctx context.Context, e *domain.Execution) (bool, error)
	// FindNonTerminal returns the open execution for the pair, nil when
	// none exists. Backs the at-most-one-open-execution invariant.
	FindNonTerminal(ctx context.Context, automationID, subscriberID uuid.UUID) (*domain.Execution, error)
	ListExecutions(ctx context.Context, automationID uuid.UUID, statuses ...domain.ExecutionStatus) ([]domain.Execution, error)
}

// PostgresStore persists automations and executions in Postgres. Step
// graphs and execution logs are stored as JSONB documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on the given connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAutomation(ctx context.Context, a *domain.Automation) error {
	trigger, err := json.Marshal(a.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations (id, name, trigger, steps, entry_step_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Name, trigger, steps, a.EntryStepID, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAutomation(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, trigger, steps, entry_step_id, status, created_at, activated_at, updated_at
		FROM automations WHERE id = $1
	`, id)
	return scanAutomation(row)
}

func scanAutomation(row *sql.Row) (*domain.Automation, error) {
	var a domain.Automation
	var trigger, steps []byte
	if err := row.Scan(&a.ID, &a.Name, &trigger, &steps, &a.EntryStepID, &a.Status,
		&a.CreatedAt, &a.ActivatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("automation not found")
		}
		return nil, err
	}
	if err := json.Unmarshal(trigger, &a.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(steps, &a.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAutomation(ctx context.Context, a *domain.Automation) error {
	trigger, err := json.Marshal(a.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE automations
		SET name = $2, trigger = $3, steps = $4, entry_step_id = $5, status = $6,
		    activated_at = $7, updated_at = $8
		WHERE id = $1
	`, a.ID, a.Name, trigger, steps, a.EntryStepID, a.Status, a.ActivatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("automation %s not found", a.ID)
	}
	return nil
}

func (s *PostgresStore) ListAutomations(ctx context.Context, status domain.AutomationStatus) ([]domain.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, trigger, steps, entry_step_id, status, created_at, activated_at, updated_at
		FROM automations WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Automation
	for rows.Next() {
		var a domain.Automation
		var trigger, steps []byte
		if err := rows.Scan(&a.ID, &a.Name, &trigger, &steps, &a.EntryStepID, &a.Status,
			&a.CreatedAt, &a.ActivatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(trigger, &a.Trigger); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(steps, &a.Steps); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	logJSON, err := json.Marshal(e.Log)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_executions
			(id, automation_id, subscriber_id, current_step_id, status, resume_at, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.AutomationID, e.SubscriberID, e.CurrentStepID, e.Status, e.ResumeAt, logJSON,
		e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, automation_id, subscriber_id, current_step_id, status, resume_at, log,
		       created_at, updated_at, completed_at
		FROM automation_executions WHERE id = $1
	`, id)

	var e domain.Execution
	var logJSON []byte
	if err := row.Scan(&e.ID, &e.AutomationID, &e.SubscriberID, &e.CurrentStepID, &e.Status,
		&e.ResumeAt, &logJSON, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution not found")
		}
		return nil, err
	}
	if err := json.Unmarshal(logJSON, &e.Log); err != nil {
		return nil, fmt.Errorf("unmarshal log: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateExecutionIfOpen(ctx context.Context, e *domain.Execution) (bool, error) {
	logJSON, err := json.Marshal(e.Log)
	if err != nil {
		return false, fmt.Errorf("marshal log: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_executions
		SET current_step_id = $2, status = $3, resume_at = $4, log = $5,
		    updated_at = $6, completed_at = $7
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, e.ID, e.CurrentStepID, e.Status, e.ResumeAt, logJSON, e.UpdatedAt, e.CompletedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) FindNonTerminal(ctx context.Context, automationID, subscriberID uuid.UUID) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM automation_executions
		WHERE automation_id = $1 AND subscriber_id = $2
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		LIMIT 1
	`, automationID, subscriberID)
	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s.GetExecution(ctx, id)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, automationID uuid.UUID, statuses ...domain.ExecutionStatus) ([]domain.Execution, error) {
	query := `
		SELECT id, automation_id, subscriber_id, current_step_id, status, resume_at, log,
		       created_at, updated_at, completed_at
		FROM automation_executions WHERE automation_id = $1`
	args := []interface{}{automationID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, pq.Array(ss))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var logJSON []byte
		if err := rows.Scan(&e.ID, &e.AutomationID, &e.SubscriberID, &e.CurrentStepID, &e.Status,
			&e.ResumeAt, &logJSON, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(logJSON, &e.Log); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
