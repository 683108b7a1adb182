// Package subscribers resolves subscriber state for the workflow
// engine: attribute lookup for condition steps and trigger-audience
// scans for activation fan-out.
package subscribers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// PostgresSource reads subscriber state from the subscribers table.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a source over an open database handle.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Attributes returns the subscriber's state as a flat string map. The
// email and status columns are merged over the stored attribute JSON so
// they are always present under "email" and "status".
func (s *PostgresSource) Attributes(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	var (
		email    string
		status   string
		attrsRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, status, attributes
		FROM subscribers
		WHERE id = $1`, id).Scan(&email, &status, &attrsRaw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscriber %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber %s: %w", id, err)
	}

	attrs := make(map[string]string)
	if len(attrsRaw) > 0 {
		if err := json.Unmarshal(attrsRaw, &attrs); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", id, err)
		}
	}
	attrs["email"] = email
	attrs["status"] = status
	return attrs, nil
}

// MatchingTrigger lists active subscribers whose state satisfies the
// trigger's filter. The event type itself is matched by the caller;
// this scan answers "who is in the audience right now".
func (s *PostgresSource) MatchingTrigger(ctx context.Context, trigger domain.Trigger) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, status, attributes
		FROM subscribers
		WHERE status = 'active'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("scan subscribers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var (
			id       uuid.UUID
			email    string
			status   string
			attrsRaw []byte
		)
		if err := rows.Scan(&id, &email, &status, &attrsRaw); err != nil {
			return nil, fmt.Errorf("scan subscriber row: %w", err)
		}
		attrs := make(map[string]string)
		if len(attrsRaw) > 0 {
			if err := json.Unmarshal(attrsRaw, &attrs); err != nil {
				continue
			}
		}
		attrs["email"] = email
		attrs["status"] = status
		if trigger.Filter == nil || trigger.Filter.Matches(attrs) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}
