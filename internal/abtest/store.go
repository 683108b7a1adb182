package abtest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// PostgresStore persists tests and variants in the ab_tests and
// ab_variants tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateTest(ctx context.Context, t *domain.ABTest, variants []domain.Variant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ab_tests (id, name, test_type, winner_criteria, status,
			auto_select_winner, test_duration_seconds, confidence_level, min_sample_size, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.TestType, t.WinnerCriteria, t.Status,
		t.AutoSelectWinner, int64(t.TestDuration.Seconds()), t.ConfidenceLevel, t.MinSampleSize,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert test: %w", err)
	}

	for _, v := range variants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ab_variants (id, test_id, label, split_percent, subject, from_name, body, send_hour, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			v.ID, v.TestID, v.Label, v.SplitPercent, v.Subject, v.FromName, v.Body, v.SendHour, v.Status, v.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.Label, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetTest(ctx context.Context, id uuid.UUID) (*domain.ABTest, error) {
	var t domain.ABTest
	var durationSeconds int64
	var winnerID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, test_type, winner_criteria, status, auto_select_winner,
			test_duration_seconds, confidence_level, min_sample_size, winner_variant_id,
			started_at, created_at, updated_at
		FROM ab_tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.TestType, &t.WinnerCriteria, &t.Status, &t.AutoSelectWinner,
		&durationSeconds, &t.ConfidenceLevel, &t.MinSampleSize, &winnerID,
		&t.StartedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("test %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	t.TestDuration = time.Duration(durationSeconds) * time.Second
	if winnerID.Valid {
		w, err := uuid.Parse(winnerID.String)
		if err == nil {
			t.WinnerVariantID = &w
		}
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTest(ctx context.Context, t *domain.ABTest) error {
	var winnerID interface{}
	if t.WinnerVariantID != nil {
		winnerID = t.WinnerVariantID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ab_tests SET status=$1, winner_variant_id=$2, started_at=$3, updated_at=NOW()
		WHERE id = $4`,
		t.Status, winnerID, t.StartedAt, t.ID)
	return err
}

func (s *PostgresStore) ListVariants(ctx context.Context, testID uuid.UUID) ([]domain.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, label, split_percent, COALESCE(subject,''), COALESCE(from_name,''), COALESCE(body,''),
			send_hour, status, sent_count, open_count, click_count, conversion_count,
			bounce_count, unsubscribe_count, revenue, created_at
		FROM ab_variants WHERE test_id = $1 ORDER BY label, id`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []domain.Variant
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Label, &v.SplitPercent, &v.Subject, &v.FromName, &v.Body,
			&v.SendHour, &v.Status, &v.SentCount, &v.OpenCount, &v.ClickCount, &v.ConversionCount,
			&v.BounceCount, &v.UnsubscribeCount, &v.Revenue, &v.CreatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// counterColumn maps an outcome event to its counter column. The update
// is a single atomic SQL increment, so concurrent RecordOutcome calls for
// the same variant never lose counts.
func counterColumn(event domain.OutcomeEvent) (string, bool) {
	switch event {
	case domain.OutcomeSent:
		return "sent_count", true
	case domain.OutcomeOpened:
		return "open_count", true
	case domain.OutcomeClicked:
		return "click_count", true
	case domain.OutcomeConverted:
		return "conversion_count", true
	case domain.OutcomeBounced:
		return "bounce_count", true
	case domain.OutcomeUnsubscribed:
		return "unsubscribe_count", true
	}
	return "", false
}

func (s *PostgresStore) IncrementCounter(ctx context.Context, variantID uuid.UUID, event domain.OutcomeEvent, value float64) error {
	col, ok := counterColumn(event)
	if !ok {
		return fmt.Errorf("unknown outcome event %q", event)
	}
	if event == domain.OutcomeConverted && value > 0 {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE ab_variants SET %s = %s + 1, revenue = revenue + $1 WHERE id = $2`, col, col),
			value, variantID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE ab_variants SET %s = %s + 1 WHERE id = $1`, col, col),
		variantID)
	return err
}

func (s *PostgresStore) SetVariantStatus(ctx context.Context, variantID uuid.UUID, status domain.VariantStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ab_variants SET status = $1 WHERE id = $2`, status, variantID)
	return err
}
