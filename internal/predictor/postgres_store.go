package predictor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists assessments in PostgreSQL for the audit trail.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (id, caller, score, should_block, recommendation, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		a.ID,
		a.Caller,
		a.Score,
		a.ShouldBlock,
		a.Recommendation,
		factorsJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByCaller(ctx context.Context, caller string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller, score, should_block, recommendation, factors, evaluated_at
		FROM assessments
		WHERE caller = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, caller, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Assessment
	for rows.Next() {
		var a Assessment
		var factorsJSON []byte
		var evaluatedAt time.Time

		if err := rows.Scan(&a.ID, &a.Caller, &a.Score, &a.ShouldBlock,
			&a.Recommendation, &factorsJSON, &evaluatedAt); err != nil {
			continue
		}
		a.EvaluatedAt = evaluatedAt
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		out = append(out, &a)
	}
	return out, rows.Err()
}
