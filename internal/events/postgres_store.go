package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists incidents in PostgreSQL for the audit trail.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed incident store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, inc *Incident) error {
	detailJSON, err := json.Marshal(inc.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, type, operation, caller, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		inc.ID,
		inc.Type,
		inc.Operation,
		inc.Caller,
		detailJSON,
		inc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, operation, caller, detail, created_at
		FROM incidents
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Incident
	for rows.Next() {
		var inc Incident
		var detailJSON []byte
		var createdAt time.Time

		if err := rows.Scan(&inc.ID, &inc.Type, &inc.Operation, &inc.Caller,
			&detailJSON, &createdAt); err != nil {
			continue
		}
		inc.CreatedAt = createdAt
		_ = json.Unmarshal(detailJSON, &inc.Detail)
		out = append(out, &inc)
	}
	return out, rows.Err()
}
