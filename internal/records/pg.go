package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/carewizard/model"
)

// Schema creates the table PgInserter writes to. Email uniqueness is
// enforced here, per record table.
const Schema = `
CREATE TABLE IF NOT EXISTS wizard_records (
	id          UUID PRIMARY KEY,
	table_name  TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS wizard_records_email_uq
	ON wizard_records (table_name, lower(payload->>'email'))
	WHERE payload ? 'email';
`

const uniqueViolation = "23505"

// PgInserter stores records as JSONB rows in PostgreSQL.
type PgInserter struct {
	pool *pgxpool.Pool
}

// NewPgInserter creates a PostgreSQL inserter.
func NewPgInserter(pool *pgxpool.Pool) *PgInserter {
	return &PgInserter{pool: pool}
}

// Migrate creates the records table if it does not exist.
func (s *PgInserter) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("records: migrate: %w", err)
	}
	return nil
}

// Insert implements Inserter.
func (s *PgInserter) Insert(ctx context.Context, table string, payload map[string]any) (model.Record, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return model.Record{}, fmt.Errorf("marshal payload: %w", err)
	}

	rec := model.Record{ID: uuid.NewString(), Table: table, CreatedAt: time.Now().UTC()}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO wizard_records (id, table_name, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.Table, payloadJSON, rec.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.Record{}, model.NewConflictError(fmt.Sprintf("a %s record with these details already exists", table))
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// PgExistenceChecker answers unique-field lookups against stored records.
type PgExistenceChecker struct {
	pool *pgxpool.Pool
}

// NewPgExistenceChecker creates a checker over the records table.
func NewPgExistenceChecker(pool *pgxpool.Pool) *PgExistenceChecker {
	return &PgExistenceChecker{pool: pool}
}

// Exists reports whether any record carries value in field,
// case-insensitively.
func (c *PgExistenceChecker) Exists(ctx context.Context, field, value string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wizard_records
			WHERE lower(payload->>$1) = lower($2)
		)`,
		field, value,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query existence: %w", err)
	}
	return exists, nil
}
