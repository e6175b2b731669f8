package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables PgLedger writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS provision_ledger (
	session_id  TEXT PRIMARY KEY,
	wizard_id   TEXT        NOT NULL,
	table_name  TEXT        NOT NULL,
	receipt     JSONB       NOT NULL,
	payload     JSONB       NOT NULL,
	refs        JSONB,
	status      TEXT        NOT NULL,
	record_id   TEXT,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS provision_ledger_pending_idx
	ON provision_ledger (created_at) WHERE status = 'pending';
CREATE TABLE IF NOT EXISTS orphaned_uploads (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	refs        JSONB       NOT NULL,
	reason      TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);
`

// PgLedger is a PostgreSQL-backed Ledger using pgx/v5.
type PgLedger struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPgLedger creates a ledger whose entries expire after ttl.
func NewPgLedger(pool *pgxpool.Pool, ttl time.Duration) *PgLedger {
	return &PgLedger{pool: pool, ttl: ttl}
}

// Migrate creates the ledger tables if they do not exist.
func (l *PgLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("provision: migrate: %w", err)
	}
	return nil
}

func (l *PgLedger) expiry(now time.Time) *time.Time {
	if l.ttl <= 0 {
		return nil
	}
	t := now.Add(l.ttl)
	return &t
}

// Put implements Ledger. The conflict clause keeps the stored receipt and
// refuses to touch a completed entry.
func (l *PgLedger) Put(ctx context.Context, e Entry) error {
	receiptJSON, err := json.Marshal(e.Receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	refsJSON, err := json.Marshal(e.Refs)
	if err != nil {
		return fmt.Errorf("marshal refs: %w", err)
	}

	now := time.Now().UTC()
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO provision_ledger (
			session_id, wizard_id, table_name, receipt, payload, refs,
			status, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			wizard_id = EXCLUDED.wizard_id,
			table_name = EXCLUDED.table_name,
			payload = EXCLUDED.payload,
			refs = EXCLUDED.refs,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE provision_ledger.status = 'pending'`,
		e.SessionID, e.WizardID, e.Table, receiptJSON, payloadJSON, refsJSON,
		now, l.expiry(now),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return completedConflict(e.SessionID)
	}
	return nil
}

const selectEntry = `
	SELECT session_id, wizard_id, table_name, receipt, payload, refs,
	       status, COALESCE(record_id, ''), created_at, updated_at
	FROM provision_ledger`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var receiptJSON, payloadJSON, refsJSON []byte
	if err := row.Scan(
		&e.SessionID, &e.WizardID, &e.Table, &receiptJSON, &payloadJSON, &refsJSON,
		&e.Status, &e.RecordID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(receiptJSON, &e.Receipt); err != nil {
		return Entry{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
		return Entry{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if refsJSON != nil {
		if err := json.Unmarshal(refsJSON, &e.Refs); err != nil {
			return Entry{}, fmt.Errorf("unmarshal refs: %w", err)
		}
	}
	return e, nil
}

// Get implements Ledger.
func (l *PgLedger) Get(ctx context.Context, sessionID string) (Entry, bool, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx, selectEntry+`
		WHERE session_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query ledger entry: %w", err)
	}
	return e, true, nil
}

// Complete implements Ledger.
func (l *PgLedger) Complete(ctx context.Context, sessionID, recordID string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE provision_ledger SET status = 'completed', record_id = $1, updated_at = $2
		WHERE session_id = $3`,
		recordID, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("complete ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entryNotFound(sessionID)
	}
	return nil
}

// ListPending implements Ledger.
func (l *PgLedger) ListPending(ctx context.Context) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, selectEntry+`
		WHERE status = 'pending' AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOrphaned implements Ledger.
func (l *PgLedger) MarkOrphaned(ctx context.Context, o Orphan) error {
	if len(o.Refs) == 0 {
		return nil
	}
	refsJSON, err := json.Marshal(o.Refs)
	if err != nil {
		return fmt.Errorf("marshal refs: %w", err)
	}
	var expires *time.Time
	if !o.ExpiresAt.IsZero() {
		expires = &o.ExpiresAt
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO orphaned_uploads (session_id, refs, reason, recorded_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		o.SessionID, refsJSON, o.Reason, o.RecordedAt, expires,
	)
	if err != nil {
		return fmt.Errorf("insert orphaned uploads: %w", err)
	}
	return nil
}

// ListOrphans implements Ledger.
func (l *PgLedger) ListOrphans(ctx context.Context) ([]Orphan, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT session_id, refs, reason, recorded_at, expires_at
		FROM orphaned_uploads
		WHERE expires_at IS NULL OR expires_at > now()
		ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query orphaned uploads: %w", err)
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var o Orphan
		var refsJSON []byte
		var expires *time.Time
		if err := rows.Scan(&o.SessionID, &refsJSON, &o.Reason, &o.RecordedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan orphaned uploads: %w", err)
		}
		if expires != nil {
			o.ExpiresAt = *expires
		}
		if err := json.Unmarshal(refsJSON, &o.Refs); err != nil {
			return nil, fmt.Errorf("unmarshal refs: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var _ Ledger = (*PgLedger)(nil)
