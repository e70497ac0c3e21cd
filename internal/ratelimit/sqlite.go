package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	credential_id     TEXT PRIMARY KEY,
	reason            TEXT NOT NULL,
	retry_after_sec   INTEGER NOT NULL,
	rate_limit_end_at TEXT NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	updated_at        TEXT NOT NULL
)`

// isoMillis matches the timestamp format the lockout table has always used.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// SQLitePersister stores lockouts in a local SQLite database.
type SQLitePersister struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLitePersister opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rate_limits table: %w", err)
	}
	return &SQLitePersister{db: db, now: time.Now}, nil
}

// Record upserts the lockout row.
func (p *SQLitePersister) Record(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limits (credential_id, reason, retry_after_sec, rate_limit_end_at, model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			reason = excluded.reason,
			retry_after_sec = excluded.retry_after_sec,
			rate_limit_end_at = excluded.rate_limit_end_at,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		rec.CredentialID, string(rec.Reason), rec.RetryAfterSec,
		rec.ResetAt.UTC().Format(isoMillis), rec.Model, p.now().UTC().Format(isoMillis))
	if err != nil {
		return fmt.Errorf("record rate limit for %s: %w", rec.CredentialID, err)
	}
	return nil
}

// Clear deletes the lockout row.
func (p *SQLitePersister) Clear(ctx context.Context, credentialID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE credential_id = ?`, credentialID); err != nil {
		return fmt.Errorf("clear rate limit for %s: %w", credentialID, err)
	}
	return nil
}

// Load returns every stored lockout, expired or not.
func (p *SQLitePersister) Load(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT credential_id, reason, retry_after_sec, rate_limit_end_at, model FROM rate_limits`)
	if err != nil {
		return nil, fmt.Errorf("load rate limits: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var reason, endAt string
		if err := rows.Scan(&rec.CredentialID, &reason, &rec.RetryAfterSec, &endAt, &rec.Model); err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
		rec.Reason = Reason(reason)
		if rec.ResetAt, err = time.Parse(isoMillis, endAt); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
