package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ringfence/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Persister = (*SQLiteStore)(nil)
var _ AuditWriter = (*SQLiteStore)(nil)

// SQLiteStore implements Persister and AuditWriter backed by a SQLite
// database. Entities are stored as JSON in a single keyed table so the
// schema never has to chase the domain model; audit records get typed
// columns for querying.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, kind, key)
);

CREATE TABLE IF NOT EXISTS audit (
	id           TEXT PRIMARY KEY,
	rule_id      TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	contract_id  TEXT,
	action       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	breach_value REAL NOT NULL,
	outcome      TEXT NOT NULL,
	error        TEXT,
	ts           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_account_ts ON audit(account_id, ts);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The driver is in-process; a single connection avoids SQLITE_BUSY on
	// concurrent mirror writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Persister implementation
// ---------------------------------------------------------------------------

// Save upserts one entity as JSON under (accountID, kind, key).
func (s *SQLiteStore) Save(ctx context.Context, accountID string, kind Kind, key string, entity any) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshalling %s/%s: %w", kind, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (account_id, kind, key, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, kind, key) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, accountID, string(kind), key, string(data), time.Now().UnixMilli())
	return err
}

// Delete removes the entity under (accountID, kind, key). Deleting a row
// that does not exist is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, accountID string, kind Kind, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE account_id = ? AND kind = ? AND key = ?
	`, accountID, string(kind), key)
	return err
}

// LoadAll reads back every persisted entity and unmarshals it into the
// restart-recovery snapshot. Rows that fail to unmarshal are skipped: a
// corrupt mirror row must not prevent startup.
func (s *SQLiteStore) LoadAll(ctx context.Context) (*SnapshotData, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, data FROM entities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &SnapshotData{}
	for rows.Next() {
		var kind, data string
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, err
		}
		switch Kind(kind) {
		case KindAccount:
			var a domain.Account
			if json.Unmarshal([]byte(data), &a) == nil {
				snap.Accounts = append(snap.Accounts, a)
			}
		case KindPosition:
			var p domain.Position
			if json.Unmarshal([]byte(data), &p) == nil {
				snap.Positions = append(snap.Positions, p)
			}
		case KindOrder:
			var o domain.Order
			if json.Unmarshal([]byte(data), &o) == nil {
				snap.Orders = append(snap.Orders, o)
			}
		case KindLockout:
			var l domain.Lockout
			if json.Unmarshal([]byte(data), &l) == nil {
				snap.Lockouts = append(snap.Lockouts, l)
			}
		}
	}
	return snap, rows.Err()
}

// ---------------------------------------------------------------------------
// AuditWriter implementation
// ---------------------------------------------------------------------------

// WriteAudit inserts one audit record.
func (s *SQLiteStore) WriteAudit(ctx context.Context, rec AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO audit
			(id, rule_id, account_id, contract_id, action, reason, breach_value, outcome, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RuleID, rec.AccountID, rec.ContractID, rec.Action, rec.Reason,
		rec.BreachValue, rec.Outcome, rec.Error, rec.Timestamp.UnixMilli())
	return err
}

// ListAudit returns audit records for an account in [start, end], newest
// first, up to limit.
func (s *SQLiteStore) ListAudit(ctx context.Context, accountID string, start, end time.Time, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, account_id, contract_id, action, reason, breach_value, outcome, error, ts
		FROM audit
		WHERE account_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT ?
	`, accountID, start.UnixMilli(), end.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var contractID, errMsg sql.NullString
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.RuleID, &rec.AccountID, &contractID,
			&rec.Action, &rec.Reason, &rec.BreachValue, &rec.Outcome, &errMsg, &ts); err != nil {
			return nil, err
		}
		rec.ContractID = contractID.String
		rec.Error = errMsg.String
		rec.Timestamp = time.UnixMilli(ts)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
