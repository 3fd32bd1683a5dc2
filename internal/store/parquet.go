package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Compile-time interface check.
var _ AuditWriter = (*ParquetArchive)(nil)

// ParquetArchive implements a long-term, append-only audit archive using
// Parquet files on disk, one file per account per day. It complements the
// SQLite audit table, which serves live queries.
type ParquetArchive struct {
	Dir string
}

// NewParquetArchive creates a ParquetArchive rooted at the given directory.
func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir}
}

// auditRow is the Parquet schema for archived audit records.
type auditRow struct {
	ID          string  `parquet:"id"`
	RuleID      string  `parquet:"rule_id"`
	AccountID   string  `parquet:"account_id"`
	ContractID  string  `parquet:"contract_id"`
	Action      string  `parquet:"action"`
	Reason      string  `parquet:"reason"`
	BreachValue float64 `parquet:"breach_value"`
	Outcome     string  `parquet:"outcome"`
	Error       string  `parquet:"error"`
	Timestamp   int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// WriteAudit appends one record to the account's daily archive file.
// Existing rows are re-read and merged by id so a retried write stays
// idempotent.
func (a *ParquetArchive) WriteAudit(_ context.Context, rec AuditRecord) error {
	path := a.auditPath(rec.AccountID, rec.Timestamp)

	existing, _ := readParquetFile[auditRow](path)
	merged := mergeAuditRows(existing, []auditRow{toAuditRow(rec)})

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("archiving audit %s: %w", rec.ID, err)
	}
	return nil
}

// ReadAudit returns archived records for the account between start and end
// (inclusive), ordered by timestamp.
func (a *ParquetArchive) ReadAudit(_ context.Context, accountID string, start, end time.Time) ([]AuditRecord, error) {
	var recs []AuditRecord
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows, err := readParquetFile[auditRow](a.auditPath(accountID, d))
		if err != nil {
			// No archive file for this day.
			continue
		}
		for _, r := range rows {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			recs = append(recs, AuditRecord{
				ID:          r.ID,
				RuleID:      r.RuleID,
				AccountID:   r.AccountID,
				ContractID:  r.ContractID,
				Action:      r.Action,
				Reason:      r.Reason,
				BreachValue: r.BreachValue,
				Outcome:     r.Outcome,
				Error:       r.Error,
				Timestamp:   ts,
			})
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}

// auditPath returns the archive path for one account and day.
// Layout: <Dir>/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) auditPath(accountID string, t time.Time) string {
	return filepath.Join(a.Dir, accountID, t.UTC().Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func toAuditRow(rec AuditRecord) auditRow {
	return auditRow{
		ID:          rec.ID,
		RuleID:      rec.RuleID,
		AccountID:   rec.AccountID,
		ContractID:  rec.ContractID,
		Action:      rec.Action,
		Reason:      rec.Reason,
		BreachValue: rec.BreachValue,
		Outcome:     rec.Outcome,
		Error:       rec.Error,
		Timestamp:   rec.Timestamp.UnixMilli(),
	}
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeAuditRows deduplicates rows by id, preferring incoming rows, and
// returns them sorted by timestamp.
func mergeAuditRows(existing, incoming []auditRow) []auditRow {
	seen := make(map[string]auditRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]auditRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
