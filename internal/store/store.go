// Package store defines the persistence contract the guardrail core writes
// through, plus its SQLite and Parquet implementations. The in-memory state
// is always authoritative for live decisions; persistence exists so a
// restart can rebuild state without replaying the full event history.
package store

import (
	"context"
	"time"

	"ringfence/internal/domain"
)

// Kind names the entity families the core persists.
type Kind string

const (
	KindAccount  Kind = "account"
	KindPosition Kind = "position"
	KindOrder    Kind = "order"
	KindLockout  Kind = "lockout"
)

// Persister mirrors state mutations to durable storage. Implementations may
// batch writes; callers never read back through this interface except at
// startup via LoadAll.
type Persister interface {
	// Save upserts one entity under (accountID, kind, key).
	Save(ctx context.Context, accountID string, kind Kind, key string, entity any) error

	// Delete removes the entity under (accountID, kind, key).
	Delete(ctx context.Context, accountID string, kind Kind, key string) error

	// LoadAll returns everything needed to rebuild in-memory state after a
	// restart.
	LoadAll(ctx context.Context) (*SnapshotData, error)
}

// SnapshotData is the restart-recovery payload returned by LoadAll.
type SnapshotData struct {
	Accounts  []domain.Account
	Positions []domain.Position
	Orders    []domain.Order
	Lockouts  []domain.Lockout
}

// AuditRecord is one enforcement/breach audit entry. Every rule breach
// produces exactly one record.
type AuditRecord struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	AccountID   string    `json:"account_id"`
	ContractID  string    `json:"contract_id,omitempty"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	BreachValue float64   `json:"breach_value"`
	Outcome     string    `json:"outcome"` // "ok" or "failed"
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditWriter records enforcement outcomes.
type AuditWriter interface {
	WriteAudit(ctx context.Context, rec AuditRecord) error
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Nop is a Persister and AuditWriter that discards everything. Used in tests
// and when no durable path is configured.
type Nop struct{}

var _ Persister = Nop{}
var _ AuditWriter = Nop{}

func (Nop) Save(context.Context, string, Kind, string, any) error { return nil }
func (Nop) Delete(context.Context, string, Kind, string) error    { return nil }
func (Nop) LoadAll(context.Context) (*SnapshotData, error)        { return &SnapshotData{}, nil }
func (Nop) WriteAudit(context.Context, AuditRecord) error         { return nil }

// TeeAudit fans one audit record out to several writers. The first error is
// returned but remaining writers still run; partial failures are logged by
// the caller rather than rolled back.
type TeeAudit []AuditWriter

var _ AuditWriter = TeeAudit{}

// WriteAudit writes the record to every underlying writer.
func (t TeeAudit) WriteAudit(ctx context.Context, rec AuditRecord) error {
	var first error
	for _, w := range t {
		if err := w.WriteAudit(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
