package rules

import (
	"fmt"
	"strings"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/state"
)

// sessionBlock flattens and locks an account holding exposure outside the
// configured trading session or on a holiday. The lockout runs until the
// next session open and is not daily-scoped, so it survives a reset that
// falls inside a holiday.
type sessionBlock struct {
	env Env
}

func (r *sessionBlock) ID() string { return "session_block" }

func (r *sessionBlock) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindClockTick, domain.KindPosition}
}

func (r *sessionBlock) Evaluate(snap *state.Snapshot, _ domain.Event, now time.Time) domain.Verdict {
	if r.env.Calendar.IsOpen(now) {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	if len(snap.Positions) == 0 && len(snap.Orders) == 0 {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	nextOpen := r.env.Calendar.NextOpen(now)
	reason := "market session closed"
	if r.env.Calendar.IsHoliday(now) {
		reason = "trading holiday"
	}
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionCloseAll,
		Reason:      reason,
		BreachValue: float64(len(snap.Positions)),
		Lockout: &domain.LockoutIntent{
			Scope:     domain.AccountScope(snap.AccountID),
			Reason:    reason,
			ExpiresAt: &nextOpen,
		},
	}
}

// authLossGuard reacts to the upstream trading permission. A true-to-false
// transition flattens the account and locks it indefinitely; a restored
// permission clears that lock. A missing canTrade field is treated as true.
type authLossGuard struct{}

func (r *authLossGuard) ID() string { return "auth_loss_guard" }

func (r *authLossGuard) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindAccountStatus}
}

func (r *authLossGuard) Evaluate(snap *state.Snapshot, ev domain.Event, _ time.Time) domain.Verdict {
	ase, ok := ev.(domain.AccountStatusEvent)
	if !ok {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	if ase.Allowed() {
		// Permission restored: ask the coordinator to release the guard
		// lock if one is active.
		v := domain.NoBreach(r.ID(), snap.AccountID)
		scope := domain.AccountScope(snap.AccountID)
		v.ClearScope = &scope
		return v
	}
	reason := "trading permission revoked"
	return domain.Verdict{
		RuleID:    r.ID(),
		AccountID: snap.AccountID,
		Outcome:   domain.OutcomeBreach,
		Action:    domain.ActionCloseAll,
		Reason:    reason,
		Lockout: &domain.LockoutIntent{
			Scope:  domain.AccountScope(snap.AccountID),
			Reason: reason,
		},
	}
}

// symbolBlocks closes any exposure on a blocked symbol root and installs a
// permanent symbol-scoped lockout. Matching is case-insensitive and exact:
// blocking "NQ" does not block "MNQ".
type symbolBlocks struct {
	blocked map[string]bool
}

func newSymbolBlocks(symbols []string) *symbolBlocks {
	blocked := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		blocked[strings.ToUpper(s)] = true
	}
	return &symbolBlocks{blocked: blocked}
}

func (r *symbolBlocks) ID() string { return "symbol_blocks" }

func (r *symbolBlocks) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindPosition, domain.KindOrder}
}

func (r *symbolBlocks) Evaluate(snap *state.Snapshot, ev domain.Event, _ time.Time) domain.Verdict {
	contract := domain.EventContract(ev)
	if contract == "" {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	spec, ok := snap.Specs[contract]
	if !ok {
		// Unknown symbol root: excluded from the check, same as other
		// missing-metadata cases.
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	root := strings.ToUpper(spec.SymbolRoot)
	if !r.blocked[root] {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	reason := fmt.Sprintf("symbol %s is blocked", spec.SymbolRoot)
	action := domain.ActionClosePosition
	if ev.Kind() == domain.KindOrder {
		action = domain.ActionCancelOrders
	}
	return domain.Verdict{
		RuleID:     r.ID(),
		AccountID:  snap.AccountID,
		Outcome:    domain.OutcomeBreach,
		Action:     action,
		Reason:     reason,
		ContractID: contract,
		Lockout: &domain.LockoutIntent{
			Scope:  domain.SymbolScope(snap.AccountID, root),
			Reason: reason,
		},
	}
}

// BlockedRoot reports whether a symbol root is in the blocked set. The
// router uses this to scope symbol lockout dispatch.
func (r *symbolBlocks) BlockedRoot(root string) bool {
	return r.blocked[strings.ToUpper(root)]
}
