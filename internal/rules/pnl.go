package rules

import (
	"fmt"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/state"
)

// dailyRealizedLoss flattens and locks the account until the daily reset
// once cumulative realized P&L reaches the configured loss limit. The
// comparison is inclusive: hitting the exact limit breaches.
type dailyRealizedLoss struct {
	limit float64
	env   Env
}

func (r *dailyRealizedLoss) ID() string { return "daily_realized_loss" }

func (r *dailyRealizedLoss) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindTrade}
}

func (r *dailyRealizedLoss) Evaluate(snap *state.Snapshot, _ domain.Event, now time.Time) domain.Verdict {
	pnl := snap.DailyRealizedPnL
	if pnl > -r.limit {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	reason := fmt.Sprintf("daily realized loss %.2f reached limit -%.2f", pnl, r.limit)
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionCloseAll,
		Reason:      reason,
		BreachValue: pnl,
		Lockout: &domain.LockoutIntent{
			Scope:     domain.AccountScope(snap.AccountID),
			Reason:    reason,
			ExpiresAt: r.env.untilReset(now),
			Daily:     true,
		},
	}
}

// dailyUnrealizedLoss watches open-position P&L against a loss limit, per
// position or in total depending on scope. Positions without a fresh quote
// or a known contract spec are excluded from the calculation, never zeroed.
type dailyUnrealizedLoss struct {
	limit   float64
	scope   string // "per_position" or "total"
	lockout bool
	env     Env
}

func (r *dailyUnrealizedLoss) ID() string { return "daily_unrealized_loss" }

func (r *dailyUnrealizedLoss) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindPosition, domain.KindQuote}
}

func (r *dailyUnrealizedLoss) Evaluate(snap *state.Snapshot, _ domain.Event, now time.Time) domain.Verdict {
	if r.scope == "per_position" {
		for _, pos := range snap.Positions {
			pnl, ok := snap.PositionPnL(pos, r.env.QuoteMaxAge)
			if !ok || pnl > -r.limit {
				continue
			}
			return r.breach(snap.AccountID, pos.ContractID,
				fmt.Sprintf("position %s unrealized loss %.2f reached limit -%.2f", pos.ID, pnl, r.limit),
				pnl, domain.ActionClosePosition, now)
		}
		return domain.NoBreach(r.ID(), snap.AccountID)
	}

	total := 0.0
	counted := 0
	for _, pos := range snap.Positions {
		if pnl, ok := snap.PositionPnL(pos, r.env.QuoteMaxAge); ok {
			total += pnl
			counted++
		}
	}
	if counted == 0 || total > -r.limit {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	return r.breach(snap.AccountID, "",
		fmt.Sprintf("total unrealized loss %.2f reached limit -%.2f", total, r.limit),
		total, domain.ActionCloseAll, now)
}

func (r *dailyUnrealizedLoss) breach(accountID, contractID, reason string, pnl float64, action domain.ActionType, now time.Time) domain.Verdict {
	v := domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   accountID,
		Outcome:     domain.OutcomeBreach,
		Action:      action,
		Reason:      reason,
		BreachValue: pnl,
		ContractID:  contractID,
	}
	if r.lockout {
		v.Lockout = &domain.LockoutIntent{
			Scope:     domain.AccountScope(accountID),
			Reason:    reason,
			ExpiresAt: r.env.untilReset(now),
			Daily:     true,
		}
	}
	return v
}

// maxUnrealizedProfit locks in gains: once total unrealized profit reaches
// the limit, the account is flattened and locked until the daily reset.
type maxUnrealizedProfit struct {
	limit float64
	env   Env
}

func (r *maxUnrealizedProfit) ID() string { return "max_unrealized_profit" }

func (r *maxUnrealizedProfit) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindPosition, domain.KindQuote}
}

func (r *maxUnrealizedProfit) Evaluate(snap *state.Snapshot, _ domain.Event, now time.Time) domain.Verdict {
	total := 0.0
	counted := 0
	for _, pos := range snap.Positions {
		if pnl, ok := snap.PositionPnL(pos, r.env.QuoteMaxAge); ok {
			total += pnl
			counted++
		}
	}
	if counted == 0 || total < r.limit {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	reason := fmt.Sprintf("unrealized profit %.2f reached target %.2f", total, r.limit)
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionCloseAll,
		Reason:      reason,
		BreachValue: total,
		Lockout: &domain.LockoutIntent{
			Scope:     domain.AccountScope(snap.AccountID),
			Reason:    reason,
			ExpiresAt: r.env.untilReset(now),
			Daily:     true,
		},
	}
}
