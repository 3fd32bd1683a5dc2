package rules

import (
	"fmt"
	"sort"
	"time"

	"ringfence/internal/config"
	"ringfence/internal/domain"
	"ringfence/internal/state"
)

// tradeFrequency imposes a cooldown when trade counts exceed a limit in a
// rolling 60s, rolling 3600s, or whole-session window. A window with a
// zero limit is disabled.
type tradeFrequency struct {
	perMinute  int
	perHour    int
	perSession int
	cooldown   time.Duration
}

func (r *tradeFrequency) ID() string { return "trade_frequency" }

func (r *tradeFrequency) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindTrade}
}

func (r *tradeFrequency) Evaluate(snap *state.Snapshot, _ domain.Event, now time.Time) domain.Verdict {
	var window string
	var count, limit int
	switch {
	case r.perMinute > 0 && snap.TradesInWindow(now, time.Minute) > r.perMinute:
		window, count, limit = "60s", snap.TradesInWindow(now, time.Minute), r.perMinute
	case r.perHour > 0 && snap.TradesInWindow(now, time.Hour) > r.perHour:
		window, count, limit = "3600s", snap.TradesInWindow(now, time.Hour), r.perHour
	case r.perSession > 0 && snap.SessionTrades > r.perSession:
		window, count, limit = "session", snap.SessionTrades, r.perSession
	default:
		return domain.NoBreach(r.ID(), snap.AccountID)
	}

	reason := fmt.Sprintf("%d trades in %s window exceed limit %d", count, window, limit)
	expires := now.Add(r.cooldown)
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionSetCooldown,
		Reason:      reason,
		BreachValue: float64(count),
		Lockout: &domain.LockoutIntent{
			Scope:     domain.CooldownScope(snap.AccountID, "trade_frequency"),
			Reason:    reason,
			ExpiresAt: &expires,
		},
	}
}

// cooldownAfterLoss imposes a cooldown sized by how bad a single losing
// trade was. The ladder is sorted by threshold; the largest-magnitude
// threshold the trade's P&L still reaches selects the duration.
type cooldownAfterLoss struct {
	ladder []config.LossThreshold
}

func newCooldownAfterLoss(thresholds []config.LossThreshold) *cooldownAfterLoss {
	ladder := append([]config.LossThreshold(nil), thresholds...)
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].PnL < ladder[j].PnL })
	return &cooldownAfterLoss{ladder: ladder}
}

func (r *cooldownAfterLoss) ID() string { return "cooldown_after_loss" }

func (r *cooldownAfterLoss) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindTrade}
}

func (r *cooldownAfterLoss) Evaluate(snap *state.Snapshot, ev domain.Event, now time.Time) domain.Verdict {
	te, ok := ev.(domain.TradeEvent)
	if !ok || te.Trade.PnL == nil {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	pnl := *te.Trade.PnL

	// Ladder is ascending (most negative first); the first threshold the
	// loss reaches is the deepest match.
	for _, t := range r.ladder {
		if pnl > t.PnL {
			continue
		}
		reason := fmt.Sprintf("trade %s lost %.2f, at or past threshold %.2f", te.Trade.ID, pnl, t.PnL)
		expires := now.Add(t.Duration.Duration)
		return domain.Verdict{
			RuleID:      r.ID(),
			AccountID:   snap.AccountID,
			Outcome:     domain.OutcomeBreach,
			Action:      domain.ActionSetCooldown,
			Reason:      reason,
			BreachValue: pnl,
			Lockout: &domain.LockoutIntent{
				Scope:     domain.CooldownScope(snap.AccountID, "after_loss"),
				Reason:    reason,
				ExpiresAt: &expires,
			},
		}
	}
	return domain.NoBreach(r.ID(), snap.AccountID)
}
