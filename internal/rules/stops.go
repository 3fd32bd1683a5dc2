package rules

import (
	"fmt"
	"math"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/state"
)

// protectiveSide returns the order side a protective stop must have for a
// position: sell for long, buy for short.
func protectiveSide(dir domain.Direction) domain.OrderSide {
	if dir == domain.DirectionShort {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

// HasQualifyingStop reports whether the account's working orders include
// protective stops on the position's contract, opposite side, with enough
// combined size to cover it. The router uses this to arm and cancel grace
// timers; the grace rule re-checks it on expiry.
func HasQualifyingStop(snap *state.Snapshot, pos domain.Position) bool {
	side := protectiveSide(pos.Direction)
	covered := 0
	for _, o := range snap.Orders {
		if o.ContractID != pos.ContractID || o.Side != side || !o.Type.IsProtective() {
			continue
		}
		covered += o.Size
	}
	return covered >= pos.Size
}

// noStopLossGrace fires when a grace period elapsed without a qualifying
// protective stop for the position. The timer lifecycle lives in the
// lockout manager; this rule only judges the expiry event, re-checking the
// stop so a last-moment order still averts the close.
type noStopLossGrace struct {
	grace time.Duration
}

func (r *noStopLossGrace) ID() string { return "no_stop_loss_grace" }

// GracePeriod is the configured window the router arms timers with.
func (r *noStopLossGrace) GracePeriod() time.Duration { return r.grace }

func (r *noStopLossGrace) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindGraceExpired}
}

func (r *noStopLossGrace) Evaluate(snap *state.Snapshot, ev domain.Event, _ time.Time) domain.Verdict {
	ge, ok := ev.(domain.GraceExpiredEvent)
	if !ok {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	var pos domain.Position
	found := false
	for _, p := range snap.Positions {
		if p.ID == ge.PositionID {
			pos, found = p, true
			break
		}
	}
	if !found || HasQualifyingStop(snap, pos) {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionClosePosition,
		Reason:      fmt.Sprintf("position %s has no protective stop after %s grace", pos.ID, r.grace),
		BreachValue: float64(pos.Size),
		ContractID:  pos.ContractID,
	}
}

// tradeManagement moves protective stops as a position gains: to breakeven
// once profit reaches breakevenTicks, then trailing by trailTicks once
// profit reaches trailTriggerTicks. Stops only ever tighten. This emits a
// modify_stop verdict, not an account enforcement action.
type tradeManagement struct {
	breakevenTicks    float64
	breakevenOffset   float64
	trailTriggerTicks float64
	trailTicks        float64
	env               Env
}

func (r *tradeManagement) ID() string { return "trade_management" }

func (r *tradeManagement) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindPosition, domain.KindQuote}
}

func (r *tradeManagement) Evaluate(snap *state.Snapshot, _ domain.Event, _ time.Time) domain.Verdict {
	for _, pos := range snap.Positions {
		spec, ok := snap.Specs[pos.ContractID]
		if !ok || spec.TickSize == 0 {
			continue
		}
		q, ok := snap.FreshQuote(pos.ContractID, r.env.QuoteMaxAge)
		if !ok {
			continue
		}
		if v, ok := r.adjust(snap, pos, spec, q.Last); ok {
			return v
		}
	}
	return domain.NoBreach(r.ID(), snap.AccountID)
}

func (r *tradeManagement) adjust(snap *state.Snapshot, pos domain.Position, spec domain.ContractSpec, last float64) (domain.Verdict, bool) {
	ticks := spec.ProfitTicks(pos, last)
	long := pos.Direction == domain.DirectionLong

	target, armed := 0.0, false
	if r.breakevenTicks > 0 && ticks >= r.breakevenTicks {
		offset := r.breakevenOffset * spec.TickSize
		if long {
			target, armed = pos.AvgPrice+offset, true
		} else {
			target, armed = pos.AvgPrice-offset, true
		}
	}
	if r.trailTriggerTicks > 0 && ticks >= r.trailTriggerTicks {
		trail := r.trailTicks * spec.TickSize
		var t float64
		if long {
			t = last - trail
		} else {
			t = last + trail
		}
		if !armed || tighter(long, t, target) {
			target, armed = t, true
		}
	}
	if !armed {
		return domain.Verdict{}, false
	}
	target = roundToTick(target, spec.TickSize)

	side := protectiveSide(pos.Direction)
	var current *domain.Order
	for i, o := range snap.Orders {
		if o.ContractID == pos.ContractID && o.Side == side && o.Type.IsProtective() && o.StopPrice != nil {
			current = &snap.Orders[i]
			break
		}
	}
	if current != nil && !tighter(long, target, *current.StopPrice) {
		return domain.Verdict{}, false
	}

	stop := &domain.StopIntent{
		ContractID: pos.ContractID,
		Side:       side,
		Size:       pos.Size,
		StopPrice:  target,
	}
	reason := fmt.Sprintf("position %s up %.1f ticks, placing stop at %.2f", pos.ID, ticks, target)
	if current != nil {
		stop.OrderID = current.ID
		reason = fmt.Sprintf("position %s up %.1f ticks, moving stop to %.2f", pos.ID, ticks, target)
	}
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionModifyStop,
		Reason:      reason,
		BreachValue: ticks,
		ContractID:  pos.ContractID,
		Stop:        stop,
	}, true
}

// tighter reports whether candidate protects more of the gain than current:
// higher for longs, lower for shorts.
func tighter(long bool, candidate, current float64) bool {
	if long {
		return candidate > current
	}
	return candidate < current
}

func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}
