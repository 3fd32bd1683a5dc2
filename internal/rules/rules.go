// Package rules implements the risk-rule evaluators and their registry.
// Each rule is a pure function of (state snapshot, triggering event, now):
// it never mutates the state store and only returns a Verdict. Rules are
// registered in configuration order, which fixes their evaluation order per
// event kind.
package rules

import (
	"fmt"
	"time"

	"ringfence/internal/config"
	"ringfence/internal/domain"
	"ringfence/internal/state"
	"ringfence/internal/util"
)

// Rule is one risk-rule evaluator, subscribed to specific event kinds.
type Rule interface {
	ID() string
	Kinds() []domain.EventKind
	Evaluate(snap *state.Snapshot, ev domain.Event, now time.Time) domain.Verdict
}

// Env carries the shared runtime context rules need beyond their own
// configuration.
type Env struct {
	// QuoteMaxAge bounds quote staleness for unrealized-P&L rules.
	QuoteMaxAge time.Duration
	// Calendar drives the session-block rule and reset-anchored expiries.
	Calendar *util.TradingCalendar
	// ResetAt is the daily reset time of day, used to expire daily
	// lockouts at the next reset instant.
	ResetAt util.TimeOfDay
}

// untilReset returns the next daily reset instant after now, for lockouts
// that last until the session rollover.
func (e Env) untilReset(now time.Time) *time.Time {
	t := e.Calendar.NextDailyInstant(now, e.ResetAt)
	return &t
}

// Engine is the fixed rule registry built at startup from configuration.
type Engine struct {
	rules  []Rule
	byKind map[domain.EventKind][]Rule
}

// NewEngine builds the registry from enabled rule configs, preserving
// config order. Unknown rule ids are a startup error; config validation
// normally catches them first.
func NewEngine(cfgs []config.RuleConfig, env Env) (*Engine, error) {
	e := &Engine{byKind: make(map[domain.EventKind][]Rule)}
	for _, rc := range cfgs {
		if !rc.Enabled {
			continue
		}
		r, err := build(rc, env)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, r)
		for _, k := range r.Kinds() {
			e.byKind[k] = append(e.byKind[k], r)
		}
	}
	return e, nil
}

// Rules returns every registered rule in registration order.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// ForKind returns the rules subscribed to an event kind, in registration
// order.
func (e *Engine) ForKind(k domain.EventKind) []Rule {
	return e.byKind[k]
}

func build(rc config.RuleConfig, env Env) (Rule, error) {
	switch rc.ID {
	case "max_net_contracts":
		return &maxNetContracts{limit: int(rc.Limit)}, nil
	case "max_contracts_per_instrument":
		return &maxContractsPerInstrument{limit: int(rc.Limit)}, nil
	case "daily_realized_loss":
		return &dailyRealizedLoss{limit: rc.Limit, env: env}, nil
	case "daily_unrealized_loss":
		return &dailyUnrealizedLoss{limit: rc.Limit, scope: rc.Scope, lockout: rc.Lockout, env: env}, nil
	case "max_unrealized_profit":
		return &maxUnrealizedProfit{limit: rc.Limit, env: env}, nil
	case "trade_frequency":
		return &tradeFrequency{
			perMinute:  rc.PerMinute,
			perHour:    rc.PerHour,
			perSession: rc.PerSession,
			cooldown:   rc.Cooldown.Duration,
		}, nil
	case "cooldown_after_loss":
		return newCooldownAfterLoss(rc.Thresholds), nil
	case "no_stop_loss_grace":
		return &noStopLossGrace{grace: rc.Grace.Duration}, nil
	case "session_block":
		return &sessionBlock{env: env}, nil
	case "auth_loss_guard":
		return &authLossGuard{}, nil
	case "symbol_blocks":
		return newSymbolBlocks(rc.Symbols), nil
	case "trade_management":
		return &tradeManagement{
			breakevenTicks:    rc.BreakevenTicks,
			breakevenOffset:   rc.BreakevenOffset,
			trailTriggerTicks: rc.TrailTriggerTicks,
			trailTicks:        rc.TrailTicks,
			env:               env,
		}, nil
	}
	return nil, fmt.Errorf("unknown rule id %q", rc.ID)
}
