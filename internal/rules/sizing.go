package rules

import (
	"fmt"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/state"
)

// maxNetContracts flattens the account when the absolute net position size
// across all contracts exceeds the limit.
type maxNetContracts struct {
	limit int
}

func (r *maxNetContracts) ID() string { return "max_net_contracts" }

func (r *maxNetContracts) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindPosition}
}

func (r *maxNetContracts) Evaluate(snap *state.Snapshot, _ domain.Event, _ time.Time) domain.Verdict {
	net := snap.NetPosition("")
	abs := net
	if abs < 0 {
		abs = -abs
	}
	if abs <= r.limit {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionCloseAll,
		Reason:      fmt.Sprintf("net position %d exceeds limit %d", net, r.limit),
		BreachValue: float64(net),
	}
}

// maxContractsPerInstrument closes positions on one contract when its total
// size exceeds the per-instrument limit. Only the triggering contract is
// checked; other contracts get their own events.
type maxContractsPerInstrument struct {
	limit int
}

func (r *maxContractsPerInstrument) ID() string { return "max_contracts_per_instrument" }

func (r *maxContractsPerInstrument) Kinds() []domain.EventKind {
	return []domain.EventKind{domain.KindPosition}
}

func (r *maxContractsPerInstrument) Evaluate(snap *state.Snapshot, ev domain.Event, _ time.Time) domain.Verdict {
	contract := domain.EventContract(ev)
	if contract == "" {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	size := snap.ContractSize(contract)
	if size <= r.limit {
		return domain.NoBreach(r.ID(), snap.AccountID)
	}
	return domain.Verdict{
		RuleID:      r.ID(),
		AccountID:   snap.AccountID,
		Outcome:     domain.OutcomeBreach,
		Action:      domain.ActionClosePosition,
		Reason:      fmt.Sprintf("%d contracts on %s exceed per-instrument limit %d", size, contract, r.limit),
		BreachValue: float64(size),
		ContractID:  contract,
	}
}
