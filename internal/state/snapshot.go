package state

import (
	"context"
	"sort"
	"time"

	"ringfence/internal/domain"
)

// Snapshot is a consistent, point-in-time read of one account's state,
// built under the account lock. Rules evaluate against a Snapshot and never
// see torn reads relative to the triggering event.
type Snapshot struct {
	AccountID        string
	CanTrade         bool
	DailyRealizedPnL float64
	SessionTrades    int

	// Positions and Orders are sorted by id for deterministic iteration.
	Positions []domain.Position
	Orders    []domain.Order

	// RecentOrders holds recently terminal orders, oldest first.
	RecentOrders []domain.Order

	TradeTimes []time.Time

	// Quotes and Specs cover the contracts referenced by Positions and
	// Orders at snapshot time.
	Quotes map[string]domain.Quote
	Specs  map[string]domain.ContractSpec

	TakenAt time.Time
}

// Snapshot builds a point-in-time view of the account. Contract specs are
// resolved through the cache (and the external source on a miss) for every
// contract the account currently references.
func (s *Store) Snapshot(ctx context.Context, accountID string) *Snapshot {
	st := s.account(accountID)

	st.mu.Lock()
	snap := &Snapshot{
		AccountID:        accountID,
		CanTrade:         st.account.CanTrade,
		DailyRealizedPnL: st.account.DailyRealizedPnL,
		SessionTrades:    st.account.SessionTrades,
		Positions:        make([]domain.Position, 0, len(st.positions)),
		Orders:           make([]domain.Order, 0, len(st.orders)),
		RecentOrders:     append([]domain.Order(nil), st.recentOrders...),
		TradeTimes:       append([]time.Time(nil), st.tradeTimes...),
		TakenAt:          s.now(),
	}
	for _, p := range st.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, o := range st.orders {
		snap.Orders = append(snap.Orders, o)
	}
	st.mu.Unlock()

	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].ID < snap.Positions[j].ID })
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })

	contracts := make(map[string]bool)
	for _, p := range snap.Positions {
		contracts[p.ContractID] = true
	}
	for _, o := range snap.Orders {
		contracts[o.ContractID] = true
	}

	snap.Quotes = make(map[string]domain.Quote, len(contracts))
	snap.Specs = make(map[string]domain.ContractSpec, len(contracts))
	s.mu.RLock()
	for c := range contracts {
		if q, ok := s.quotes[c]; ok {
			snap.Quotes[c] = q
		}
	}
	s.mu.RUnlock()
	for c := range contracts {
		if spec, ok := s.Spec(ctx, c); ok {
			snap.Specs[c] = spec
		}
	}
	return snap
}

// LastQuote returns the latest quote for a contract.
func (s *Store) LastQuote(contractID string) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[contractID]
	return q, ok
}

// DailyRealizedPnL returns the account's daily realized P&L.
func (s *Store) DailyRealizedPnL(accountID string) float64 {
	st := s.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account.DailyRealizedPnL
}

// OpenPositions returns the account's open positions.
func (s *Store) OpenPositions(accountID string) []domain.Position {
	st := s.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.Position, 0, len(st.positions))
	for _, p := range st.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenOrders returns the account's non-terminal orders.
func (s *Store) OpenOrders(accountID string) []domain.Order {
	st := s.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.Order, 0, len(st.orders))
	for _, o := range st.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NetPosition returns the signed sum of position sizes for an account,
// optionally scoped to one contract ("" means all contracts).
func (s *Store) NetPosition(accountID, contractID string) int {
	st := s.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	net := 0
	for _, p := range st.positions {
		if contractID != "" && p.ContractID != contractID {
			continue
		}
		net += p.SignedSize()
	}
	return net
}

// TradesInWindow counts trades seen within the trailing duration d.
func (s *Store) TradesInWindow(accountID string, d time.Duration) int {
	st := s.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return countSince(st.tradeTimes, s.now().Add(-d))
}

// ---------------------------------------------------------------------------
// Snapshot accessors (used by rules)
// ---------------------------------------------------------------------------

// NetPosition returns the signed net size, optionally scoped to one
// contract ("" means all).
func (sn *Snapshot) NetPosition(contractID string) int {
	net := 0
	for _, p := range sn.Positions {
		if contractID != "" && p.ContractID != contractID {
			continue
		}
		net += p.SignedSize()
	}
	return net
}

// ContractSize returns the total absolute size held on one contract.
func (sn *Snapshot) ContractSize(contractID string) int {
	total := 0
	for _, p := range sn.Positions {
		if p.ContractID == contractID {
			total += p.Size
		}
	}
	return total
}

// TradesInWindow counts trades with timestamps in (ref-d, ref].
func (sn *Snapshot) TradesInWindow(ref time.Time, d time.Duration) int {
	return countSince(sn.TradeTimes, ref.Add(-d))
}

// FreshQuote returns the quote for a contract if present and not older
// than maxAge at the snapshot time.
func (sn *Snapshot) FreshQuote(contractID string, maxAge time.Duration) (domain.Quote, bool) {
	q, ok := sn.Quotes[contractID]
	if !ok || q.StaleAt(sn.TakenAt, maxAge) {
		return domain.Quote{}, false
	}
	return q, true
}

// PositionPnL computes a position's unrealized P&L from the snapshot's
// quote and spec. The second return is false when either is missing or the
// quote is stale; callers exclude such positions from aggregates.
func (sn *Snapshot) PositionPnL(pos domain.Position, maxAge time.Duration) (float64, bool) {
	spec, ok := sn.Specs[pos.ContractID]
	if !ok {
		return 0, false
	}
	q, ok := sn.FreshQuote(pos.ContractID, maxAge)
	if !ok {
		return 0, false
	}
	return spec.UnrealizedPnL(pos, q.Last), true
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
