// Package state holds the authoritative per-account in-memory state the
// rule engine evaluates against: positions, working orders, daily realized
// P&L, trade timestamps, latest quotes, and contract metadata. Every
// mutation is mirrored to the persistence contract so a restart can rebuild
// state without replaying the event history; the in-memory view is always
// authoritative for live decisions.
package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/store"
)

// tradeWindow bounds how far back per-trade timestamps are retained for the
// rolling frequency windows. Counts beyond this horizon use the session
// counter, which the daily reset clears.
const tradeWindow = time.Hour

// maxRecentOrders bounds the ring of terminal orders retained for
// detection windows.
const maxRecentOrders = 64

// SpecSource resolves contract metadata the store has not seen yet.
type SpecSource interface {
	GetContractSpec(ctx context.Context, contractID string) (domain.ContractSpec, error)
}

// Store is the guardrail's shared mutable state. Mutations for one account
// are serialized by that account's lock; different accounts proceed in
// parallel. Quotes and contract specs are global (per contract, not per
// account).
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
	quotes   map[string]domain.Quote
	specs    map[string]domain.ContractSpec
	// holders tracks, per contract, how many open positions each account
	// has. It powers quote fan-out and the no-remaining-interest signal.
	holders map[string]map[string]int

	persist    store.Persister
	specSource SpecSource
	log        *slog.Logger
	now        func() time.Time

	// onNoInterest fires when the last open position on a contract closes,
	// so the quote subscription (an external concern) can be dropped.
	onNoInterest func(contractID string)
}

type accountState struct {
	mu           sync.Mutex
	account      domain.Account
	positions    map[string]domain.Position
	orders       map[string]domain.Order
	recentOrders []domain.Order
	tradeTimes   []time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSpecSource wires an external contract-metadata lookup used when a
// contract spec is missing from the cache.
func WithSpecSource(src SpecSource) Option {
	return func(s *Store) { s.specSource = src }
}

// WithNoInterestHook registers the callback fired when no open position
// remains on a contract across all accounts.
func WithNoInterestHook(fn func(contractID string)) Option {
	return func(s *Store) { s.onNoInterest = fn }
}

// New creates an empty Store mirroring writes to the given persister.
func New(persist store.Persister, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]*accountState),
		quotes:   make(map[string]domain.Quote),
		specs:    make(map[string]domain.ContractSpec),
		holders:  make(map[string]map[string]int),
		persist:  persist,
		log:      log.With("component", "state"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// account returns the state for an account, creating it on first sight.
// Accounts are never deleted while the process runs.
func (s *Store) account(accountID string) *accountState {
	s.mu.RLock()
	st, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.accounts[accountID]; ok {
		return st
	}
	st = &accountState{
		account:   domain.Account{ID: accountID, CanTrade: true, FirstSeen: s.now()},
		positions: make(map[string]domain.Position),
		orders:    make(map[string]domain.Order),
	}
	s.accounts[accountID] = st
	return st
}

// mirror persists one entity, logging failures as warnings. The in-memory
// write has already happened and stays authoritative.
func (s *Store) mirror(ctx context.Context, accountID string, kind store.Kind, key string, entity any) {
	if err := s.persist.Save(ctx, accountID, kind, key, entity); err != nil {
		s.log.Warn("mirror write failed", "account", accountID, "kind", kind, "key", key, "error", err)
	}
}

func (s *Store) mirrorDelete(ctx context.Context, accountID string, kind store.Kind, key string) {
	if err := s.persist.Delete(ctx, accountID, kind, key); err != nil {
		s.log.Warn("mirror delete failed", "account", accountID, "kind", kind, "key", key, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// ApplyAccountStatus updates the account's trading permission. A missing
// can_trade field is treated as true (fail-open).
func (s *Store) ApplyAccountStatus(ctx context.Context, ev domain.AccountStatusEvent) {
	st := s.account(ev.AccountID)
	st.mu.Lock()
	st.account.CanTrade = ev.Allowed()
	acct := st.account
	st.mu.Unlock()

	s.mirror(ctx, ev.AccountID, store.KindAccount, ev.AccountID, acct)
}

// ApplyPosition upserts a position. A size of zero removes it; applying the
// same event twice leaves state unchanged.
func (s *Store) ApplyPosition(ctx context.Context, pos domain.Position) {
	st := s.account(pos.AccountID)

	st.mu.Lock()
	prev, existed := st.positions[pos.ID]
	if pos.Size == 0 {
		delete(st.positions, pos.ID)
	} else {
		st.positions[pos.ID] = pos
	}
	st.mu.Unlock()

	if pos.Size == 0 {
		if existed {
			s.dropHolder(prev.ContractID, pos.AccountID)
			s.mirrorDelete(ctx, pos.AccountID, store.KindPosition, pos.ID)
		}
		return
	}

	if !existed {
		s.addHolder(pos.ContractID, pos.AccountID)
	} else if prev.ContractID != pos.ContractID {
		// Contract id changed for the same position id; treat as move.
		s.dropHolder(prev.ContractID, pos.AccountID)
		s.addHolder(pos.ContractID, pos.AccountID)
	}
	s.mirror(ctx, pos.AccountID, store.KindPosition, pos.ID, pos)
}

// ApplyOrder upserts an order. Terminal orders leave active tracking but
// are retained transiently for detection windows.
func (s *Store) ApplyOrder(ctx context.Context, ord domain.Order) {
	st := s.account(ord.AccountID)

	st.mu.Lock()
	if ord.Status.Terminal() {
		delete(st.orders, ord.ID)
		st.recentOrders = append(st.recentOrders, ord)
		if len(st.recentOrders) > maxRecentOrders {
			st.recentOrders = st.recentOrders[len(st.recentOrders)-maxRecentOrders:]
		}
	} else {
		st.orders[ord.ID] = ord
	}
	st.mu.Unlock()

	if ord.Status.Terminal() {
		s.mirrorDelete(ctx, ord.AccountID, store.KindOrder, ord.ID)
		return
	}
	s.mirror(ctx, ord.AccountID, store.KindOrder, ord.ID, ord)
}

// ApplyTrade folds one trade into the daily P&L and frequency counters.
// Voided trades are ignored entirely; a nil P&L (half-turn trade) still
// counts toward frequency but not toward P&L.
func (s *Store) ApplyTrade(ctx context.Context, tr domain.Trade) {
	if tr.Voided {
		return
	}
	st := s.account(tr.AccountID)

	st.mu.Lock()
	if tr.PnL != nil {
		st.account.DailyRealizedPnL += *tr.PnL
	}
	st.account.SessionTrades++
	st.tradeTimes = append(st.tradeTimes, tr.Timestamp)
	st.pruneTradeTimes(s.now())
	acct := st.account
	st.mu.Unlock()

	s.mirror(ctx, tr.AccountID, store.KindAccount, tr.AccountID, acct)
}

// ApplyQuote records the latest quote for a contract. Quotes are global;
// no history is retained.
func (s *Store) ApplyQuote(ev domain.QuoteEvent) {
	q := ev.Quote
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = s.now()
	}
	s.mu.Lock()
	s.quotes[q.ContractID] = q
	s.mu.Unlock()
}

// ResetDaily zeroes the account's daily realized P&L and frequency
// counters. Invoked only by the daily reset scheduler.
func (s *Store) ResetDaily(ctx context.Context, accountID string) {
	st := s.account(accountID)

	st.mu.Lock()
	st.account.DailyRealizedPnL = 0
	st.account.SessionTrades = 0
	st.tradeTimes = nil
	acct := st.account
	st.mu.Unlock()

	s.mirror(ctx, accountID, store.KindAccount, accountID, acct)
	s.log.Info("daily counters reset", "account", accountID)
}

// must be called with st.mu held.
func (st *accountState) pruneTradeTimes(now time.Time) {
	cutoff := now.Add(-tradeWindow)
	i := 0
	for i < len(st.tradeTimes) && st.tradeTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		st.tradeTimes = append([]time.Time(nil), st.tradeTimes[i:]...)
	}
}

// ---------------------------------------------------------------------------
// Contract metadata
// ---------------------------------------------------------------------------

// SeedSpec caches a contract spec (from configuration or restart recovery).
func (s *Store) SeedSpec(spec domain.ContractSpec) {
	s.mu.Lock()
	s.specs[spec.ContractID] = spec
	s.mu.Unlock()
}

// Spec returns the cached spec for a contract, consulting the external
// source on a miss. A failed lookup is a data error: the caller excludes
// the affected position from aggregates rather than aborting.
func (s *Store) Spec(ctx context.Context, contractID string) (domain.ContractSpec, bool) {
	s.mu.RLock()
	spec, ok := s.specs[contractID]
	s.mu.RUnlock()
	if ok {
		return spec, true
	}
	if s.specSource == nil {
		return domain.ContractSpec{}, false
	}

	spec, err := s.specSource.GetContractSpec(ctx, contractID)
	if err != nil {
		s.log.Warn("contract spec lookup failed", "contract", contractID, "error", err)
		return domain.ContractSpec{}, false
	}
	s.mu.Lock()
	s.specs[contractID] = spec
	s.mu.Unlock()
	return spec, true
}

// ---------------------------------------------------------------------------
// Holders bookkeeping
// ---------------------------------------------------------------------------

func (s *Store) addHolder(contractID, accountID string) {
	if contractID == "" {
		return
	}
	s.mu.Lock()
	m := s.holders[contractID]
	if m == nil {
		m = make(map[string]int)
		s.holders[contractID] = m
	}
	m[accountID]++
	s.mu.Unlock()
}

func (s *Store) dropHolder(contractID, accountID string) {
	if contractID == "" {
		return
	}
	s.mu.Lock()
	m := s.holders[contractID]
	if m != nil {
		m[accountID]--
		if m[accountID] <= 0 {
			delete(m, accountID)
		}
		if len(m) == 0 {
			delete(s.holders, contractID)
		}
	}
	empty := len(m) == 0
	hook := s.onNoInterest
	s.mu.Unlock()

	if empty && hook != nil {
		hook(contractID)
	}
}

// AccountsWithContract returns the accounts holding open positions on the
// contract. Used by the router to fan quote events out cheaply.
func (s *Store) AccountsWithContract(contractID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.holders[contractID]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AccountIDs returns all accounts seen so far, sorted.
func (s *Store) AccountIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Restart recovery
// ---------------------------------------------------------------------------

// RestoreFrom rebuilds in-memory state from a persisted snapshot. It does
// not re-mirror what it loads.
func (s *Store) RestoreFrom(snap *store.SnapshotData) {
	for _, a := range snap.Accounts {
		st := s.account(a.ID)
		st.mu.Lock()
		st.account = a
		st.mu.Unlock()
	}
	for _, p := range snap.Positions {
		st := s.account(p.AccountID)
		st.mu.Lock()
		_, existed := st.positions[p.ID]
		st.positions[p.ID] = p
		st.mu.Unlock()
		if !existed {
			s.addHolder(p.ContractID, p.AccountID)
		}
	}
	for _, o := range snap.Orders {
		if o.Status.Terminal() {
			continue
		}
		st := s.account(o.AccountID)
		st.mu.Lock()
		st.orders[o.ID] = o
		st.mu.Unlock()
	}
	s.log.Info("state restored",
		"accounts", len(snap.Accounts),
		"positions", len(snap.Positions),
		"orders", len(snap.Orders))
}
