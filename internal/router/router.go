// Package router is the single entry point for normalized events. It
// updates the state store, consults the lockout manager, dispatches to the
// subscribed rules in registration order, and hands resulting verdicts to
// the enforcement coordinator. Events for different accounts are processed
// in parallel; events for the same account are strictly serialized.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/lockout"
	"ringfence/internal/rules"
	"ringfence/internal/state"
)

// VerdictSink receives every verdict that needs enforcement work.
type VerdictSink interface {
	Apply(v domain.Verdict)
}

// gracePerioder is implemented by the no-stop-loss rule; the router uses it
// to discover the configured grace window.
type gracePerioder interface {
	GracePeriod() time.Duration
}

// Router routes events through state, rules, and enforcement.
type Router struct {
	store  *state.Store
	engine *rules.Engine
	locks  *lockout.Manager
	sink   VerdictSink
	log    *slog.Logger
	now    func() time.Time

	// grace is the no-stop window; zero when the rule is disabled.
	grace     time.Duration
	tickEvery time.Duration

	mu     sync.Mutex
	queues map[string]*accountQueue
	wg     sync.WaitGroup
}

type accountQueue struct {
	pending []domain.Event
	running bool
}

// Option configures a Router.
type Option func(*Router)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithTickInterval overrides the default 5s clock-tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(r *Router) { r.tickEvery = d }
}

// New creates a Router. The lockout manager's grace callback should be
// wired to r.OnGraceExpired by the caller.
func New(st *state.Store, engine *rules.Engine, locks *lockout.Manager, sink VerdictSink, log *slog.Logger, opts ...Option) *Router {
	r := &Router{
		store:     st,
		engine:    engine,
		locks:     locks,
		sink:      sink,
		log:       log.With("component", "router"),
		now:       time.Now,
		tickEvery: 5 * time.Second,
		queues:    make(map[string]*accountQueue),
	}
	for _, rule := range engine.Rules() {
		if g, ok := rule.(gracePerioder); ok {
			r.grace = g.GracePeriod()
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route accepts one event. Account-scoped events are queued to the
// account's serial worker; quotes are applied globally and fanned out to
// every account holding the contract.
func (r *Router) Route(ev domain.Event) {
	if q, ok := ev.(domain.QuoteEvent); ok {
		r.store.ApplyQuote(q)
		for _, accountID := range r.store.AccountsWithContract(q.Quote.ContractID) {
			r.enqueue(accountID, ev)
		}
		return
	}
	accountID := domain.EventAccount(ev)
	if accountID == "" {
		r.log.Warn("dropping event without account", "kind", ev.Kind())
		return
	}
	r.enqueue(accountID, ev)
}

// OnGraceExpired converts a fired grace timer into a synthetic event on the
// account's queue. Wire it to the lockout manager's grace callback.
func (r *Router) OnGraceExpired(accountID, positionID string) {
	r.enqueue(accountID, domain.GraceExpiredEvent{AccountID: accountID, PositionID: positionID})
}

// Drain blocks until every queued event has been processed.
func (r *Router) Drain() {
	r.wg.Wait()
}

// Run emits periodic clock ticks to every known account until the context
// is cancelled, so time-based rules fire without market activity.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.now()
			for _, accountID := range r.store.AccountIDs() {
				r.enqueue(accountID, domain.ClockTickEvent{AccountID: accountID, Now: now})
			}
		}
	}
}

func (r *Router) enqueue(accountID string, ev domain.Event) {
	r.mu.Lock()
	q, ok := r.queues[accountID]
	if !ok {
		q = &accountQueue{}
		r.queues[accountID] = q
	}
	q.pending = append(q.pending, ev)
	if !q.running {
		q.running = true
		r.wg.Add(1)
		go r.drain(accountID, q)
	}
	r.mu.Unlock()
}

func (r *Router) drain(accountID string, q *accountQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			r.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		r.mu.Unlock()

		r.process(accountID, ev)
	}
}

// process applies one event for one account: state first, then grace-timer
// bookkeeping, then rule dispatch unless a lockout suppresses it.
func (r *Router) process(accountID string, ev domain.Event) {
	ctx := context.Background()

	switch e := ev.(type) {
	case domain.AccountStatusEvent:
		r.store.ApplyAccountStatus(ctx, e)
	case domain.PositionEvent:
		r.store.ApplyPosition(ctx, e.Position)
		if e.Position.Size == 0 {
			r.locks.CancelGrace(accountID, e.Position.ID)
		}
		r.tendGrace(ctx, accountID, e.Position.ContractID)
	case domain.OrderEvent:
		r.store.ApplyOrder(ctx, e.Order)
		r.tendGrace(ctx, accountID, e.Order.ContractID)
	case domain.TradeEvent:
		if e.Trade.Voided {
			return
		}
		r.store.ApplyTrade(ctx, e.Trade)
	case domain.QuoteEvent:
		// Applied globally in Route; the queue entry only triggers rules.
	}

	// An account-wide lockout suppresses rule dispatch but state above
	// stays current so reconciliation is accurate on release. Account
	// status events are exempt: the permission rule must see the restored
	// status or a revoked-auth lock could never clear.
	if lock, ok := r.locks.Active(domain.AccountScope(accountID)); ok && ev.Kind() != domain.KindAccountStatus {
		r.log.Debug("rule dispatch skipped",
			"account", accountID, "kind", ev.Kind(), "lock_reason", lock.Reason)
		return
	}

	now := r.now()
	snap := r.store.Snapshot(ctx, accountID)
	for _, rule := range r.dispatchable(ctx, accountID, ev) {
		v := rule.Evaluate(snap, ev, now)
		if v.Breached() || v.ClearScope != nil {
			r.sink.Apply(v)
		}
	}
}

// dispatchable returns the rules to run for an event. A symbol-scoped
// lockout on the event's contract narrows dispatch to the symbol rule, so
// re-opened exposure on a blocked symbol is still closed while unrelated
// rules stay quiet.
func (r *Router) dispatchable(ctx context.Context, accountID string, ev domain.Event) []rules.Rule {
	all := r.engine.ForKind(ev.Kind())
	contract := domain.EventContract(ev)
	if contract == "" {
		return all
	}
	spec, ok := r.store.Spec(ctx, contract)
	if !ok {
		return all
	}
	if !r.locks.IsLocked(domain.SymbolScope(accountID, spec.SymbolRoot)) {
		return all
	}
	var narrowed []rules.Rule
	for _, rule := range all {
		if rule.ID() == "symbol_blocks" {
			narrowed = append(narrowed, rule)
		}
	}
	return narrowed
}

// tendGrace arms or cancels grace timers for positions on a contract after
// a position or order change. A position with a qualifying protective stop
// needs no timer; one without gets a timer if none is running.
func (r *Router) tendGrace(ctx context.Context, accountID, contractID string) {
	if r.grace <= 0 {
		return
	}
	snap := r.store.Snapshot(ctx, accountID)
	for _, pos := range snap.Positions {
		if pos.ContractID != contractID {
			continue
		}
		if rules.HasQualifyingStop(snap, pos) {
			r.locks.CancelGrace(accountID, pos.ID)
		} else if r.locks.StartGrace(accountID, pos.ID, r.grace) {
			r.log.Debug("grace timer armed",
				"account", accountID, "position", pos.ID, "grace", r.grace)
		}
	}
}
