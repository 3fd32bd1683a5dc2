package router

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ringfence/internal/config"
	"ringfence/internal/domain"
	"ringfence/internal/lockout"
	"ringfence/internal/rules"
	"ringfence/internal/state"
	"ringfence/internal/store"
	"ringfence/internal/util"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// collectSink records verdicts handed to enforcement.
type collectSink struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
}

func (s *collectSink) Apply(v domain.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v)
}

func (s *collectSink) all() []domain.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Verdict(nil), s.verdicts...)
}

func (s *collectSink) byRule(ruleID string) []domain.Verdict {
	var out []domain.Verdict
	for _, v := range s.all() {
		if v.RuleID == ruleID {
			out = append(out, v)
		}
	}
	return out
}

type fixture struct {
	router *Router
	store  *state.Store
	locks  *lockout.Manager
	sink   *collectSink
	clock  *fixedClock
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, ruleCfgs []config.RuleConfig) *fixture {
	t.Helper()
	clock := &fixedClock{t: testNow}
	log := testLogger()

	st := state.New(store.Nop{}, log, state.WithClock(clock.Now))
	st.SeedSpec(domain.ContractSpec{ContractID: "CON.NQ", TickSize: 0.25, TickValue: 0.50, SymbolRoot: "NQ"})
	st.SeedSpec(domain.ContractSpec{ContractID: "CON.ES", TickSize: 0.25, TickValue: 12.50, SymbolRoot: "ES"})

	open, _ := util.ParseTimeOfDay("08:30")
	close, _ := util.ParseTimeOfDay("15:00")
	cal, err := util.NewTradingCalendar("UTC", open, close, nil, nil)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	reset, _ := util.ParseTimeOfDay("17:00")
	env := rules.Env{QuoteMaxAge: 30 * time.Second, Calendar: cal, ResetAt: reset}

	engine, err := rules.NewEngine(ruleCfgs, env)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	locks := lockout.New(lockout.Policies{
		Account:  lockout.PolicyReplaceIfLonger,
		Symbol:   lockout.PolicyReplaceIfLonger,
		Cooldown: lockout.PolicyAlwaysExtend,
	}, store.Nop{}, log, lockout.WithClock(clock.Now))

	sink := &collectSink{}
	r := New(st, engine, locks, sink, log, WithClock(clock.Now))
	return &fixture{router: r, store: st, locks: locks, sink: sink, clock: clock}
}

func position(id string, size int, price float64) domain.PositionEvent {
	return domain.PositionEvent{Position: domain.Position{
		ID: id, AccountID: "acct-1", ContractID: "CON.NQ",
		Direction: domain.DirectionLong, Size: size, AvgPrice: price,
		OpenedAt: testNow,
	}}
}

func quote(contract string, last float64, at time.Time) domain.QuoteEvent {
	return domain.QuoteEvent{Quote: domain.Quote{
		ContractID: contract, Last: last, Timestamp: at, ReceivedAt: at,
	}}
}

// Position opens Long 2 @ 21000, quote drops to 20700: unrealized P&L is
// -1200, breaching a -300 per-position limit with close and no lockout.
func TestUnrealizedLossScenario(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "daily_unrealized_loss", Enabled: true, Limit: 300, Scope: "per_position"},
	})

	f.router.Route(position("p1", 2, 21000))
	f.router.Route(quote("CON.NQ", 20700, f.clock.Now()))
	f.router.Drain()

	vs := f.sink.byRule("daily_unrealized_loss")
	if len(vs) == 0 {
		t.Fatal("expected an unrealized-loss breach")
	}
	v := vs[0]
	if v.Action != domain.ActionClosePosition || v.ContractID != "CON.NQ" {
		t.Fatalf("verdict = %+v, want close_position on CON.NQ", v)
	}
	if v.BreachValue != -1200 {
		t.Fatalf("breach value = %v, want -1200", v.BreachValue)
	}
	if v.Lockout != nil {
		t.Fatal("lockout:false rule must not request a lockout")
	}
}

// Fourth trade in a rolling 60s window with per_minute limit 3 triggers a
// cooldown; a trade 61s after the first no longer counts.
func TestTradeFrequencyScenario(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "trade_frequency", Enabled: true, PerMinute: 3, Cooldown: config.Duration{Duration: 5 * time.Minute}},
	})

	trade := func(id string) domain.TradeEvent {
		return domain.TradeEvent{Trade: domain.Trade{
			ID: id, AccountID: "acct-1", ContractID: "CON.NQ", Timestamp: f.clock.Now(),
		}}
	}

	for i, id := range []string{"t1", "t2", "t3"} {
		f.router.Route(trade(id))
		f.router.Drain()
		if got := len(f.sink.all()); got != 0 {
			t.Fatalf("trade %d: verdicts = %d, want 0", i+1, got)
		}
		f.clock.Advance(10 * time.Second)
	}

	f.router.Route(trade("t4"))
	f.router.Drain()
	vs := f.sink.byRule("trade_frequency")
	if len(vs) != 1 || vs[0].Action != domain.ActionSetCooldown {
		t.Fatalf("4th trade in 60s: verdicts = %+v, want one cooldown", vs)
	}

	// 75s after t1: t1 and t2 have aged out of the rolling window, leaving
	// t3, t4, and t5 — at the limit, no new breach.
	f.clock.Advance(45 * time.Second)
	f.router.Route(trade("t5"))
	f.router.Drain()
	if got := len(f.sink.byRule("trade_frequency")); got != 1 {
		t.Fatalf("verdicts = %d, want 1 (aged-out trades must not count)", got)
	}
}

func TestAccountLockoutSkipsRulesButUpdatesState(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "max_net_contracts", Enabled: true, Limit: 1},
	})
	f.locks.Set(context.Background(), domain.AccountScope("acct-1"), "daily loss", nil, true)

	f.router.Route(position("p1", 5, 21000))
	f.router.Drain()

	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("locked account produced %d verdicts, want 0", got)
	}
	if got := f.store.NetPosition("acct-1", ""); got != 5 {
		t.Fatalf("state not updated under lockout: net = %d, want 5", got)
	}

	// Releasing the lock resumes dispatch on the next event.
	f.locks.Clear(context.Background(), domain.AccountScope("acct-1"))
	f.router.Route(position("p1", 5, 21000))
	f.router.Drain()
	if got := len(f.sink.byRule("max_net_contracts")); got != 1 {
		t.Fatalf("after release: verdicts = %d, want 1", got)
	}
}

func TestSymbolLockoutNarrowsDispatch(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "symbol_blocks", Enabled: true, Symbols: []string{"NQ"}},
		{ID: "max_net_contracts", Enabled: true, Limit: 1},
	})
	f.locks.Set(context.Background(), domain.SymbolScope("acct-1", "NQ"), "blocked symbol", nil, false)

	// Oversized position on the locked symbol: only symbol_blocks fires.
	f.router.Route(position("p1", 5, 21000))
	f.router.Drain()
	if got := len(f.sink.byRule("max_net_contracts")); got != 0 {
		t.Fatalf("net-contracts rule ran on symbol-locked contract: %d verdicts", got)
	}
	if got := len(f.sink.byRule("symbol_blocks")); got != 1 {
		t.Fatalf("symbol rule verdicts = %d, want 1", got)
	}

	// Events on other symbols dispatch normally.
	f.router.Route(domain.PositionEvent{Position: domain.Position{
		ID: "p2", AccountID: "acct-1", ContractID: "CON.ES",
		Direction: domain.DirectionLong, Size: 3, AvgPrice: 5000,
	}})
	f.router.Drain()
	if got := len(f.sink.byRule("max_net_contracts")); got != 1 {
		t.Fatalf("ES event should reach net-contracts rule, got %d verdicts", got)
	}

	// A spec carrying a lowercase root must still match the lock key.
	f.store.SeedSpec(domain.ContractSpec{ContractID: "CON.NQM", TickSize: 0.25, TickValue: 0.50, SymbolRoot: "nq"})
	f.router.Route(domain.PositionEvent{Position: domain.Position{
		ID: "p3", AccountID: "acct-1", ContractID: "CON.NQM",
		Direction: domain.DirectionLong, Size: 5, AvgPrice: 21000,
	}})
	f.router.Drain()
	if got := len(f.sink.byRule("max_net_contracts")); got != 1 {
		t.Fatalf("lowercase-root contract escaped the symbol lock: %d net-contracts verdicts", got)
	}
	if got := len(f.sink.byRule("symbol_blocks")); got != 2 {
		t.Fatalf("symbol rule verdicts = %d, want 2", got)
	}
}

// A revoked permission locks the account indefinitely; the restored status
// must still reach the permission rule while the lock is active, or the
// release verdict could never be produced.
func TestAuthRestoreReleasesLockedAccount(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "auth_loss_guard", Enabled: true},
		{ID: "max_net_contracts", Enabled: true, Limit: 1},
	})
	status := func(allowed bool) domain.AccountStatusEvent {
		return domain.AccountStatusEvent{AccountID: "acct-1", CanTrade: &allowed, Timestamp: f.clock.Now()}
	}

	f.router.Route(status(false))
	f.router.Drain()
	vs := f.sink.byRule("auth_loss_guard")
	if len(vs) != 1 || vs[0].Lockout == nil || vs[0].Lockout.ExpiresAt != nil {
		t.Fatalf("revoked permission: verdicts = %+v, want one breach with indefinite lockout", vs)
	}
	// Install the lock as the coordinator would.
	f.locks.Set(context.Background(), vs[0].Lockout.Scope, vs[0].Lockout.Reason, nil, false)

	// Unrelated events stay suppressed under the lock.
	f.router.Route(position("p1", 5, 21000))
	f.router.Drain()
	if got := len(f.sink.byRule("max_net_contracts")); got != 0 {
		t.Fatalf("locked account dispatched %d net-contracts verdicts, want 0", got)
	}

	f.router.Route(status(true))
	f.router.Drain()
	var cleared bool
	for _, v := range f.sink.byRule("auth_loss_guard") {
		if v.ClearScope != nil {
			if *v.ClearScope != domain.AccountScope("acct-1") {
				t.Fatalf("ClearScope = %+v, want account-wide", *v.ClearScope)
			}
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("restored permission produced no release verdict")
	}
}

func TestGraceTimerLifecycle(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "no_stop_loss_grace", Enabled: true, Grace: config.Duration{Duration: 30 * time.Second}},
	})
	// Route fired grace timers back in as synthetic events.
	f.locks = relinkGrace(f)

	f.router.Route(position("p1", 2, 21000))
	f.router.Drain()
	if !f.locks.GraceArmed("acct-1", "p1") {
		t.Fatal("opening without a stop must arm the grace timer")
	}

	// A qualifying stop cancels the timer.
	f.router.Route(domain.OrderEvent{Order: domain.Order{
		ID: "o1", AccountID: "acct-1", ContractID: "CON.NQ",
		Type: domain.OrderTypeStop, Side: domain.OrderSideSell, Size: 2,
		Status: domain.OrderStatusWorking,
	}})
	f.router.Drain()
	if f.locks.GraceArmed("acct-1", "p1") {
		t.Fatal("qualifying stop must cancel the grace timer")
	}
	f.clock.Advance(time.Minute)
	f.locks.Sweep(context.Background())
	f.router.Drain()
	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("cancelled timer produced %d verdicts, want 0", got)
	}

	// Cancelling the stop re-arms; expiry then breaches.
	f.router.Route(domain.OrderEvent{Order: domain.Order{
		ID: "o1", AccountID: "acct-1", ContractID: "CON.NQ",
		Type: domain.OrderTypeStop, Side: domain.OrderSideSell, Size: 2,
		Status: domain.OrderStatusCancelled,
	}})
	f.router.Drain()
	if !f.locks.GraceArmed("acct-1", "p1") {
		t.Fatal("losing the stop must re-arm the grace timer")
	}
	f.clock.Advance(time.Minute)
	f.locks.Sweep(context.Background())
	f.router.Drain()

	vs := f.sink.byRule("no_stop_loss_grace")
	if len(vs) != 1 || vs[0].Action != domain.ActionClosePosition || vs[0].ContractID != "CON.NQ" {
		t.Fatalf("expired grace: verdicts = %+v, want one close_position", vs)
	}
}

// relinkGrace rebuilds the fixture's lockout manager with its grace
// callback wired to the router, which New cannot do because the two
// reference each other.
func relinkGrace(f *fixture) *lockout.Manager {
	locks := lockout.New(lockout.Policies{
		Account:  lockout.PolicyReplaceIfLonger,
		Symbol:   lockout.PolicyReplaceIfLonger,
		Cooldown: lockout.PolicyAlwaysExtend,
	}, store.Nop{}, testLogger(),
		lockout.WithClock(f.clock.Now),
		lockout.WithGraceCallback(f.router.OnGraceExpired))
	f.router.locks = locks
	return locks
}

func TestQuoteFanOutOnlyToHolders(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "daily_unrealized_loss", Enabled: true, Limit: 300, Scope: "per_position"},
	})

	// acct-1 holds NQ; acct-2 holds ES.
	f.router.Route(position("p1", 2, 21000))
	f.router.Route(domain.PositionEvent{Position: domain.Position{
		ID: "p2", AccountID: "acct-2", ContractID: "CON.ES",
		Direction: domain.DirectionLong, Size: 1, AvgPrice: 5000,
	}})
	f.router.Drain()

	f.router.Route(quote("CON.NQ", 20700, f.clock.Now()))
	f.router.Drain()

	for _, v := range f.sink.all() {
		if v.AccountID != "acct-1" {
			t.Fatalf("NQ quote reached %s, want only the NQ holder", v.AccountID)
		}
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("verdicts = %d, want 1", got)
	}
}

func TestVoidedTradeIgnored(t *testing.T) {
	f := newFixture(t, []config.RuleConfig{
		{ID: "trade_frequency", Enabled: true, PerMinute: 1, Cooldown: config.Duration{Duration: time.Minute}},
	})
	pnl := -50.0
	for i := 0; i < 5; i++ {
		f.router.Route(domain.TradeEvent{Trade: domain.Trade{
			ID: "t" + string(rune('0'+i)), AccountID: "acct-1", ContractID: "CON.NQ",
			PnL: &pnl, Timestamp: f.clock.Now(), Voided: true,
		}})
	}
	f.router.Drain()
	if got := len(f.sink.all()); got != 0 {
		t.Fatalf("voided trades produced %d verdicts, want 0", got)
	}
	if got := f.store.DailyRealizedPnL("acct-1"); got != 0 {
		t.Fatalf("voided trades changed P&L: %v", got)
	}
}
