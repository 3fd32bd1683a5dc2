package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ringfence/internal/broker"
	"ringfence/internal/domain"
	"ringfence/internal/lockout"
	"ringfence/internal/store"
	"ringfence/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testLocks() *lockout.Manager {
	policies := lockout.Policies{
		Account:  lockout.PolicyReplaceIfLonger,
		Symbol:   lockout.PolicyReplaceIfLonger,
		Cooldown: lockout.PolicyAlwaysExtend,
	}
	return lockout.New(policies, store.Nop{}, testLogger())
}

// countingActions tracks concurrent in-flight calls to verify per-account
// serialization.
type countingActions struct {
	*broker.SimulatorActions
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (a *countingActions) CloseAllPositions(ctx context.Context, accountID string) error {
	cur := a.inFlight.Add(1)
	for {
		max := a.maxSeen.Load()
		if cur <= max || a.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(a.delay)
	a.inFlight.Add(-1)
	return a.SimulatorActions.CloseAllPositions(ctx, accountID)
}

// memAudit collects audit records in memory.
type memAudit struct {
	mu   sync.Mutex
	recs []store.AuditRecord
}

func (m *memAudit) WriteAudit(_ context.Context, rec store.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memAudit) records() []store.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.AuditRecord(nil), m.recs...)
}

func breachCloseAll(account string) domain.Verdict {
	return domain.Verdict{
		RuleID:    "daily_realized_loss",
		AccountID: account,
		Outcome:   domain.OutcomeBreach,
		Action:    domain.ActionCloseAll,
		Reason:    "limit reached",
	}
}

func TestAtMostOneEnforcementInFlight(t *testing.T) {
	sim := broker.NewSimulatorActions(testLogger())
	actions := &countingActions{SimulatorActions: sim, delay: 5 * time.Millisecond}
	audit := &memAudit{}
	c := New(actions, testLocks(), audit, testLogger(),
		WithRetry(1, time.Millisecond, time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Apply(breachCloseAll("acct-1"))
		}()
	}
	wg.Wait()
	c.Drain()

	if got := actions.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent enforcement = %d, want 1", got)
	}
	if got := len(audit.records()); got != 8 {
		t.Fatalf("audit records = %d, want 8 (verdicts queued, not dropped)", got)
	}
}

func TestDifferentAccountsRunInParallel(t *testing.T) {
	sim := broker.NewSimulatorActions(testLogger())
	audit := &memAudit{}
	c := New(sim, testLocks(), audit, testLogger(),
		WithRetry(1, time.Millisecond, time.Second))

	for i := 0; i < 4; i++ {
		c.Apply(breachCloseAll(fmt.Sprintf("acct-%d", i)))
	}
	c.Drain()

	if got := len(sim.Calls()); got != 4 {
		t.Fatalf("calls = %d, want 4", got)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	sim := broker.NewSimulatorActions(testLogger())
	var attempts atomic.Int32
	sim.Fail = func(op string) error {
		if attempts.Add(1) < 3 {
			return errors.New("gateway timeout")
		}
		return nil
	}
	audit := &memAudit{}
	c := New(sim, testLocks(), audit, testLogger(),
		WithRetry(3, time.Millisecond, time.Second))

	c.Apply(breachCloseAll("acct-1"))
	c.Drain()

	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	recs := audit.records()
	if len(recs) != 1 || recs[0].Outcome != "ok" {
		t.Fatalf("audit = %+v, want one ok record", recs)
	}
	if recs[0].ID == "" {
		t.Fatal("audit record must carry an id")
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	sim := broker.NewSimulatorActions(testLogger())
	var attempts atomic.Int32
	sim.Fail = func(string) error {
		attempts.Add(1)
		return fmt.Errorf("invalid credentials: %w", util.ErrPermanent)
	}
	audit := &memAudit{}
	c := New(sim, testLocks(), audit, testLogger(),
		WithRetry(3, time.Millisecond, time.Second))

	c.Apply(breachCloseAll("acct-1"))
	c.Drain()

	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (permanent errors stop retries)", got)
	}
	recs := audit.records()
	if len(recs) != 1 || recs[0].Outcome != "failed" || recs[0].Error == "" {
		t.Fatalf("audit = %+v, want one failed record with error", recs)
	}
}

func TestLockoutAppliedEvenWhenActionFails(t *testing.T) {
	sim := broker.NewSimulatorActions(testLogger())
	sim.Fail = func(string) error { return errors.New("exchange down") }
	locks := testLocks()
	c := New(sim, locks, &memAudit{}, testLogger(),
		WithRetry(2, time.Millisecond, time.Second))

	v := breachCloseAll("acct-1")
	exp := time.Now().Add(time.Hour)
	v.Lockout = &domain.LockoutIntent{
		Scope:     domain.AccountScope("acct-1"),
		Reason:    "limit reached",
		ExpiresAt: &exp,
		Daily:     true,
	}
	c.Apply(v)
	c.Drain()

	if !locks.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("lockout must be installed despite the action failure")
	}
}

func TestClearScopeReleasesLock(t *testing.T) {
	locks := testLocks()
	locks.Set(context.Background(), domain.AccountScope("acct-1"), "trading permission revoked", nil, false)

	c := New(broker.NewSimulatorActions(testLogger()), locks, &memAudit{}, testLogger(),
		WithRetry(1, time.Millisecond, time.Second))

	v := domain.NoBreach("auth_loss_guard", "acct-1")
	scope := domain.AccountScope("acct-1")
	v.ClearScope = &scope
	c.Apply(v)
	c.Drain()

	if locks.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("clear-scope verdict must release the lock")
	}
}

func TestModifyStopRoutesToPlaceOrModify(t *testing.T) {
	sim := broker.NewSimulatorActions(testLogger())
	c := New(sim, testLocks(), &memAudit{}, testLogger(),
		WithRetry(1, time.Millisecond, time.Second))

	v := domain.Verdict{
		RuleID:    "trade_management",
		AccountID: "acct-1",
		Outcome:   domain.OutcomeBreach,
		Action:    domain.ActionModifyStop,
		Stop: &domain.StopIntent{
			ContractID: "CON.NQ", Side: domain.OrderSideSell, Size: 2, StopPrice: 21000.50,
		},
	}
	c.Apply(v)

	moved := v
	moved.Stop = &domain.StopIntent{OrderID: "o1", ContractID: "CON.NQ", Side: domain.OrderSideSell, Size: 2, StopPrice: 21010}
	c.Apply(moved)
	c.Drain()

	calls := sim.Calls()
	if len(calls) != 2 || calls[0].Op != "place_order" || calls[1].Op != "modify_order" {
		t.Fatalf("calls = %+v, want place_order then modify_order", calls)
	}
}
