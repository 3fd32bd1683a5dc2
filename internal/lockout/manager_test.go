package lockout

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func defaultPolicies() Policies {
	return Policies{
		Account:  PolicyReplaceIfLonger,
		Symbol:   PolicyReplaceIfLonger,
		Cooldown: PolicyAlwaysExtend,
	}
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(defaultPolicies(), store.Nop{}, testLogger(), opts...), clock
}

func TestSetAndExpiry(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	exp := clock.Now().Add(10 * time.Minute)
	m.Set(ctx, domain.AccountScope("acct-1"), "daily loss limit", &exp, true)

	if !m.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("account should be locked")
	}
	clock.Advance(11 * time.Minute)
	if m.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("lock should have expired lazily")
	}
}

func TestReplaceIfLongerKeepsLongerLock(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	scope := domain.AccountScope("acct-1")

	long := clock.Now().Add(900 * time.Second)
	m.Set(ctx, scope, "first breach", &long, false)

	// A shorter lockout must not shorten the active one.
	short := clock.Now().Add(300 * time.Second)
	got := m.Set(ctx, scope, "second breach", &short, false)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(long) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, long)
	}

	longer := clock.Now().Add(1800 * time.Second)
	got = m.Set(ctx, scope, "third breach", &longer, false)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(longer) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, longer)
	}
}

func TestReplaceIfLongerIndefiniteWins(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	scope := domain.SymbolScope("acct-1", "NQ")

	exp := clock.Now().Add(time.Hour)
	m.Set(ctx, scope, "timed block", &exp, false)
	got := m.Set(ctx, scope, "permanent block", nil, false)
	if got.ExpiresAt != nil {
		t.Fatalf("expiry = %v, want indefinite", got.ExpiresAt)
	}
	clock.Advance(48 * time.Hour)
	if !m.IsLocked(scope) {
		t.Fatal("indefinite lock should never expire")
	}
}

func TestAlwaysExtendAccumulates(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	scope := domain.CooldownScope("acct-1", "after_loss")

	first := clock.Now().Add(5 * time.Minute)
	m.Set(ctx, scope, "losing trade", &first, false)

	second := clock.Now().Add(5 * time.Minute)
	got := m.Set(ctx, scope, "losing trade", &second, false)
	want := clock.Now().Add(10 * time.Minute)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, want)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	exp := clock.Now().Add(time.Hour)
	m.Set(ctx, domain.SymbolScope("acct-1", "NQ"), "blocked symbol", nil, false)
	m.Set(ctx, domain.CooldownScope("acct-1", "after_loss"), "cooldown", &exp, false)

	if m.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("symbol and cooldown locks must not imply an account lock")
	}
	if got := len(m.ActiveFor("acct-1")); got != 2 {
		t.Fatalf("active lockouts = %d, want 2", got)
	}
}

func TestSweepFiresExpiryCallback(t *testing.T) {
	var fired []string
	m, clock := newTestManager(t, WithExpiryCallback(func(l domain.Lockout) {
		fired = append(fired, l.Scope.Key())
	}))
	ctx := context.Background()

	exp := clock.Now().Add(time.Minute)
	m.Set(ctx, domain.AccountScope("acct-1"), "cooldown", &exp, false)
	m.Set(ctx, domain.AccountScope("acct-2"), "permanent", nil, false)

	m.Sweep(ctx)
	if len(fired) != 0 {
		t.Fatalf("premature expiry callbacks: %v", fired)
	}
	clock.Advance(2 * time.Minute)
	m.Sweep(ctx)
	if len(fired) != 1 || fired[0] != "acct-1" {
		t.Fatalf("fired = %v, want [acct-1]", fired)
	}
	if !m.IsLocked(domain.AccountScope("acct-2")) {
		t.Fatal("indefinite lock must survive the sweep")
	}
}

func TestClearDailyLeavesOtherLocks(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	exp := clock.Now().Add(8 * time.Hour)
	m.Set(ctx, domain.AccountScope("acct-1"), "daily loss", &exp, true)
	m.Set(ctx, domain.SymbolScope("acct-1", "CL"), "blocked symbol", nil, false)
	m.Set(ctx, domain.AccountScope("acct-2"), "daily loss", &exp, true)

	m.ClearDaily(ctx, "acct-1")

	if m.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("daily account lock should be cleared")
	}
	if !m.IsLocked(domain.SymbolScope("acct-1", "CL")) {
		t.Fatal("symbol block must survive the daily reset")
	}
	if !m.IsLocked(domain.AccountScope("acct-2")) {
		t.Fatal("other accounts must be untouched")
	}
}

func TestGraceTimerFiresOnce(t *testing.T) {
	var fired int
	m, clock := newTestManager(t, WithGraceCallback(func(account, position string) {
		if account != "acct-1" || position != "pos-9" {
			t.Errorf("callback got (%s, %s)", account, position)
		}
		fired++
	}))
	ctx := context.Background()

	if !m.StartGrace("acct-1", "pos-9", 30*time.Second) {
		t.Fatal("first arm should succeed")
	}
	if m.StartGrace("acct-1", "pos-9", time.Hour) {
		t.Fatal("re-arming a running timer must be a no-op")
	}

	clock.Advance(31 * time.Second)
	m.Sweep(ctx)
	m.Sweep(ctx)
	if fired != 1 {
		t.Fatalf("grace callback fired %d times, want 1", fired)
	}
}

func TestCancelGraceBeforeFire(t *testing.T) {
	var fired int
	m, clock := newTestManager(t, WithGraceCallback(func(string, string) { fired++ }))
	ctx := context.Background()

	m.StartGrace("acct-1", "pos-9", 30*time.Second)
	if !m.CancelGrace("acct-1", "pos-9") {
		t.Fatal("cancel should find the armed timer")
	}
	clock.Advance(time.Minute)
	m.Sweep(ctx)
	if fired != 0 {
		t.Fatal("cancelled timer must not fire")
	}
	if m.CancelGrace("acct-1", "pos-9") {
		t.Fatal("second cancel should report no timer")
	}
}

func TestRestoreFromDropsExpired(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	past := clock.Now().Add(-time.Hour)
	future := clock.Now().Add(time.Hour)
	m.RestoreFrom(ctx, []domain.Lockout{
		{Scope: domain.AccountScope("acct-1"), Reason: "stale", ExpiresAt: &past},
		{Scope: domain.AccountScope("acct-2"), Reason: "active", ExpiresAt: &future},
		{Scope: domain.SymbolScope("acct-2", "NQ"), Reason: "permanent"},
	})

	if m.IsLocked(domain.AccountScope("acct-1")) {
		t.Fatal("expired lock must not be restored")
	}
	if !m.IsLocked(domain.AccountScope("acct-2")) {
		t.Fatal("active lock should be restored")
	}
	if !m.IsLocked(domain.SymbolScope("acct-2", "NQ")) {
		t.Fatal("indefinite lock should be restored")
	}
}

func TestSetMirrorsToPersister(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(t.TempDir() + "/locks.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	clock := &fixedClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	m := New(defaultPolicies(), db, testLogger(), WithClock(clock.Now))

	exp := clock.Now().Add(time.Hour)
	m.Set(ctx, domain.AccountScope("acct-1"), "daily loss", &exp, true)
	m.Clear(ctx, domain.AccountScope("acct-1"))
	m.Set(ctx, domain.SymbolScope("acct-1", "NQ"), "blocked", nil, false)

	snap, err := db.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got := len(snap.Lockouts); got != 1 {
		t.Fatalf("persisted lockouts = %d, want 1", got)
	}
	if snap.Lockouts[0].Scope.Symbol != "NQ" {
		t.Fatalf("persisted scope = %q, want symbol NQ", snap.Lockouts[0].Scope.Key())
	}
}
