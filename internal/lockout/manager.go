// Package lockout tracks named expiring holds on trading: account-wide
// lockouts, symbol blocks, cooldowns, and the cancellable grace timers used
// by the no-stop-loss rule. A background sweep fires expiry callbacks; all
// expiries survive restarts through the persistence contract.
package lockout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ringfence/internal/domain"
	"ringfence/internal/store"
)

// Policy decides what happens when a lockout is set for a scope that is
// already locked. A new lockout is never silently ignored: the outcome is
// always the policy's pick of the two expiries.
type Policy string

const (
	// PolicyReplaceIfLonger keeps whichever expiry is later (indefinite
	// counts as longest).
	PolicyReplaceIfLonger Policy = "replace_if_longer"
	// PolicyAlwaysExtend appends the new lockout's remaining duration to
	// the current expiry.
	PolicyAlwaysExtend Policy = "always_extend"
)

// Policies selects the policy per scope kind.
type Policies struct {
	Account  Policy
	Symbol   Policy
	Cooldown Policy
}

func (p Policies) forScope(s domain.LockScope) Policy {
	switch {
	case s.Symbol != "":
		return p.Symbol
	case s.Cooldown != "":
		return p.Cooldown
	default:
		return p.Account
	}
}

// Manager owns all lockouts and grace timers. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]domain.Lockout
	graces map[graceKey]*graceTimer

	policies   Policies
	persist    store.Persister
	log        *slog.Logger
	now        func() time.Time
	sweepEvery time.Duration

	// onExpire fires (outside the manager lock) when a sweep clears an
	// expired lockout.
	onExpire func(domain.Lockout)
	// onGraceExpire fires when a grace timer elapses before cancellation.
	onGraceExpire func(accountID, positionID string)
}

type graceKey struct {
	accountID  string
	positionID string
}

type graceTimer struct {
	fireAt time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval overrides the default 1s sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepEvery = d }
}

// WithExpiryCallback registers the lockout-expired callback.
func WithExpiryCallback(fn func(domain.Lockout)) Option {
	return func(m *Manager) { m.onExpire = fn }
}

// WithGraceCallback registers the grace-timer-elapsed callback.
func WithGraceCallback(fn func(accountID, positionID string)) Option {
	return func(m *Manager) { m.onGraceExpire = fn }
}

// New creates a Manager with the given per-scope policies.
func New(policies Policies, persist store.Persister, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		locks:      make(map[string]domain.Lockout),
		graces:     make(map[graceKey]*graceTimer),
		policies:   policies,
		persist:    persist,
		log:        log.With("component", "lockout"),
		now:        time.Now,
		sweepEvery: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Lockouts
// ---------------------------------------------------------------------------

// Set installs or updates the lockout for a scope and returns the effective
// lockout. ExpiresAt nil means indefinite; Daily marks locks the daily
// reset clears.
func (m *Manager) Set(ctx context.Context, scope domain.LockScope, reason string, expiresAt *time.Time, daily bool) domain.Lockout {
	now := m.now()
	incoming := domain.Lockout{
		Scope:     scope,
		Reason:    reason,
		ExpiresAt: expiresAt,
		Daily:     daily,
		CreatedAt: now,
	}

	m.mu.Lock()
	key := scope.Key()
	existing, ok := m.locks[key]
	if ok && !existing.Expired(now) {
		incoming = resolve(m.policies.forScope(scope), existing, incoming, now)
	}
	m.locks[key] = incoming
	m.mu.Unlock()

	if err := m.persist.Save(ctx, scope.AccountID, store.KindLockout, key, incoming); err != nil {
		m.log.Warn("persisting lockout failed", "scope", key, "error", err)
	}
	m.log.Info("lockout set",
		"scope", key, "reason", incoming.Reason,
		"expires_at", expiryString(incoming.ExpiresAt), "daily", incoming.Daily)
	return incoming
}

// resolve applies the replace-vs-extend policy between an active lockout
// and an incoming one.
func resolve(p Policy, existing, incoming domain.Lockout, now time.Time) domain.Lockout {
	switch p {
	case PolicyAlwaysExtend:
		if existing.ExpiresAt == nil {
			// Indefinite stays indefinite; keep the original reason.
			return existing
		}
		if incoming.ExpiresAt == nil {
			return incoming
		}
		extended := existing.ExpiresAt.Add(incoming.ExpiresAt.Sub(now))
		incoming.ExpiresAt = &extended
		return incoming
	default: // PolicyReplaceIfLonger
		if incoming.ExpiresAt == nil {
			return incoming
		}
		if existing.ExpiresAt == nil || existing.ExpiresAt.After(*incoming.ExpiresAt) {
			// The existing lockout already outlasts the new one.
			existing.Reason = incoming.Reason
			return existing
		}
		return incoming
	}
}

// Clear removes the lockout for a scope, if any.
func (m *Manager) Clear(ctx context.Context, scope domain.LockScope) {
	key := scope.Key()
	m.mu.Lock()
	_, ok := m.locks[key]
	delete(m.locks, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.persist.Delete(ctx, scope.AccountID, store.KindLockout, key); err != nil {
		m.log.Warn("deleting lockout failed", "scope", key, "error", err)
	}
	m.log.Info("lockout cleared", "scope", key)
}

// ClearDaily removes the account's daily-scoped lockouts. Symbol blocks and
// indefinite locks without the daily flag are untouched.
func (m *Manager) ClearDaily(ctx context.Context, accountID string) {
	m.mu.Lock()
	var cleared []domain.Lockout
	for key, l := range m.locks {
		if l.Scope.AccountID == accountID && l.Daily {
			delete(m.locks, key)
			cleared = append(cleared, l)
		}
	}
	m.mu.Unlock()

	for _, l := range cleared {
		if err := m.persist.Delete(ctx, accountID, store.KindLockout, l.Scope.Key()); err != nil {
			m.log.Warn("deleting lockout failed", "scope", l.Scope.Key(), "error", err)
		}
		m.log.Info("daily lockout cleared", "scope", l.Scope.Key())
	}
}

// IsLocked reports whether the scope currently carries an active lockout.
// Expiry is checked lazily so callers never act on a lock the sweep has not
// collected yet.
func (m *Manager) IsLocked(scope domain.LockScope) bool {
	_, ok := m.Active(scope)
	return ok
}

// Active returns the active lockout for a scope.
func (m *Manager) Active(scope domain.LockScope) (domain.Lockout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[scope.Key()]
	if !ok || l.Expired(m.now()) {
		return domain.Lockout{}, false
	}
	return l, true
}

// ActiveFor returns all active lockouts on an account.
func (m *Manager) ActiveFor(accountID string) []domain.Lockout {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Lockout
	for _, l := range m.locks {
		if l.Scope.AccountID == accountID && !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Grace timers
// ---------------------------------------------------------------------------

// StartGrace arms the grace timer for (account, position) unless one is
// already running. Returns true when a new timer was armed.
func (m *Manager) StartGrace(accountID, positionID string, d time.Duration) bool {
	key := graceKey{accountID, positionID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.graces[key]; ok {
		return false
	}
	m.graces[key] = &graceTimer{fireAt: m.now().Add(d)}
	return true
}

// CancelGrace disarms the grace timer for (account, position). If the timer
// fires concurrently, cancellation wins only when it is applied before the
// fire callback begins executing; otherwise the breach stands. Returns true
// when a timer was cancelled.
func (m *Manager) CancelGrace(accountID, positionID string) bool {
	key := graceKey{accountID, positionID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.graces[key]; !ok {
		return false
	}
	delete(m.graces, key)
	return true
}

// GraceArmed reports whether a grace timer is running for (account,
// position).
func (m *Manager) GraceArmed(accountID, positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.graces[graceKey{accountID, positionID}]
	return ok
}

// ---------------------------------------------------------------------------
// Sweep
// ---------------------------------------------------------------------------

// Run drives the periodic sweep until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep clears expired lockouts and fires elapsed grace timers once.
// Exported so tests (and the Run loop) can drive it deterministically.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []domain.Lockout
	for key, l := range m.locks {
		if l.Expired(now) {
			delete(m.locks, key)
			expired = append(expired, l)
		}
	}
	var elapsed []graceKey
	for key, g := range m.graces {
		if !now.Before(g.fireAt) {
			delete(m.graces, key)
			elapsed = append(elapsed, key)
		}
	}
	m.mu.Unlock()

	// Callbacks run outside the lock: an elapsed grace timer is already
	// removed from the map, so a concurrent CancelGrace has lost the race.
	for _, l := range expired {
		if err := m.persist.Delete(ctx, l.Scope.AccountID, store.KindLockout, l.Scope.Key()); err != nil {
			m.log.Warn("deleting expired lockout failed", "scope", l.Scope.Key(), "error", err)
		}
		m.log.Info("lockout expired", "scope", l.Scope.Key(), "reason", l.Reason)
		if m.onExpire != nil {
			m.onExpire(l)
		}
	}
	for _, key := range elapsed {
		if m.onGraceExpire != nil {
			m.onGraceExpire(key.accountID, key.positionID)
		}
	}
}

// ---------------------------------------------------------------------------
// Restart recovery
// ---------------------------------------------------------------------------

// RestoreFrom reloads lockouts persisted by a previous run. Already-expired
// locks are dropped (and removed from storage) rather than re-applied.
func (m *Manager) RestoreFrom(ctx context.Context, locks []domain.Lockout) {
	now := m.now()
	restored := 0
	for _, l := range locks {
		if l.Expired(now) {
			if err := m.persist.Delete(ctx, l.Scope.AccountID, store.KindLockout, l.Scope.Key()); err != nil {
				m.log.Warn("deleting stale lockout failed", "scope", l.Scope.Key(), "error", err)
			}
			continue
		}
		m.mu.Lock()
		m.locks[l.Scope.Key()] = l
		m.mu.Unlock()
		restored++
	}
	m.log.Info("lockouts restored", "active", restored, "dropped", len(locks)-restored)
}

func expiryString(t *time.Time) string {
	if t == nil {
		return "indefinite"
	}
	return t.Format(time.RFC3339)
}
