// Package enforce executes rule verdicts against the trading-actions
// backend. Enforcement is serialized per account: a second verdict arriving
// while one is executing is queued, never dropped, and never runs
// concurrently with the first.
package enforce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ringfence/internal/broker"
	"ringfence/internal/domain"
	"ringfence/internal/lockout"
	"ringfence/internal/store"
	"ringfence/internal/util"
	"ringfence/pkg/id"
)

// Coordinator applies verdicts with bounded retry and records every outcome
// as an audit record. Lockouts requested by a verdict are installed even
// when the trading action ultimately fails: the system fails toward safety.
type Coordinator struct {
	actions broker.Actions
	locks   *lockout.Manager
	audit   store.AuditWriter
	log     *slog.Logger
	now     func() time.Time

	maxAttempts int
	backoff     time.Duration
	callBudget  time.Duration

	mu     sync.Mutex
	queues map[string]*accountQueue
	wg     sync.WaitGroup
}

// accountQueue holds verdicts pending for one account. running is true
// while a drain goroutine owns the queue.
type accountQueue struct {
	pending []domain.Verdict
	running bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRetry overrides the retry policy: attempts per action, initial
// backoff (doubled per attempt), and the total per-action call budget.
func WithRetry(maxAttempts int, backoff, callBudget time.Duration) Option {
	return func(c *Coordinator) {
		c.maxAttempts = maxAttempts
		c.backoff = backoff
		c.callBudget = callBudget
	}
}

// New creates a Coordinator wired to the actions backend, lockout manager,
// and audit sink.
func New(actions broker.Actions, locks *lockout.Manager, audit store.AuditWriter, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		actions:     actions,
		locks:       locks,
		audit:       audit,
		log:         log.With("component", "enforce"),
		now:         time.Now,
		maxAttempts: 3,
		backoff:     2 * time.Second,
		callBudget:  45 * time.Second,
		queues:      make(map[string]*accountQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply queues a verdict for the account's serial executor. Verdicts with
// nothing to do (no breach, no lock to clear) are discarded here.
func (c *Coordinator) Apply(v domain.Verdict) {
	if !v.Breached() && v.ClearScope == nil {
		return
	}
	c.mu.Lock()
	q, ok := c.queues[v.AccountID]
	if !ok {
		q = &accountQueue{}
		c.queues[v.AccountID] = q
	}
	q.pending = append(q.pending, v)
	if !q.running {
		q.running = true
		c.wg.Add(1)
		go c.drain(q)
	}
	c.mu.Unlock()
}

// Drain blocks until every queued verdict has finished executing.
func (c *Coordinator) Drain() {
	c.wg.Wait()
}

func (c *Coordinator) drain(q *accountQueue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			c.mu.Unlock()
			return
		}
		v := q.pending[0]
		q.pending = q.pending[1:]
		c.mu.Unlock()

		c.execute(v)
	}
}

// execute runs one verdict to completion: clear or install lockouts and
// perform the trading action with retry.
func (c *Coordinator) execute(v domain.Verdict) {
	ctx, cancel := context.WithTimeout(context.Background(), c.callBudget)
	defer cancel()

	if v.ClearScope != nil {
		c.locks.Clear(ctx, *v.ClearScope)
	}
	if !v.Breached() {
		return
	}

	err := c.act(ctx, v)
	if err != nil {
		c.log.Error("enforcement action failed",
			"rule", v.RuleID, "account", v.AccountID,
			"action", v.Action, "error", err)
	} else {
		c.log.Info("enforcement action applied",
			"rule", v.RuleID, "account", v.AccountID,
			"action", v.Action, "reason", v.Reason)
	}

	// The lockout goes in even when the action failed.
	if v.Lockout != nil {
		c.locks.Set(ctx, v.Lockout.Scope, v.Lockout.Reason, v.Lockout.ExpiresAt, v.Lockout.Daily)
	}

	c.writeAudit(ctx, v, err)
}

// act performs the verdict's trading action with bounded retry. Errors
// matching util.ErrPermanent stop the retry loop immediately.
func (c *Coordinator) act(ctx context.Context, v domain.Verdict) error {
	var call func() error
	switch v.Action {
	case domain.ActionClosePosition:
		call = func() error { return c.actions.ClosePosition(ctx, v.AccountID, v.ContractID) }
	case domain.ActionCloseAll:
		call = func() error { return c.actions.CloseAllPositions(ctx, v.AccountID) }
	case domain.ActionCancelOrders:
		call = func() error { return c.actions.CancelAllOrders(ctx, v.AccountID, v.ContractID) }
	case domain.ActionModifyStop:
		if v.Stop == nil {
			return errors.New("modify_stop verdict without stop intent")
		}
		stop := *v.Stop
		if stop.OrderID == "" {
			call = func() error { return c.actions.PlaceOrder(ctx, v.AccountID, stop) }
		} else {
			call = func() error { return c.actions.ModifyOrder(ctx, v.AccountID, stop.OrderID, stop.StopPrice) }
		}
	case domain.ActionSetLockout, domain.ActionSetCooldown, domain.ActionNone:
		// Lock-only verdicts have no trading call.
		return nil
	default:
		return errors.New("unknown action " + string(v.Action))
	}
	return util.Retry(ctx, c.maxAttempts, c.backoff, call)
}

func (c *Coordinator) writeAudit(ctx context.Context, v domain.Verdict, actErr error) {
	rec := store.AuditRecord{
		ID:          id.New(),
		RuleID:      v.RuleID,
		AccountID:   v.AccountID,
		ContractID:  v.ContractID,
		Action:      string(v.Action),
		Reason:      v.Reason,
		BreachValue: v.BreachValue,
		Outcome:     "ok",
		Timestamp:   c.now(),
	}
	if actErr != nil {
		rec.Outcome = "failed"
		rec.Error = actErr.Error()
	}
	if err := c.audit.WriteAudit(ctx, rec); err != nil {
		c.log.Warn("writing audit record failed",
			"rule", v.RuleID, "account", v.AccountID, "error", err)
	}
}
