// Command ringfence-guard runs the risk-rule guardrail core. It reads a
// normalized NDJSON event feed on stdin, evaluates the configured rules,
// and executes enforcement through the selected broker backend.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringfence/internal/broker"
	"ringfence/internal/config"
	"ringfence/internal/domain"
	"ringfence/internal/enforce"
	"ringfence/internal/lockout"
	"ringfence/internal/reset"
	"ringfence/internal/router"
	"ringfence/internal/rules"
	"ringfence/internal/state"
	"ringfence/internal/store"
	"ringfence/internal/util"
	"ringfence/pkg/feed"
)

func main() {
	cfgPath := "config/ringfence.yaml"
	if p := os.Getenv("RINGFENCE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Persistence: SQLite for live state and audit, parquet for the
	// long-term audit archive.
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer db.Close()
	var audit store.AuditWriter = db
	if cfg.Storage.AuditDir != "" {
		audit = store.TeeAudit{db, store.NewParquetArchive(cfg.Storage.AuditDir)}
	}

	cal, resetAt, err := buildCalendar(cfg.Schedule)
	if err != nil {
		log.Fatalf("failed to build trading calendar: %v", err)
	}

	specs := make([]domain.ContractSpec, 0, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		specs = append(specs, domain.ContractSpec{
			ContractID: c.ContractID,
			TickSize:   c.TickSize,
			TickValue:  c.TickValue,
			SymbolRoot: c.SymbolRoot,
		})
	}
	st := state.New(db, logger, state.WithSpecSource(broker.NewStaticContractSource(specs)))
	for _, s := range specs {
		st.SeedSpec(s)
	}

	// The grace callback reaches the router through a late-bound pointer:
	// the two components reference each other.
	var rtr *router.Router
	locks := lockout.New(lockoutPolicies(cfg.Lockouts), db, logger,
		lockout.WithGraceCallback(func(accountID, positionID string) {
			rtr.OnGraceExpired(accountID, positionID)
		}),
		lockout.WithExpiryCallback(func(l domain.Lockout) {
			// Dispatch resumes on the next event; the sweep log is the
			// operator-visible release signal.
			logger.Info("lockout expired",
				"scope", l.Scope.Key(), "reason", l.Reason)
		}))

	actions, err := buildActions(cfg.Broker, logger)
	if err != nil {
		log.Fatalf("failed to build broker backend: %v", err)
	}

	coord := enforce.New(actions, locks, audit, logger,
		enforce.WithRetry(cfg.Enforce.MaxAttempts, cfg.Enforce.Backoff.Duration, cfg.Enforce.CallBudget.Duration))

	engine, err := rules.NewEngine(cfg.Rules, rules.Env{
		QuoteMaxAge: cfg.Quotes.MaxAge.Duration,
		Calendar:    cal,
		ResetAt:     resetAt,
	})
	if err != nil {
		log.Fatalf("failed to build rule engine: %v", err)
	}
	rtr = router.New(st, engine, locks, coord, logger)

	// Restart recovery before any event is accepted.
	snap, err := db.LoadAll(ctx)
	if err != nil {
		log.Fatalf("failed to load persisted state: %v", err)
	}
	st.RestoreFrom(snap)
	locks.RestoreFrom(ctx, snap.Lockouts)

	sched := reset.New(cal, resetAt, &resetTarget{state: st, locks: locks}, logger)

	go locks.Run(ctx)
	go sched.Run(ctx)
	go rtr.Run(ctx)

	logger.Info("ringfence-guard started",
		"broker", actions.Name(),
		"rules", len(engine.Rules()),
		"accounts", len(st.AccountIDs()))

	if err := pump(ctx, rtr, logger); err != nil {
		logger.Error("event feed failed", "error", err)
	}

	// Let in-flight work finish before exiting.
	rtr.Drain()
	coord.Drain()
	logger.Info("ringfence-guard stopped")
}

// pump feeds stdin events into the router until EOF or shutdown.
func pump(ctx context.Context, rtr *router.Router, logger *slog.Logger) error {
	dec := feed.NewDecoder(os.Stdin)
	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, feed.ErrBadEvent) {
			logger.Warn("skipping malformed event", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		rtr.Route(ev)
	}
}

// resetTarget adapts the state store and lockout manager to the reset
// scheduler's contract.
type resetTarget struct {
	state *state.Store
	locks *lockout.Manager
}

func (t *resetTarget) AccountIDs() []string {
	return t.state.AccountIDs()
}

func (t *resetTarget) ResetAccount(ctx context.Context, accountID string) {
	t.state.ResetDaily(ctx, accountID)
	t.locks.ClearDaily(ctx, accountID)
}

func buildCalendar(s config.Schedule) (*util.TradingCalendar, util.TimeOfDay, error) {
	open, err := util.ParseTimeOfDay(s.SessionOpen)
	if err != nil {
		return nil, util.TimeOfDay{}, err
	}
	close, err := util.ParseTimeOfDay(s.SessionClose)
	if err != nil {
		return nil, util.TimeOfDay{}, err
	}
	resetAt, err := util.ParseTimeOfDay(s.ResetTime)
	if err != nil {
		return nil, util.TimeOfDay{}, err
	}
	var weekdays []time.Weekday
	for _, d := range s.TradingDays {
		wd, err := config.ParseWeekday(d)
		if err != nil {
			return nil, util.TimeOfDay{}, err
		}
		weekdays = append(weekdays, wd)
	}
	cal, err := util.NewTradingCalendar(s.Timezone, open, close, weekdays, s.Holidays)
	if err != nil {
		return nil, util.TimeOfDay{}, err
	}
	return cal, resetAt, nil
}

func lockoutPolicies(l config.Lockouts) lockout.Policies {
	return lockout.Policies{
		Account:  lockout.Policy(l.AccountPolicy),
		Symbol:   lockout.Policy(l.SymbolPolicy),
		Cooldown: lockout.Policy(l.CooldownPolicy),
	}
}

func buildActions(b config.Broker, logger *slog.Logger) (broker.Actions, error) {
	switch b.Mode {
	case "alpaca":
		return broker.NewAlpacaActions(b.APIKey, b.APISecret, b.BaseURL, b.RateLimitPerMin, logger), nil
	case "", "simulator":
		return broker.NewSimulatorActions(logger), nil
	}
	return nil, errors.New("unknown broker mode " + b.Mode)
}
