// Package reset runs the once-daily session rollover: per-account daily
// counters are zeroed and daily-scoped lockouts are released at a fixed
// local time, holidays skipped.
package reset

import (
	"context"
	"log/slog"
	"time"

	"ringfence/internal/util"
)

// Target is the surface the scheduler resets. Both the state store and the
// lockout manager satisfy parts of it through the Resetter adapter in the
// wiring layer.
type Target interface {
	// AccountIDs lists every account the scheduler should reset.
	AccountIDs() []string
	// ResetAccount clears one account's daily counters and daily lockouts.
	ResetAccount(ctx context.Context, accountID string)
}

// Scheduler fires the daily reset at the configured time of day. A single
// goroutine polls the clock so a sleeping host or a clock jump cannot skip
// a reset: any poll at or past the target instant triggers it.
type Scheduler struct {
	cal    *util.TradingCalendar
	at     util.TimeOfDay
	target Target
	log    *slog.Logger
	now    func() time.Time
	poll   time.Duration

	next time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPollInterval overrides the default 5s poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// New creates a Scheduler that resets target at time-of-day at on the
// calendar's trading days.
func New(cal *util.TradingCalendar, at util.TimeOfDay, target Target, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cal:    cal,
		at:     at,
		target: target,
		log:    log.With("component", "reset"),
		now:    time.Now,
		poll:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.next = s.cal.NextDailyInstant(s.now(), s.at)
	return s
}

// Next returns the next scheduled reset instant.
func (s *Scheduler) Next() time.Time {
	return s.next
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("reset scheduler started", "next", s.next.Format(time.RFC3339))
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs the reset when the scheduled instant has passed. Exported
// so tests can drive the scheduler without real time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	if now.Before(s.next) {
		return
	}
	accounts := s.target.AccountIDs()
	for _, id := range accounts {
		s.target.ResetAccount(ctx, id)
	}
	s.next = s.cal.NextDailyInstant(now.Add(time.Minute), s.at)
	s.log.Info("daily reset complete",
		"accounts", len(accounts), "next", s.next.Format(time.RFC3339))
}
