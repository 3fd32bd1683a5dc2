// Package config loads and validates the guardrail configuration from YAML.
// Configuration is static for the lifetime of the process: validation
// failures are fatal at startup and never surface at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the ringfence guardrail.
type Config struct {
	Storage   Storage        `yaml:"storage"`
	Logging   Logging        `yaml:"logging"`
	Broker    Broker         `yaml:"broker"`
	Quotes    Quotes         `yaml:"quotes"`
	Schedule  Schedule       `yaml:"schedule"`
	Lockouts  Lockouts       `yaml:"lockouts"`
	Enforce   Enforce        `yaml:"enforce"`
	Contracts []ContractSpec `yaml:"contracts"`
	Rules     []RuleConfig   `yaml:"rules"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	AuditDir   string `yaml:"audit_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Broker selects and configures the trading-actions backend.
type Broker struct {
	Mode      string `yaml:"mode"` // "simulator" or "alpaca"
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	// RateLimitPerMin throttles outbound action calls; 0 disables.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

// Quotes controls quote-staleness handling.
type Quotes struct {
	// MaxAge is how old a quote may be before it is excluded from
	// unrealized-P&L aggregation.
	MaxAge Duration `yaml:"max_age"`
}

// Schedule holds the session window, daily reset instant, timezone, and
// holiday calendar shared by the session-block rule and the reset scheduler.
type Schedule struct {
	Timezone     string   `yaml:"timezone"`
	ResetTime    string   `yaml:"reset_time"`    // "HH:MM" local
	SessionOpen  string   `yaml:"session_open"`  // "HH:MM" local
	SessionClose string   `yaml:"session_close"` // "HH:MM" local
	TradingDays  []string `yaml:"trading_days"`  // "Mon".."Sun"; empty = Mon-Fri
	Holidays     []string `yaml:"holidays"`      // YYYY-MM-DD
}

// Lockouts configures the replace-vs-extend policy per lockout scope kind.
// Valid policies: "replace_if_longer" (default) and "always_extend".
type Lockouts struct {
	AccountPolicy  string `yaml:"account_policy"`
	SymbolPolicy   string `yaml:"symbol_policy"`
	CooldownPolicy string `yaml:"cooldown_policy"`
}

// Enforce configures retry behaviour for enforcement actions.
type Enforce struct {
	MaxAttempts int      `yaml:"max_attempts"` // default 3
	Backoff     Duration `yaml:"backoff"`      // default 2s, doubled per attempt
	CallBudget  Duration `yaml:"call_budget"`  // default 45s total per action
}

// ContractSpec seeds the contract metadata cache for contracts the broker
// cannot resolve.
type ContractSpec struct {
	ContractID string  `yaml:"contract_id"`
	TickSize   float64 `yaml:"tick_size"`
	TickValue  float64 `yaml:"tick_value"`
	SymbolRoot string  `yaml:"symbol_root"`
}

// LossThreshold maps a single-trade P&L threshold to a cooldown duration.
type LossThreshold struct {
	PnL      float64  `yaml:"pnl"`
	Duration Duration `yaml:"duration"`
}

// RuleConfig configures one rule instance. Rules are registered in config
// order, which fixes their evaluation order per event. Fields beyond ID and
// Enabled apply only to the rules that use them.
type RuleConfig struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`

	// Limit is the numeric threshold: contracts for the sizing rules,
	// currency for the P&L rules.
	Limit float64 `yaml:"limit,omitempty"`

	// Scope selects "per_position" or "total" unrealized-P&L aggregation.
	Scope string `yaml:"scope,omitempty"`

	// Lockout makes a breach also install a daily lockout where that is
	// optional (daily unrealized loss).
	Lockout bool `yaml:"lockout,omitempty"`

	// Trade-frequency windows; 0 disables a window.
	PerMinute  int      `yaml:"per_minute,omitempty"`
	PerHour    int      `yaml:"per_hour,omitempty"`
	PerSession int      `yaml:"per_session,omitempty"`
	Cooldown   Duration `yaml:"cooldown,omitempty"`

	// Cooldown-after-loss threshold ladder.
	Thresholds []LossThreshold `yaml:"thresholds,omitempty"`

	// No-stop-loss grace period.
	Grace Duration `yaml:"grace,omitempty"`

	// Blocked symbol roots.
	Symbols []string `yaml:"symbols,omitempty"`

	// Trade-management thresholds, in ticks.
	BreakevenTicks    float64 `yaml:"breakeven_ticks,omitempty"`
	BreakevenOffset   float64 `yaml:"breakeven_offset,omitempty"`
	TrailTriggerTicks float64 `yaml:"trail_trigger_ticks,omitempty"`
	TrailTicks        float64 `yaml:"trail_ticks,omitempty"`
}

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration wraps time.Duration so YAML fields accept strings like "90s" or
// "15m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// KnownRuleIDs is the closed set of rule identifiers the engine implements.
var KnownRuleIDs = []string{
	"max_net_contracts",
	"max_contracts_per_instrument",
	"daily_realized_loss",
	"daily_unrealized_loss",
	"max_unrealized_profit",
	"trade_frequency",
	"cooldown_after_loss",
	"no_stop_loss_grace",
	"session_block",
	"auth_loss_guard",
	"symbol_blocks",
	"trade_management",
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("AUDIT_DIR"); v != "" {
		cfg.Storage.AuditDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.APISecret = v
	}
}

// applyDefaults fills unset fields with safe defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Broker.Mode == "" {
		cfg.Broker.Mode = "simulator"
	}
	if cfg.Quotes.MaxAge.Duration == 0 {
		cfg.Quotes.MaxAge.Duration = 30 * time.Second
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = "America/New_York"
	}
	if cfg.Schedule.ResetTime == "" {
		cfg.Schedule.ResetTime = "17:00"
	}
	if cfg.Schedule.SessionOpen == "" {
		cfg.Schedule.SessionOpen = "09:30"
	}
	if cfg.Schedule.SessionClose == "" {
		cfg.Schedule.SessionClose = "16:00"
	}
	if cfg.Lockouts.AccountPolicy == "" {
		cfg.Lockouts.AccountPolicy = "replace_if_longer"
	}
	if cfg.Lockouts.SymbolPolicy == "" {
		cfg.Lockouts.SymbolPolicy = "replace_if_longer"
	}
	if cfg.Lockouts.CooldownPolicy == "" {
		cfg.Lockouts.CooldownPolicy = "always_extend"
	}
	if cfg.Enforce.MaxAttempts == 0 {
		cfg.Enforce.MaxAttempts = 3
	}
	if cfg.Enforce.Backoff.Duration == 0 {
		cfg.Enforce.Backoff.Duration = 2 * time.Second
	}
	if cfg.Enforce.CallBudget.Duration == 0 {
		cfg.Enforce.CallBudget.Duration = 45 * time.Second
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

var validPolicies = map[string]bool{
	"replace_if_longer": true,
	"always_extend":     true,
}

// Validate checks the configuration for errors that must fail fast at
// startup: unknown rule ids, malformed thresholds, bad timezones.
func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case "simulator", "alpaca":
	default:
		return fmt.Errorf("broker.mode %q: must be simulator or alpaca", c.Broker.Mode)
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	for _, field := range []struct{ name, value string }{
		{"schedule.reset_time", c.Schedule.ResetTime},
		{"schedule.session_open", c.Schedule.SessionOpen},
		{"schedule.session_close", c.Schedule.SessionClose},
	} {
		if err := validateTimeOfDay(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for _, d := range c.Schedule.TradingDays {
		if _, err := ParseWeekday(d); err != nil {
			return fmt.Errorf("schedule.trading_days: %w", err)
		}
	}
	for _, h := range c.Schedule.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("schedule.holidays %q: %w", h, err)
		}
	}

	for name, p := range map[string]string{
		"lockouts.account_policy":  c.Lockouts.AccountPolicy,
		"lockouts.symbol_policy":   c.Lockouts.SymbolPolicy,
		"lockouts.cooldown_policy": c.Lockouts.CooldownPolicy,
	} {
		if !validPolicies[p] {
			return fmt.Errorf("%s %q: must be replace_if_longer or always_extend", name, p)
		}
	}

	for _, spec := range c.Contracts {
		if spec.ContractID == "" || spec.TickSize <= 0 || spec.TickValue <= 0 {
			return fmt.Errorf("contracts: %q needs contract_id and positive tick_size/tick_value", spec.ContractID)
		}
	}

	seen := make(map[string]bool)
	for i, rc := range c.Rules {
		if !knownRule(rc.ID) {
			return fmt.Errorf("rules[%d]: unknown rule id %q", i, rc.ID)
		}
		// The unrealized-loss rule may appear once per scope; every other
		// rule id may appear only once.
		key := rc.ID
		if rc.ID == "daily_unrealized_loss" {
			key += "/" + rc.Scope
		}
		if seen[key] {
			return fmt.Errorf("rules[%d]: duplicate rule id %q", i, rc.ID)
		}
		seen[key] = true
		if err := validateRule(rc); err != nil {
			return fmt.Errorf("rules[%d] %s: %w", i, rc.ID, err)
		}
	}
	return nil
}

func knownRule(id string) bool {
	for _, k := range KnownRuleIDs {
		if k == id {
			return true
		}
	}
	return false
}

func validateTimeOfDay(s string) error {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("malformed time of day %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("time of day %q out of range", s)
	}
	return nil
}

// ParseWeekday converts a three-letter day abbreviation ("Mon") to a
// time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String()[:3] == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func validateRule(rc RuleConfig) error {
	if !rc.Enabled {
		return nil
	}
	switch rc.ID {
	case "max_net_contracts", "max_contracts_per_instrument",
		"daily_realized_loss", "daily_unrealized_loss", "max_unrealized_profit":
		if rc.Limit <= 0 {
			return fmt.Errorf("limit must be positive, got %v", rc.Limit)
		}
		if rc.ID == "daily_unrealized_loss" {
			switch rc.Scope {
			case "", "per_position", "total":
			default:
				return fmt.Errorf("scope %q: must be per_position or total", rc.Scope)
			}
		}
	case "trade_frequency":
		if rc.PerMinute <= 0 && rc.PerHour <= 0 && rc.PerSession <= 0 {
			return fmt.Errorf("at least one of per_minute/per_hour/per_session must be positive")
		}
		if rc.Cooldown.Duration <= 0 {
			return fmt.Errorf("cooldown must be positive")
		}
	case "cooldown_after_loss":
		if len(rc.Thresholds) == 0 {
			return fmt.Errorf("thresholds must not be empty")
		}
		for _, th := range rc.Thresholds {
			if th.PnL >= 0 {
				return fmt.Errorf("threshold pnl %v must be negative", th.PnL)
			}
			if th.Duration.Duration <= 0 {
				return fmt.Errorf("threshold duration must be positive")
			}
		}
	case "no_stop_loss_grace":
		if rc.Grace.Duration <= 0 {
			return fmt.Errorf("grace must be positive")
		}
	case "symbol_blocks":
		if len(rc.Symbols) == 0 {
			return fmt.Errorf("symbols must not be empty")
		}
	case "trade_management":
		if rc.BreakevenTicks <= 0 && rc.TrailTriggerTicks <= 0 {
			return fmt.Errorf("breakeven_ticks or trail_trigger_ticks must be positive")
		}
		if rc.TrailTriggerTicks > 0 && rc.TrailTicks <= 0 {
			return fmt.Errorf("trail_ticks must be positive when trailing is enabled")
		}
	}
	return nil
}
