package domain

import "time"

// Outcome is the result of one rule evaluation.
type Outcome string

const (
	OutcomeNoBreach Outcome = "no_breach"
	OutcomeBreach   Outcome = "breach"
)

// ActionType is the enforcement action a verdict requests.
type ActionType string

const (
	ActionNone          ActionType = "none"
	ActionClosePosition ActionType = "close_position"
	ActionCloseAll      ActionType = "close_all"
	ActionCancelOrders  ActionType = "cancel_orders"
	ActionSetLockout    ActionType = "set_lockout"
	ActionSetCooldown   ActionType = "set_cooldown"
	ActionModifyStop    ActionType = "modify_stop"
)

// LockoutIntent describes a lockout a breach verdict wants installed once
// its trading action has been executed. A zero Duration with nil ExpiresAt
// means indefinite.
type LockoutIntent struct {
	Scope     LockScope  `json:"scope"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Daily     bool       `json:"daily"`
}

// StopIntent describes the protective stop a trade-management verdict wants
// placed or moved. OrderID is empty when a new stop must be created.
type StopIntent struct {
	OrderID    string    `json:"order_id,omitempty"`
	ContractID string    `json:"contract_id"`
	Side       OrderSide `json:"side"`
	Size       int       `json:"size"`
	StopPrice  float64   `json:"stop_price"`
}

// Verdict is the output of one rule evaluation. It is produced fresh on
// every evaluation and never persisted as state; only its consequences are.
type Verdict struct {
	RuleID    string     `json:"rule_id"`
	AccountID string     `json:"account_id"`
	Outcome   Outcome    `json:"outcome"`
	Action    ActionType `json:"action"`
	Reason    string     `json:"reason"`

	// BreachValue is the figure that tripped the rule (e.g. the P&L),
	// recorded for audit.
	BreachValue float64 `json:"breach_value"`

	// ContractID targets close_position at one contract's positions.
	ContractID string `json:"contract_id,omitempty"`

	// Lockout, when non-nil, is installed by the coordinator after the
	// trading action succeeds (or fails permanently — fail toward safety).
	Lockout *LockoutIntent `json:"lockout,omitempty"`

	// ClearScope, when non-nil, asks the coordinator to clear an existing
	// lockout (auth-loss guard auto-clear).
	ClearScope *LockScope `json:"clear_scope,omitempty"`

	// Stop carries the protective-stop adjustment for modify_stop verdicts.
	Stop *StopIntent `json:"stop,omitempty"`
}

// NoBreach is the canonical pass verdict for a rule and account.
func NoBreach(ruleID, accountID string) Verdict {
	return Verdict{
		RuleID:    ruleID,
		AccountID: accountID,
		Outcome:   OutcomeNoBreach,
		Action:    ActionNone,
	}
}

// Breached reports whether the verdict requires any work from the
// enforcement coordinator.
func (v Verdict) Breached() bool {
	return v.Outcome == OutcomeBreach
}
