package domain

import (
	"fmt"
	"strings"
	"time"
)

// LockScope identifies what a lockout applies to. Exactly one of Symbol or
// Cooldown may be set alongside AccountID; when both are empty the scope is
// account-wide. At most one active lockout exists per scope key.
type LockScope struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol,omitempty"`
	Cooldown  string `json:"cooldown,omitempty"`
}

// AccountScope returns the account-wide lock scope for an account.
func AccountScope(accountID string) LockScope {
	return LockScope{AccountID: accountID}
}

// SymbolScope returns the lock scope for one symbol root on an account.
// The root is uppercased so the same lock is found no matter how a contract
// spec cases it.
func SymbolScope(accountID, symbolRoot string) LockScope {
	return LockScope{AccountID: accountID, Symbol: strings.ToUpper(symbolRoot)}
}

// CooldownScope returns the lock scope for a named cooldown kind on an
// account (e.g. "trade_frequency", "loss").
func CooldownScope(accountID, kind string) LockScope {
	return LockScope{AccountID: accountID, Cooldown: kind}
}

// Key returns the canonical map key for the scope.
func (s LockScope) Key() string {
	switch {
	case s.Symbol != "":
		return fmt.Sprintf("%s/sym/%s", s.AccountID, s.Symbol)
	case s.Cooldown != "":
		return fmt.Sprintf("%s/cd/%s", s.AccountID, s.Cooldown)
	default:
		return s.AccountID
	}
}

// AccountWide reports whether the scope covers the whole account.
func (s LockScope) AccountWide() bool {
	return s.Symbol == "" && s.Cooldown == ""
}

// Lockout is one active hold on trading. ExpiresAt nil means indefinite.
// Daily lockouts are cleared by the daily reset; symbol blocks and
// indefinite auth-loss locks survive it.
type Lockout struct {
	Scope     LockScope  `json:"scope"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Daily     bool       `json:"daily"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the lockout has an expiry in the past at now.
func (l Lockout) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}
