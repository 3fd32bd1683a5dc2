// Package domain defines the canonical data model shared across the
// guardrail core: accounts, positions, orders, trades, quotes, contract
// metadata, lockouts, and rule verdicts. Types here are pure data — all
// behaviour lives in the components that consume them.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Direction indicates which side of the market a position is on. Position
// sizes are always non-negative; the direction encodes the sign.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// OrderType classifies how an order executes.
type OrderType string

const (
	OrderTypeLimit     OrderType = "limit"
	OrderTypeMarket    OrderType = "market"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeTrailing  OrderType = "trailing_stop"
)

// OrderSide is the buy/sell side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusWorking   OrderStatus = "working"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status is final. Terminal orders are removed
// from active tracking but retained transiently for detection windows.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsProtective reports whether the order type can serve as a protective
// stop for an open position.
func (t OrderType) IsProtective() bool {
	switch t {
	case OrderTypeStop, OrderTypeStopLimit, OrderTypeTrailing:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

// Account is a single monitored brokerage account. Daily fields are reset
// only by the reset scheduler, never by rule evaluation.
type Account struct {
	ID               string    `json:"id"`
	CanTrade         bool      `json:"can_trade"`
	DailyRealizedPnL float64   `json:"daily_realized_pnl"`
	SessionTrades    int       `json:"session_trades"`
	FirstSeen        time.Time `json:"first_seen"`
}

// Position is one open position. Size is non-negative after normalization;
// Direction encodes the sign. Multiple positions may exist per contract and
// must be aggregated for net-exposure checks.
type Position struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	ContractID string    `json:"contract_id"`
	Direction  Direction `json:"direction"`
	Size       int       `json:"size"`
	AvgPrice   float64   `json:"avg_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// SignedSize returns the size with the direction applied: positive for long,
// negative for short.
func (p Position) SignedSize() int {
	if p.Direction == DirectionShort {
		return -p.Size
	}
	return p.Size
}

// Order is one tracked order. LimitPrice and StopPrice are nil when not
// applicable to the order type.
type Order struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	ContractID string      `json:"contract_id"`
	Type       OrderType   `json:"type"`
	Side       OrderSide   `json:"side"`
	Size       int         `json:"size"`
	LimitPrice *float64    `json:"limit_price,omitempty"`
	StopPrice  *float64    `json:"stop_price,omitempty"`
	Status     OrderStatus `json:"status"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Trade is an immutable executed-trade fact. PnL is nil for half-turn trades
// that only opened exposure. Voided trades are ignored by the core entirely.
type Trade struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	ContractID string    `json:"contract_id"`
	PnL        *float64  `json:"pnl,omitempty"`
	Fee        float64   `json:"fee"`
	Timestamp  time.Time `json:"timestamp"`
	Voided     bool      `json:"voided"`
}

// Quote is the latest market snapshot for a contract. Timestamp is the
// exchange time; ReceivedAt is the local receipt time used for staleness
// checks.
type Quote struct {
	ContractID string    `json:"contract_id"`
	Last       float64   `json:"last"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// StaleAt reports whether the quote is older than maxAge at time now.
// Stale quotes are excluded from unrealized-P&L aggregation rather than
// treated as zero.
func (q Quote) StaleAt(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(q.ReceivedAt) > maxAge
}

// ContractSpec is immutable contract metadata used to convert price deltas
// into currency P&L.
type ContractSpec struct {
	ContractID string  `json:"contract_id"`
	TickSize   float64 `json:"tick_size"`
	TickValue  float64 `json:"tick_value"`
	SymbolRoot string  `json:"symbol_root"`
}

// UnrealizedPnL converts the move from the entry price to the current price
// into currency, sign-adjusted for short positions.
func (c ContractSpec) UnrealizedPnL(pos Position, current float64) float64 {
	if c.TickSize == 0 {
		return 0
	}
	pnl := (current - pos.AvgPrice) / c.TickSize * c.TickValue * float64(pos.Size)
	if pos.Direction == DirectionShort {
		pnl = -pnl
	}
	return pnl
}

// ProfitTicks returns the position's profit measured in ticks at the given
// price, positive when the position is in profit.
func (c ContractSpec) ProfitTicks(pos Position, current float64) float64 {
	if c.TickSize == 0 {
		return 0
	}
	ticks := (current - pos.AvgPrice) / c.TickSize
	if pos.Direction == DirectionShort {
		ticks = -ticks
	}
	return ticks
}
