package domain

import "time"

// EventKind discriminates the event types the core understands. The two
// synthetic kinds (grace_expired, clock_tick) are generated internally by
// the router and timer manager, never by the ingestion adapter.
type EventKind string

const (
	KindAccountStatus EventKind = "account_status"
	KindPosition      EventKind = "position"
	KindOrder         EventKind = "order"
	KindTrade         EventKind = "trade"
	KindQuote         EventKind = "quote"

	// Internal kinds.
	KindGraceExpired EventKind = "grace_expired"
	KindClockTick    EventKind = "clock_tick"
)

// Event is the unit routed through the core. Quote events carry no account;
// the router fans them out to every account holding the contract.
type Event interface {
	Kind() EventKind
}

// AccountStatusEvent reports a change in an account's trading permission.
// CanTrade is a pointer so that a missing field can be distinguished from an
// explicit false: a nil value is treated as true (fail-open).
type AccountStatusEvent struct {
	AccountID string    `json:"account_id"`
	CanTrade  *bool     `json:"can_trade,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (AccountStatusEvent) Kind() EventKind { return KindAccountStatus }

// Allowed resolves the fail-open semantics of the CanTrade field.
func (e AccountStatusEvent) Allowed() bool {
	return e.CanTrade == nil || *e.CanTrade
}

// PositionEvent carries the full current state of one position. A size of
// zero means the position is closed and must be removed.
type PositionEvent struct {
	Position Position `json:"position"`
}

func (PositionEvent) Kind() EventKind { return KindPosition }

// OrderEvent carries the full current state of one order.
type OrderEvent struct {
	Order Order `json:"order"`
}

func (OrderEvent) Kind() EventKind { return KindOrder }

// TradeEvent carries one executed-trade fact.
type TradeEvent struct {
	Trade Trade `json:"trade"`
}

func (TradeEvent) Kind() EventKind { return KindTrade }

// QuoteEvent carries the latest quote for a contract.
type QuoteEvent struct {
	Quote Quote `json:"quote"`
}

func (QuoteEvent) Kind() EventKind { return KindQuote }

// GraceExpiredEvent is injected by the timer manager when a no-stop-loss
// grace period elapses before a qualifying stop appeared.
type GraceExpiredEvent struct {
	AccountID  string `json:"account_id"`
	PositionID string `json:"position_id"`
}

func (GraceExpiredEvent) Kind() EventKind { return KindGraceExpired }

// ClockTickEvent is injected periodically per active account so that
// time-based rules (session block) re-evaluate without market activity.
type ClockTickEvent struct {
	AccountID string    `json:"account_id"`
	Now       time.Time `json:"now"`
}

func (ClockTickEvent) Kind() EventKind { return KindClockTick }

// EventAccount returns the account an event belongs to, or "" for events
// that are not account-scoped (quotes).
func EventAccount(ev Event) string {
	switch e := ev.(type) {
	case AccountStatusEvent:
		return e.AccountID
	case PositionEvent:
		return e.Position.AccountID
	case OrderEvent:
		return e.Order.AccountID
	case TradeEvent:
		return e.Trade.AccountID
	case GraceExpiredEvent:
		return e.AccountID
	case ClockTickEvent:
		return e.AccountID
	}
	return ""
}

// EventContract returns the contract an event refers to, or "" when the
// event has no contract dimension.
func EventContract(ev Event) string {
	switch e := ev.(type) {
	case PositionEvent:
		return e.Position.ContractID
	case OrderEvent:
		return e.Order.ContractID
	case TradeEvent:
		return e.Trade.ContractID
	case QuoteEvent:
		return e.Quote.ContractID
	}
	return ""
}
