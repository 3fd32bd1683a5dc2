package broker

import (
	"context"
	"log/slog"
	"sync"

	"ringfence/internal/domain"
)

// Compile-time interface check.
var _ Actions = (*SimulatorActions)(nil)

// SimulatorActions implements Actions in memory for paper runs and tests.
// It records every call so callers can assert on what enforcement did.
type SimulatorActions struct {
	mu    sync.Mutex
	calls []SimulatedCall
	log   *slog.Logger

	// Fail, when set, is consulted before every call; a non-nil return is
	// surfaced as the call's error. Used to exercise retry paths.
	Fail func(op string) error
}

// SimulatedCall records one action invocation.
type SimulatedCall struct {
	Op         string
	AccountID  string
	ContractID string
	OrderID    string
	StopPrice  float64
}

// NewSimulatorActions creates an empty simulator backend.
func NewSimulatorActions(log *slog.Logger) *SimulatorActions {
	return &SimulatorActions{log: log.With("component", "simulator")}
}

// Name returns "simulator".
func (b *SimulatorActions) Name() string {
	return "simulator"
}

// Calls returns a copy of the recorded calls in invocation order.
func (b *SimulatorActions) Calls() []SimulatedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SimulatedCall(nil), b.calls...)
}

func (b *SimulatorActions) record(call SimulatedCall) error {
	if b.Fail != nil {
		if err := b.Fail(call.Op); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
	b.log.Info("simulated action",
		"op", call.Op, "account", call.AccountID,
		"contract", call.ContractID, "order", call.OrderID)
	return nil
}

// ClosePosition records a flatten request for one contract.
func (b *SimulatorActions) ClosePosition(_ context.Context, accountID, contractID string) error {
	return b.record(SimulatedCall{Op: "close_position", AccountID: accountID, ContractID: contractID})
}

// CloseAllPositions records a whole-account flatten request.
func (b *SimulatorActions) CloseAllPositions(_ context.Context, accountID string) error {
	return b.record(SimulatedCall{Op: "close_all", AccountID: accountID})
}

// CancelOrder records a single-order cancellation.
func (b *SimulatorActions) CancelOrder(_ context.Context, accountID, orderID string) error {
	return b.record(SimulatedCall{Op: "cancel_order", AccountID: accountID, OrderID: orderID})
}

// CancelAllOrders records an order sweep, optionally scoped to a contract.
func (b *SimulatorActions) CancelAllOrders(_ context.Context, accountID, contractID string) error {
	return b.record(SimulatedCall{Op: "cancel_all_orders", AccountID: accountID, ContractID: contractID})
}

// PlaceOrder records a protective-order submission.
func (b *SimulatorActions) PlaceOrder(_ context.Context, accountID string, intent domain.StopIntent) error {
	return b.record(SimulatedCall{
		Op:         "place_order",
		AccountID:  accountID,
		ContractID: intent.ContractID,
		StopPrice:  intent.StopPrice,
	})
}

// ModifyOrder records a stop-price change.
func (b *SimulatorActions) ModifyOrder(_ context.Context, accountID, orderID string, newStopPrice float64) error {
	return b.record(SimulatedCall{
		Op:        "modify_order",
		AccountID: accountID,
		OrderID:   orderID,
		StopPrice: newStopPrice,
	})
}
