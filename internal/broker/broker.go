// Package broker defines the trading-actions interface the enforcement
// coordinator calls, and provides implementations for the supported
// backends.
package broker

import (
	"context"
	"fmt"

	"ringfence/internal/domain"
	"ringfence/internal/util"
)

// Actions abstracts the outbound trading operations enforcement needs.
// Every call is idempotent from the caller's point of view: closing an
// already-flat contract or cancelling a done order is a success, not an
// error. Failed calls are retryable unless classified permanent (see
// util.ErrPermanent).
type Actions interface {
	// Name returns the backend identifier (e.g. "alpaca", "simulator").
	Name() string

	// ClosePosition flattens the account's exposure on one contract.
	ClosePosition(ctx context.Context, accountID, contractID string) error

	// CloseAllPositions flattens the whole account.
	CloseAllPositions(ctx context.Context, accountID string) error

	// CancelOrder cancels one working order.
	CancelOrder(ctx context.Context, accountID, orderID string) error

	// CancelAllOrders cancels every working order, optionally scoped to
	// one contract ("" means all).
	CancelAllOrders(ctx context.Context, accountID, contractID string) error

	// PlaceOrder submits a new protective order.
	PlaceOrder(ctx context.Context, accountID string, intent domain.StopIntent) error

	// ModifyOrder moves an existing order's stop price.
	ModifyOrder(ctx context.Context, accountID, orderID string, newStopPrice float64) error
}

// ContractSource resolves contract metadata. The state store caches
// resolved specs, so implementations are consulted only on cache misses.
type ContractSource interface {
	GetContractSpec(ctx context.Context, contractID string) (domain.ContractSpec, error)
}

// StaticContractSource serves contract specs seeded from configuration. It
// backs the state store's metadata lookup when the broker cannot resolve a
// contract.
type StaticContractSource struct {
	specs map[string]domain.ContractSpec
}

var _ ContractSource = (*StaticContractSource)(nil)

// NewStaticContractSource indexes the given specs by contract id.
func NewStaticContractSource(specs []domain.ContractSpec) *StaticContractSource {
	m := make(map[string]domain.ContractSpec, len(specs))
	for _, s := range specs {
		m[s.ContractID] = s
	}
	return &StaticContractSource{specs: m}
}

// GetContractSpec returns the seeded spec for a contract. An unknown
// contract is a permanent error: retrying a static lookup cannot succeed.
func (s *StaticContractSource) GetContractSpec(_ context.Context, contractID string) (domain.ContractSpec, error) {
	spec, ok := s.specs[contractID]
	if !ok {
		return domain.ContractSpec{}, fmt.Errorf("contract %s: %w", contractID, util.ErrPermanent)
	}
	return spec, nil
}
