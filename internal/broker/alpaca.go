package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"ringfence/internal/domain"
	"ringfence/internal/util"
)

// Compile-time interface check.
var _ Actions = (*AlpacaActions)(nil)

// AlpacaActions implements Actions against the Alpaca trading API. The
// client's credentials bind it to one brokerage account; the accountID
// passed on each call is used for logging and verification only.
type AlpacaActions struct {
	client  *alpaca.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaActions creates an Alpaca-backed Actions. ratePerMin throttles
// outbound calls; 0 disables throttling.
func NewAlpacaActions(apiKey, apiSecret, baseURL string, ratePerMin int, log *slog.Logger) *AlpacaActions {
	var limiter *util.RateLimiter
	if ratePerMin > 0 {
		// Burst headroom: a breach often issues several calls at once
		// (close-all plus per-order cancels) and must not queue behind a
		// cold bucket.
		limiter = util.NewBurstLimiter(ratePerMin, 5)
	}
	return &AlpacaActions{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter: limiter,
		log:     log.With("component", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaActions) Name() string {
	return "alpaca"
}

func (b *AlpacaActions) throttle(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// classify folds Alpaca API errors into the retry taxonomy: auth and
// validation failures are permanent, a 404 on a close or cancel means the
// work is already done, everything else stays retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403, 422:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, util.ErrPermanent)
		case 404:
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ClosePosition flattens the exposure on one contract.
func (b *AlpacaActions) ClosePosition(ctx context.Context, accountID, contractID string) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	b.log.Info("closing position", "account", accountID, "contract", contractID)
	_, err := b.client.ClosePosition(contractID, alpaca.ClosePositionRequest{})
	return classify("close position", err)
}

// CloseAllPositions flattens the whole account, cancelling working orders
// along the way.
func (b *AlpacaActions) CloseAllPositions(ctx context.Context, accountID string) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	b.log.Info("closing all positions", "account", accountID)
	_, err := b.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: true})
	return classify("close all positions", err)
}

// CancelOrder cancels one working order.
func (b *AlpacaActions) CancelOrder(ctx context.Context, accountID, orderID string) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	b.log.Info("cancelling order", "account", accountID, "order", orderID)
	return classify("cancel order", b.client.CancelOrder(orderID))
}

// CancelAllOrders cancels working orders, optionally scoped to one
// contract.
func (b *AlpacaActions) CancelAllOrders(ctx context.Context, accountID, contractID string) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	if contractID == "" {
		b.log.Info("cancelling all orders", "account", accountID)
		return classify("cancel all orders", b.client.CancelAllOrders())
	}
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{contractID},
	})
	if err != nil {
		return classify("list orders", err)
	}
	for _, o := range orders {
		if err := classify("cancel order", b.client.CancelOrder(o.ID)); err != nil {
			return err
		}
	}
	return nil
}

// PlaceOrder submits a protective stop order.
func (b *AlpacaActions) PlaceOrder(ctx context.Context, accountID string, intent domain.StopIntent) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	qty := decimal.NewFromInt(int64(intent.Size))
	stop := decimal.NewFromFloat(intent.StopPrice)
	side := alpaca.Buy
	if intent.Side == domain.OrderSideSell {
		side = alpaca.Sell
	}
	b.log.Info("placing stop order",
		"account", accountID, "contract", intent.ContractID,
		"side", side, "stop_price", intent.StopPrice)
	_, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      intent.ContractID,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Stop,
		TimeInForce: alpaca.GTC,
		StopPrice:   &stop,
	})
	return classify("place order", err)
}

// ModifyOrder moves an existing order's stop price.
func (b *AlpacaActions) ModifyOrder(ctx context.Context, accountID, orderID string, newStopPrice float64) error {
	if err := b.throttle(ctx); err != nil {
		return err
	}
	stop := decimal.NewFromFloat(newStopPrice)
	b.log.Info("modifying stop order",
		"account", accountID, "order", orderID, "stop_price", newStopPrice)
	_, err := b.client.ReplaceOrder(orderID, alpaca.ReplaceOrderRequest{
		StopPrice: &stop,
	})
	return classify("replace order", err)
}
