package domain

import (
	"context"
	"errors"
	"time"
)

type PlaceOrderRequest struct {
	ExternalRef string     `json:"external_ref" binding:"required"`
	AccountID   string     `json:"account_id" binding:"required"`
	Currency    string     `json:"currency" binding:"required"`
	AmountCents int64      `json:"amount_cents" binding:"required,gt=0"`
	KitCode     string     `json:"kit_code"`
	PlacedAt    *time.Time `json:"placed_at"`
}

type PlaceOrderResponse struct {
	OrderID     string    `json:"order_id"`
	StatementID string    `json:"statement_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Replayed    bool      `json:"replayed"`
}

type Service interface {
	// PlaceOrder persists the order and accumulates its charge into the OPEN
	// statement for the order's billing window. Resubmitting the same
	// external_ref replays the original outcome.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResponse, error)
}

var (
	ErrInvalidOrder = errors.New("invalid_order")
)
