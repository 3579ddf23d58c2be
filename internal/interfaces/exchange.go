package interfaces

import (
	"context"

	"swing-trading-bot/internal/types"
)

// Exchange abstracts order execution. Implementations must deduplicate
// submissions by OrderRequest.ClientKey so a retry after an ambiguous network
// failure cannot create a second live order.
type Exchange interface {
	Name() string

	SubmitOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error)

	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatusByKey returns the exchange's view of the order identified by
	// the idempotent client key. Used for reconciliation after reconnect; the
	// exchange-reported state is authoritative.
	OrderStatusByKey(ctx context.Context, clientKey string) (*types.Order, error)

	// Events yields fill/reject/cancel/reconnect events. Fills for one order
	// arrive in exchange sequence order.
	Events() <-chan types.ExchangeEvent
}
