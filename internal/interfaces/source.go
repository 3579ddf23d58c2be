package interfaces

import (
	"context"

	"swing-trading-bot/internal/types"
)

// SignalSource produces scored trading opinions. The aggregator is agnostic
// to what is behind a source (rule-based, ML, sentiment); a failing source is
// treated as absent, never as a fault to propagate.
type SignalSource interface {
	ID() string
	ProduceSignal(ctx context.Context, symbol string, candles []types.Candle) (*types.Signal, error)
}
