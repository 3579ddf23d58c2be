// Package strategy holds the built-in rule-based signal sources. Anything
// that can score a symbol (a model, a sentiment feed) plugs in the same way
// through interfaces.SignalSource.
package strategy

import (
	"context"
	"math"
	"time"

	"swing-trading-bot/internal/ta"
	"swing-trading-bot/internal/types"
)

// Trend votes with the prevailing direction when a fast moving average pulls
// away from a slow one. Strength scales with the separation; a flat tape
// yields no signal rather than a weak one.
type Trend struct {
	fast, slow int
	ttl        time.Duration
}

func NewTrend(ttl time.Duration) *Trend {
	return &Trend{fast: 10, slow: 30, ttl: ttl}
}

func (t *Trend) ID() string { return "trend" }

func (t *Trend) ProduceSignal(_ context.Context, symbol string, candles []types.Candle) (*types.Signal, error) {
	closes := closesOf(candles)
	fast := ta.SMA(closes, t.fast)
	slow := ta.SMA(closes, t.slow)
	if math.IsNaN(fast) || math.IsNaN(slow) || slow == 0 {
		return nil, nil
	}

	sep := (fast - slow) / slow
	dir := types.Long
	if sep < 0 {
		dir = types.Short
	}

	// Full strength at 2% separation between the averages.
	strength := clamp(math.Abs(sep)/0.02*100, 0, 100)
	if strength < 10 {
		return nil, nil
	}

	return &types.Signal{
		SourceID:   t.ID(),
		Symbol:     symbol,
		Direction:  dir,
		Strength:   strength,
		Confidence: clamp(0.5+math.Abs(sep)*10, 0.5, 0.9),
		At:         time.Now(),
		TTL:        t.ttl,
	}, nil
}

// MeanRevert fades RSI extremes: oversold votes long, overbought votes short,
// the middle of the range is silence.
type MeanRevert struct {
	period     int
	oversold   float64
	overbought float64
	ttl        time.Duration
}

func NewMeanRevert(ttl time.Duration) *MeanRevert {
	return &MeanRevert{period: 14, oversold: 30, overbought: 70, ttl: ttl}
}

func (m *MeanRevert) ID() string { return "rsi_meanrev" }

func (m *MeanRevert) ProduceSignal(_ context.Context, symbol string, candles []types.Candle) (*types.Signal, error) {
	rsi := ta.RSI(closesOf(candles), m.period)
	if math.IsNaN(rsi) {
		return nil, nil
	}

	var dir types.Direction
	var strength float64
	switch {
	case rsi <= m.oversold:
		dir = types.Long
		strength = (m.oversold - rsi) / m.oversold * 100
	case rsi >= m.overbought:
		dir = types.Short
		strength = (rsi - m.overbought) / (100 - m.overbought) * 100
	default:
		return nil, nil
	}

	return &types.Signal{
		SourceID:   m.ID(),
		Symbol:     symbol,
		Direction:  dir,
		Strength:   clamp(strength, 0, 100),
		Confidence: clamp(0.5+strength/200, 0.5, 0.9),
		At:         time.Now(),
		TTL:        m.ttl,
	}, nil
}

func closesOf(candles []types.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
