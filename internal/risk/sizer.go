// Package risk converts aggregated signals into bounded order sizes and
// enforces portfolio-level constraints.
package risk

import (
	"fmt"
	"math"

	"swing-trading-bot/internal/types"
)

// SizerConfig is fixed for a run.
type SizerConfig struct {
	EntryThreshold       float64 // minimum net strength, 0..100
	PerTradeRiskFraction float64
	MaxPositionFraction  float64
	MinRiskReward        float64
	TargetMultiplier     float64
	StopATRMultiplier    float64
	MinStopFraction      float64 // stop distance floor, fraction of entry
	MaxStopFraction      float64 // stop distance ceiling, fraction of entry
	VolBaseline          float64 // volatility/price above which sizing scales down
	VolCeiling           float64 // volatility/price above which no entry at all
	LossStreakFactor     float64 // budget multiplier applied per consecutive loss
}

// Sizer produces RiskDecisions. Every rejection carries a reason code; a
// decision is never dropped silently.
type Sizer struct {
	cfg SizerConfig
	gov *Governor
}

func NewSizer(cfg SizerConfig, gov *Governor) *Sizer {
	return &Sizer{cfg: cfg, gov: gov}
}

// Size turns an aggregated signal plus account state into a sized decision.
// volatility is an absolute price-unit estimate (e.g. ATR) supplied by the
// feature collaborator.
func (s *Sizer) Size(agg *types.AggregatedSignal, entryPrice, volatility float64) (*types.RiskDecision, *types.Rejection) {
	symbol := agg.Symbol

	if halted, reason := s.gov.Halted(); halted {
		return nil, &types.Rejection{Symbol: symbol, Reason: types.RejectHalted, Detail: reason}
	}

	if agg.Direction == types.Flat || agg.Strength < s.cfg.EntryThreshold {
		return nil, &types.Rejection{
			Symbol: symbol,
			Reason: types.RejectBelowThreshold,
			Detail: fmt.Sprintf("strength %.1f below threshold %.1f", agg.Strength, s.cfg.EntryThreshold),
		}
	}

	if entryPrice <= 0 || volatility <= 0 || math.IsNaN(volatility) {
		return nil, &types.Rejection{
			Symbol: symbol,
			Reason: types.RejectVolatilityHalt,
			Detail: "no usable volatility estimate",
		}
	}

	volFrac := volatility / entryPrice
	if s.cfg.VolCeiling > 0 && volFrac > s.cfg.VolCeiling {
		return nil, &types.Rejection{
			Symbol: symbol,
			Reason: types.RejectVolatilityHalt,
			Detail: fmt.Sprintf("volatility %.4f above ceiling %.4f", volFrac, s.cfg.VolCeiling),
		}
	}

	// Achievable ratio is fixed by the target multiplier; check it before
	// doing any sizing work.
	if s.cfg.TargetMultiplier < s.cfg.MinRiskReward {
		return nil, &types.Rejection{
			Symbol: symbol,
			Reason: types.RejectRatioTooLow,
			Detail: fmt.Sprintf("ratio %.2f below minimum %.2f", s.cfg.TargetMultiplier, s.cfg.MinRiskReward),
		}
	}

	stopDistance := s.cfg.StopATRMultiplier * volatility
	stopDistance = math.Max(entryPrice*s.cfg.MinStopFraction, stopDistance)
	stopDistance = math.Min(entryPrice*s.cfg.MaxStopFraction, stopDistance)

	snap := s.gov.Snapshot()
	budget := s.cfg.PerTradeRiskFraction * snap.Equity
	if s.cfg.VolBaseline > 0 && volFrac > s.cfg.VolBaseline {
		budget *= s.cfg.VolBaseline / volFrac
	}
	if snap.ConsecutiveLosses > 0 {
		budget *= math.Pow(s.cfg.LossStreakFactor, float64(snap.ConsecutiveLosses))
	}

	size := budget / stopDistance
	if maxNotional := s.cfg.MaxPositionFraction * snap.Equity; size*entryPrice > maxNotional {
		size = maxNotional / entryPrice
	}

	var stop, target float64
	if agg.Direction == types.Long {
		stop = entryPrice - stopDistance
		target = entryPrice + stopDistance*s.cfg.TargetMultiplier
	} else {
		stop = entryPrice + stopDistance
		target = entryPrice - stopDistance*s.cfg.TargetMultiplier
	}

	decision := &types.RiskDecision{
		Symbol:      symbol,
		Direction:   agg.Direction,
		Size:        size,
		EntryPrice:  entryPrice,
		StopPrice:   stop,
		TargetPrice: target,
		RiskAmount:  size * stopDistance,
		RiskReward:  s.cfg.TargetMultiplier,
	}

	if rej := s.gov.CheckCanOpen(decision); rej != nil {
		return nil, rej
	}
	return decision, nil
}
