package risk

import (
	"math"
	"testing"
	"time"

	"swing-trading-bot/internal/types"
)

func testSizerConfig() SizerConfig {
	return SizerConfig{
		EntryThreshold:       70,
		PerTradeRiskFraction: 0.02,
		MaxPositionFraction:  0.25,
		MinRiskReward:        1.5,
		TargetMultiplier:     2.0,
		StopATRMultiplier:    2.0,
		MinStopFraction:      0.005,
		MaxStopFraction:      0.10,
		VolBaseline:          0.03,
		VolCeiling:           0.15,
		LossStreakFactor:     0.8,
	}
}

func testGovernor() *Governor {
	return NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.5,
		MaxDrawdown:          0.2,
		MaxConsecutiveLosses: 5,
		DailyLossLimit:       0.05,
	}, 10000)
}

func longAgg(strength float64) *types.AggregatedSignal {
	return &types.AggregatedSignal{
		Symbol:    "XMRUSDT",
		Direction: types.Long,
		Strength:  strength,
		At:        time.Now(),
	}
}

func TestSizeBelowThresholdRejected(t *testing.T) {
	cfg := testSizerConfig()
	cfg.EntryThreshold = 85
	s := NewSizer(cfg, testGovernor())

	// 80/60/90 strengths at 0.9/0.5/0.8 confidence aggregate to ~79.1.
	d, rej := s.Size(longAgg(79.1), 150, 3)
	if d != nil {
		t.Fatalf("expected rejection, got decision %+v", d)
	}
	if rej.Reason != types.RejectBelowThreshold {
		t.Errorf("expected below_threshold, got %s", rej.Reason)
	}
}

func TestSizeFlatRejected(t *testing.T) {
	s := NewSizer(testSizerConfig(), testGovernor())
	agg := longAgg(90)
	agg.Direction = types.Flat

	_, rej := s.Size(agg, 150, 3)
	if rej == nil || rej.Reason != types.RejectBelowThreshold {
		t.Fatalf("expected below_threshold for flat direction, got %+v", rej)
	}
}

func TestSizeRiskBudgetBound(t *testing.T) {
	gov := testGovernor()
	s := NewSizer(testSizerConfig(), gov)

	d, rej := s.Size(longAgg(90), 150, 2)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}

	budget := 0.02 * gov.Snapshot().Equity
	if got := d.Size * d.StopDistance(); got > budget+1e-9 {
		t.Errorf("size*stopDistance %.4f exceeds per-trade budget %.4f", got, budget)
	}
	if d.RiskReward < 1.5 {
		t.Errorf("risk/reward %.2f below configured minimum", d.RiskReward)
	}
	if d.StopPrice >= d.EntryPrice {
		t.Errorf("long stop %.2f not below entry %.2f", d.StopPrice, d.EntryPrice)
	}
	if d.TargetPrice <= d.EntryPrice {
		t.Errorf("long target %.2f not above entry %.2f", d.TargetPrice, d.EntryPrice)
	}
}

func TestSizeRatioTooLow(t *testing.T) {
	cfg := testSizerConfig()
	cfg.TargetMultiplier = 1.2 // below MinRiskReward 1.5
	s := NewSizer(cfg, testGovernor())

	_, rej := s.Size(longAgg(90), 150, 2)
	if rej == nil || rej.Reason != types.RejectRatioTooLow {
		t.Fatalf("expected ratio_too_low, got %+v", rej)
	}
}

func TestSizeVolatilityCeiling(t *testing.T) {
	s := NewSizer(testSizerConfig(), testGovernor())

	// 30/150 = 20% volatility, above the 15% ceiling.
	_, rej := s.Size(longAgg(90), 150, 30)
	if rej == nil || rej.Reason != types.RejectVolatilityHalt {
		t.Fatalf("expected volatility_halt, got %+v", rej)
	}
}

func TestSizeScalesDownWithVolatilityAndLosses(t *testing.T) {
	gov := testGovernor()
	s := NewSizer(testSizerConfig(), gov)

	base, rej := s.Size(longAgg(90), 150, 2)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}

	// Higher volatility widens the stop and shrinks the budget; risked
	// capital must not increase.
	high, rej := s.Size(longAgg(90), 150, 9)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if high.RiskAmount > base.RiskAmount+1e-9 {
		t.Errorf("risk amount grew with volatility: %.4f > %.4f", high.RiskAmount, base.RiskAmount)
	}

	// A loss streak de-risks further.
	gov.OnFill("p1", 100)
	gov.OnClose("p1", -50)
	streak, rej := s.Size(longAgg(90), 150, 2)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if streak.RiskAmount >= base.RiskAmount {
		t.Errorf("risk amount did not shrink after a loss: %.4f >= %.4f", streak.RiskAmount, base.RiskAmount)
	}
}

func TestSizeNotionalCap(t *testing.T) {
	cfg := testSizerConfig()
	cfg.MaxPositionFraction = 0.05
	gov := testGovernor()
	s := NewSizer(cfg, gov)

	d, rej := s.Size(longAgg(95), 100, 0.6) // tight stop forces a large raw size
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	maxNotional := 0.05 * gov.Snapshot().Equity
	if d.Notional() > maxNotional+1e-6 {
		t.Errorf("notional %.2f exceeds cap %.2f", d.Notional(), maxNotional)
	}
}

func TestSizeExposureCap(t *testing.T) {
	gov := testGovernor()
	s := NewSizer(testSizerConfig(), gov)

	// Fill the book close to the 50% exposure cap.
	gov.OnFill("p1", 4900)

	_, rej := s.Size(longAgg(95), 100, 3)
	if rej == nil || rej.Reason != types.RejectExposureCap {
		t.Fatalf("expected exposure_cap, got %+v", rej)
	}
}

func TestSizeNoVolatilityEstimate(t *testing.T) {
	s := NewSizer(testSizerConfig(), testGovernor())
	_, rej := s.Size(longAgg(90), 150, math.NaN())
	if rej == nil || rej.Reason != types.RejectVolatilityHalt {
		t.Fatalf("expected volatility_halt for NaN estimate, got %+v", rej)
	}
}

func TestSizeShortDirection(t *testing.T) {
	s := NewSizer(testSizerConfig(), testGovernor())
	agg := longAgg(90)
	agg.Direction = types.Short

	d, rej := s.Size(agg, 150, 2)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if d.StopPrice <= d.EntryPrice {
		t.Errorf("short stop %.2f not above entry %.2f", d.StopPrice, d.EntryPrice)
	}
	if d.TargetPrice >= d.EntryPrice {
		t.Errorf("short target %.2f not below entry %.2f", d.TargetPrice, d.EntryPrice)
	}
}
