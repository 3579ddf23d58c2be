package risk

import (
	"fmt"
	"testing"

	"swing-trading-bot/internal/types"
)

func TestGovernorConsecutiveLossHalt(t *testing.T) {
	gov := NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.5,
		MaxDrawdown:          0.9,
		MaxConsecutiveLosses: 3,
		DailyLossLimit:       0.9,
	}, 10000)

	var directive *HaltDirective
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("p%d", i)
		gov.OnFill(id, 100)
		if d := gov.OnClose(id, -10); d != nil {
			directive = d
		}
	}
	if directive == nil {
		t.Fatal("expected halt directive after 3 consecutive losses")
	}

	rej := gov.CheckCanOpen(&types.RiskDecision{Symbol: "XMRUSDT", Size: 1, EntryPrice: 100})
	if rej == nil || rej.Reason != types.RejectHalted {
		t.Fatalf("expected halted rejection, got %+v", rej)
	}
}

func TestGovernorWinResetsStreak(t *testing.T) {
	gov := NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.5,
		MaxDrawdown:          0.9,
		MaxConsecutiveLosses: 3,
		DailyLossLimit:       0.9,
	}, 10000)

	gov.OnFill("p1", 100)
	gov.OnClose("p1", -10)
	gov.OnFill("p2", 100)
	gov.OnClose("p2", -10)
	gov.OnFill("p3", 100)
	gov.OnClose("p3", 25)
	gov.OnFill("p4", 100)
	if d := gov.OnClose("p4", -10); d != nil {
		t.Fatalf("unexpected halt after streak was broken: %+v", d)
	}
	if halted, _ := gov.Halted(); halted {
		t.Fatal("should not be halted")
	}
}

func TestGovernorDrawdownHalt(t *testing.T) {
	gov := NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.5,
		MaxDrawdown:          0.10,
		MaxConsecutiveLosses: 100,
		DailyLossLimit:       0.9,
	}, 10000)

	gov.OnFill("p1", 2000)
	d := gov.OnClose("p1", -1500) // 15% drawdown from peak
	if d == nil {
		t.Fatal("expected drawdown halt directive")
	}
	if halted, reason := gov.Halted(); !halted || reason == "" {
		t.Fatalf("expected halted with reason, got halted=%v reason=%q", halted, reason)
	}
}

func TestGovernorDailyLossHalt(t *testing.T) {
	gov := NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.5,
		MaxDrawdown:          0.9,
		MaxConsecutiveLosses: 100,
		DailyLossLimit:       0.05,
	}, 10000)

	gov.OnFill("p1", 1000)
	if d := gov.OnClose("p1", -600); d == nil {
		t.Fatal("expected daily-loss halt directive")
	}
}

func TestGovernorHaltLiftedOnlyByReset(t *testing.T) {
	gov := NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.5,
		MaxDrawdown:          0.9,
		MaxConsecutiveLosses: 1,
		DailyLossLimit:       0.9,
	}, 10000)

	gov.OnFill("p1", 100)
	gov.OnClose("p1", -10)
	if halted, _ := gov.Halted(); !halted {
		t.Fatal("expected halt")
	}

	// A winning close while halted must not lift the halt.
	gov.OnFill("p2", 100)
	gov.OnClose("p2", 50)
	if halted, _ := gov.Halted(); !halted {
		t.Fatal("halt lifted without explicit reset")
	}

	gov.Reset("new trading day")
	if halted, _ := gov.Halted(); halted {
		t.Fatal("halt survived reset")
	}
	snap := gov.Snapshot()
	if snap.RealizedToday != 0 {
		t.Errorf("daily realized not reset, got %.2f", snap.RealizedToday)
	}
	if snap.DayStartEquity != snap.Equity {
		t.Errorf("day-start equity not rolled: %.2f vs %.2f", snap.DayStartEquity, snap.Equity)
	}
}

func TestGovernorExposureAccounting(t *testing.T) {
	gov := NewGovernor(GovernorConfig{
		MaxExposureFraction:  0.3,
		MaxDrawdown:          0.9,
		MaxConsecutiveLosses: 100,
		DailyLossLimit:       0.9,
	}, 10000)

	gov.OnFill("p1", 2000)
	rej := gov.CheckCanOpen(&types.RiskDecision{Symbol: "XMRUSDT", Size: 15, EntryPrice: 100})
	if rej == nil || rej.Reason != types.RejectExposureCap {
		t.Fatalf("expected exposure_cap with 2000 open and 1500 candidate against a 3000 cap, got %+v", rej)
	}

	// Partial close frees room.
	gov.OnPartialClose("p1", 1000, 20)
	if rej := gov.CheckCanOpen(&types.RiskDecision{Symbol: "XMRUSDT", Size: 15, EntryPrice: 100}); rej != nil {
		t.Fatalf("expected allowed after partial close, got %+v", rej)
	}

	snap := gov.Snapshot()
	if snap.OpenNotional != 1000 {
		t.Errorf("expected open notional 1000, got %.2f", snap.OpenNotional)
	}
	if snap.ConsecutiveLosses != 0 {
		t.Errorf("partial close must not touch the loss streak")
	}
}
