package risk

import (
	"fmt"
	"sync"
	"time"

	"swing-trading-bot/internal/types"
)

// GovernorConfig holds the portfolio-wide halt thresholds.
type GovernorConfig struct {
	MaxExposureFraction  float64
	MaxDrawdown          float64
	MaxConsecutiveLosses int
	DailyLossLimit       float64 // fraction of day-start equity
}

// HaltDirective is a control signal, not an error: new entries are suppressed
// while existing positions may still be closed.
type HaltDirective struct {
	Reason string
	At     time.Time
}

// Governor owns the single authoritative PortfolioState. All reads and writes
// are serialized behind its mutex; no other component mutates this state.
type Governor struct {
	cfg GovernorConfig

	mu             sync.Mutex
	equity         float64
	peakEquity     float64
	dayStartEquity float64
	realizedToday  float64
	consecLosses   int
	wins, losses   int
	openNotional   map[string]float64 // position id -> entry notional
	halted         bool
	haltReason     string
}

func NewGovernor(cfg GovernorConfig, initialEquity float64) *Governor {
	return &Governor{
		cfg:            cfg,
		equity:         initialEquity,
		peakEquity:     initialEquity,
		dayStartEquity: initialEquity,
		openNotional:   make(map[string]float64),
	}
}

// CheckCanOpen vetoes a candidate that would breach the exposure cap or that
// arrives while halted. nil means allowed.
func (g *Governor) CheckCanOpen(d *types.RiskDecision) *types.Rejection {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return &types.Rejection{Symbol: d.Symbol, Reason: types.RejectHalted, Detail: g.haltReason}
	}

	total := d.Notional()
	for _, n := range g.openNotional {
		total += n
	}
	if cap := g.cfg.MaxExposureFraction * g.equity; total > cap {
		return &types.Rejection{
			Symbol: d.Symbol,
			Reason: types.RejectExposureCap,
			Detail: fmt.Sprintf("open notional %.2f would exceed cap %.2f", total, cap),
		}
	}
	return nil
}

// OnFill registers a newly opened (or extended) position's notional.
func (g *Governor) OnFill(positionID string, notional float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openNotional[positionID] += notional
}

// OnPartialClose books realized P&L for a partial exit. Partial exits do not
// touch the win/loss streak; only the final close of a lot does.
func (g *Governor) OnPartialClose(positionID string, closedNotional, pnl float64) *HaltDirective {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.book(pnl)
	if n, ok := g.openNotional[positionID]; ok {
		remaining := n - closedNotional
		if remaining <= 0 {
			delete(g.openNotional, positionID)
		} else {
			g.openNotional[positionID] = remaining
		}
	}
	return g.evaluateHaltsLocked()
}

// OnClose books the final exit of a lot and updates the loss streak.
func (g *Governor) OnClose(positionID string, pnl float64) *HaltDirective {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.book(pnl)
	delete(g.openNotional, positionID)

	if pnl < 0 {
		g.consecLosses++
		g.losses++
	} else {
		g.consecLosses = 0
		g.wins++
	}
	return g.evaluateHaltsLocked()
}

func (g *Governor) book(pnl float64) {
	g.equity += pnl
	g.realizedToday += pnl
	if g.equity > g.peakEquity {
		g.peakEquity = g.equity
	}
}

// EvaluateHalts re-checks all halt conditions against current state.
func (g *Governor) EvaluateHalts() *HaltDirective {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluateHaltsLocked()
}

func (g *Governor) evaluateHaltsLocked() *HaltDirective {
	if g.halted {
		return nil // already halted; directives fire once
	}

	var reason string
	switch {
	case g.peakEquity > 0 && (g.peakEquity-g.equity)/g.peakEquity > g.cfg.MaxDrawdown:
		reason = fmt.Sprintf("drawdown %.2f%% exceeds maximum %.2f%%",
			(g.peakEquity-g.equity)/g.peakEquity*100, g.cfg.MaxDrawdown*100)
	case g.consecLosses >= g.cfg.MaxConsecutiveLosses:
		reason = fmt.Sprintf("%d consecutive losses", g.consecLosses)
	case g.dayStartEquity > 0 && -g.realizedToday/g.dayStartEquity > g.cfg.DailyLossLimit:
		reason = fmt.Sprintf("daily loss %.2f exceeds limit", -g.realizedToday)
	default:
		return nil
	}

	g.halted = true
	g.haltReason = reason
	return &HaltDirective{Reason: reason, At: time.Now()}
}

// Halted reports whether new entries are suppressed.
func (g *Governor) Halted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.haltReason
}

// Reset lifts a halt and rolls the daily counters. Called only on explicit
// triggers: the trading-day roll or a manual operator reset. Time passing
// never lifts a halt.
func (g *Governor) Reset(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	g.haltReason = ""
	g.realizedToday = 0
	g.dayStartEquity = g.equity
	g.consecLosses = 0
}

// Snapshot returns a copy of the portfolio state for sizing and reporting.
func (g *Governor) Snapshot() types.PortfolioSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	open := 0.0
	for _, n := range g.openNotional {
		open += n
	}
	return types.PortfolioSnapshot{
		Equity:            g.equity,
		PeakEquity:        g.peakEquity,
		DayStartEquity:    g.dayStartEquity,
		RealizedToday:     g.realizedToday,
		ConsecutiveLosses: g.consecLosses,
		OpenNotional:      open,
		OpenPositions:     len(g.openNotional),
		Wins:              g.wins,
		Losses:            g.losses,
		Halted:            g.halted,
		HaltReason:        g.haltReason,
	}
}
