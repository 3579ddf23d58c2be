package types

import "time"

// CloseReason tags why a position (or part of one) was closed.
type CloseReason string

const (
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTarget      CloseReason = "target"
	CloseTimeStop    CloseReason = "time_stop"
	ClosePartialTake CloseReason = "partial_take"
	CloseHalt        CloseReason = "halt"
	CloseManual      CloseReason = "manual"
)

// Position is one open lot. Size only ever decreases over a lot's life;
// adding exposure opens a new lot so per-lot P&L attribution stays correct.
type Position struct {
	ID          string
	Symbol      string
	Direction   Direction
	Size        float64
	EntryPrice  float64
	Stop        float64
	Target      float64
	InitialStop float64 // entry-time stop, kept for time-stop distance checks
	TookPartial bool
	OpenedAt    time.Time
	Unrealized  float64
	Open        bool
}

// Favorable returns how far price has moved in the position's favor.
// Negative when the position is under water.
func (p *Position) Favorable(price float64) float64 {
	if p.Direction == Short {
		return p.EntryPrice - price
	}
	return price - p.EntryPrice
}

// ClosedPosition records a full or partial exit.
type ClosedPosition struct {
	PositionID string
	Symbol     string
	Direction  Direction
	Size       float64
	EntryPrice float64
	ExitPrice  float64
	Realized   float64
	Reason     CloseReason
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// PortfolioSnapshot is a read-only view of the governor's state.
type PortfolioSnapshot struct {
	Equity            float64
	PeakEquity        float64
	DayStartEquity    float64
	RealizedToday     float64
	ConsecutiveLosses int
	OpenNotional      float64
	OpenPositions     int
	Wins              int
	Losses            int
	Halted            bool
	HaltReason        string
}

// Drawdown is the fractional decline of equity from its peak.
func (s PortfolioSnapshot) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity
}
