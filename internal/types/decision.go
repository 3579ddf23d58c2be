package types

// RejectReason is the machine-readable code attached to every vetoed decision.
type RejectReason string

const (
	RejectInsufficientConfluence RejectReason = "insufficient_confluence"
	RejectBelowThreshold         RejectReason = "below_threshold"
	RejectRatioTooLow            RejectReason = "ratio_too_low"
	RejectExposureCap            RejectReason = "exposure_cap"
	RejectVolatilityHalt         RejectReason = "volatility_halt"
	RejectHalted                 RejectReason = "halted"
)

// Rejection is a policy veto. It is a normal outcome, not an error: the loop
// logs it, audits it, and continues.
type Rejection struct {
	Symbol string
	Reason RejectReason
	Detail string
}

// RiskDecision is a fully sized, risk-bounded order candidate.
type RiskDecision struct {
	Symbol      string
	Direction   Direction
	Size        float64 // units of base asset
	EntryPrice  float64
	StopPrice   float64
	TargetPrice float64
	RiskAmount  float64 // capital at risk if the stop is hit
	RiskReward  float64
}

// Notional is the capital the decision would deploy at the entry reference.
func (d RiskDecision) Notional() float64 {
	return d.Size * d.EntryPrice
}

// StopDistance is the absolute distance between entry and stop.
func (d RiskDecision) StopDistance() float64 {
	if d.EntryPrice > d.StopPrice {
		return d.EntryPrice - d.StopPrice
	}
	return d.StopPrice - d.EntryPrice
}
