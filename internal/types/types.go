package types

import "time"

type Candle struct {
	Ts                          time.Time
	Open, High, Low, Close, Vol float64
}

// Direction is the signed trade direction: +1 long, -1 short, 0 flat.
type Direction int

const (
	Long  Direction = 1
	Flat  Direction = 0
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Signal is a single scored opinion from one source. Immutable once produced;
// dead after TTL elapses.
type Signal struct {
	SourceID   string
	Symbol     string
	Direction  Direction
	Strength   float64 // 0..100
	Confidence float64 // 0..1
	At         time.Time
	TTL        time.Duration
}

func (s Signal) Expired(now time.Time) bool {
	return now.Sub(s.At) > s.TTL
}

// AggregatedSignal is the confluence of all live signals for a symbol.
// Contributing preserves arrival order.
type AggregatedSignal struct {
	Symbol       string
	Direction    Direction
	Strength     float64 // 0..100
	Contributing []Signal
	At           time.Time
}
