package engine

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"swing-trading-bot/internal/types"
)

type ledgerConfig struct {
	TrailFraction       float64 // trailing distance as a fraction of the initial stop distance
	ProfitGate          float64 // favorable move (fraction of stop distance) before trailing arms
	PartialTakeLevel    float64 // fraction of target distance that triggers the partial take
	PartialTakeFraction float64
	TimeStopWindow      time.Duration
	TimeStopMinMove     float64 // fraction of stop distance the move must exceed to dodge the time stop
}

type actionKind string

const (
	actionStopHit     actionKind = "stop_hit"
	actionTargetHit   actionKind = "target_hit"
	actionPartialTake actionKind = "partial_take"
	actionTimeStop    actionKind = "time_stop"
	actionStopMoved   actionKind = "stop_moved"
)

// trailAction is one thing the ledger decided on a price update. Stop moves
// are already applied when returned; exits are for the caller to execute.
type trailAction struct {
	Kind  actionKind
	Price float64
	Size  float64
}

// ledger tracks open lots and applies exit management rules. Each add of
// exposure opens a distinct lot so per-lot P&L attribution stays exact; a
// lot's size only ever decreases once its entry execution completes. The
// ledger is pure bookkeeping: it never talks to an exchange or a store.
type ledger struct {
	cfg ledgerConfig

	mu     sync.Mutex
	open   map[string]*types.Position
	maxFav map[string]float64 // high-water favorable move per lot
}

func newLedger(cfg ledgerConfig) *ledger {
	return &ledger{
		cfg:    cfg,
		open:   make(map[string]*types.Position),
		maxFav: make(map[string]float64),
	}
}

// openLot creates a lot from the sizing decision and the first fill.
func (l *ledger) openLot(d *types.RiskDecision, size, avgPrice float64, now time.Time) *types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &types.Position{
		ID:          uuid.NewString(),
		Symbol:      d.Symbol,
		Direction:   d.Direction,
		Size:        size,
		EntryPrice:  avgPrice,
		Stop:        d.StopPrice,
		Target:      d.TargetPrice,
		InitialStop: d.StopPrice,
		OpenedAt:    now,
		Open:        true,
	}
	l.open[p.ID] = p
	l.maxFav[p.ID] = 0
	return p
}

// grow folds a further fill of the same entry execution into the lot. This is
// the only path that increases a lot's size.
func (l *ledger) grow(p *types.Position, size, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := p.EntryPrice*p.Size + price*size
	p.Size += size
	p.EntryPrice = total / p.Size
}

// update applies one price observation and returns the resulting actions.
// Stop and target exits preempt everything else; otherwise the partial take,
// the trailing ratchet and the time stop are evaluated in that order. The
// stop only ever moves in the position's favor.
func (l *ledger) update(p *types.Position, price float64, now time.Time) []trailAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !p.Open {
		return nil
	}

	dir := float64(p.Direction)
	p.Unrealized = (price - p.EntryPrice) * dir * p.Size

	fav := p.Favorable(price)
	if fav > l.maxFav[p.ID] {
		l.maxFav[p.ID] = fav
	}

	if stopHit(p, price) {
		return []trailAction{{Kind: actionStopHit, Price: p.Stop, Size: p.Size}}
	}
	if targetHit(p, price) {
		return []trailAction{{Kind: actionTargetHit, Price: p.Target, Size: p.Size}}
	}

	var actions []trailAction
	stopDist := math.Abs(p.EntryPrice - p.InitialStop)
	targetDist := math.Abs(p.Target - p.EntryPrice)

	if !p.TookPartial && l.cfg.PartialTakeLevel > 0 && l.cfg.PartialTakeFraction > 0 &&
		targetDist > 0 && fav >= l.cfg.PartialTakeLevel*targetDist {
		actions = append(actions, trailAction{
			Kind:  actionPartialTake,
			Price: price,
			Size:  l.cfg.PartialTakeFraction * p.Size,
		})
		// Remainder rides risk-free from here.
		if moved := l.ratchetLocked(p, p.EntryPrice); moved {
			actions = append(actions, trailAction{Kind: actionStopMoved, Price: p.Stop})
		}
	}

	if stopDist > 0 && fav >= l.cfg.ProfitGate*stopDist {
		candidate := price - dir*l.cfg.TrailFraction*stopDist
		if moved := l.ratchetLocked(p, candidate); moved {
			actions = append(actions, trailAction{Kind: actionStopMoved, Price: p.Stop})
		}
	}

	if l.cfg.TimeStopWindow > 0 && now.Sub(p.OpenedAt) >= l.cfg.TimeStopWindow &&
		stopDist > 0 && l.maxFav[p.ID] < l.cfg.TimeStopMinMove*stopDist {
		actions = append(actions, trailAction{Kind: actionTimeStop, Price: price, Size: p.Size})
	}

	return actions
}

// ratchetLocked moves the stop to candidate if that is an improvement for the
// position: non-decreasing for longs, non-increasing for shorts.
func (l *ledger) ratchetLocked(p *types.Position, candidate float64) bool {
	if p.Direction == types.Short {
		if candidate < p.Stop {
			p.Stop = candidate
			return true
		}
		return false
	}
	if candidate > p.Stop {
		p.Stop = candidate
		return true
	}
	return false
}

func stopHit(p *types.Position, price float64) bool {
	if p.Direction == types.Short {
		return price >= p.Stop
	}
	return price <= p.Stop
}

func targetHit(p *types.Position, price float64) bool {
	if p.Direction == types.Short {
		return price <= p.Target
	}
	return price >= p.Target
}

// reduce closes part of a lot at price and returns the realized slice. Size
// is clamped to the lot; a reduce can never grow a position.
func (l *ledger) reduce(p *types.Position, size, price float64, reason types.CloseReason, now time.Time) types.ClosedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size > p.Size {
		size = p.Size
	}
	realized := (price - p.EntryPrice) * float64(p.Direction) * size
	p.Size -= size
	if reason == types.ClosePartialTake {
		p.TookPartial = true
	}
	closed := types.ClosedPosition{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Size:       size,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		Realized:   realized,
		Reason:     reason,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   now,
	}
	if p.Size <= 1e-9 {
		p.Size = 0
		p.Open = false
		p.Unrealized = 0
		delete(l.open, p.ID)
		delete(l.maxFav, p.ID)
	}
	return closed
}

// closeLot exits a lot in full.
func (l *ledger) closeLot(p *types.Position, price float64, reason types.CloseReason, now time.Time) types.ClosedPosition {
	return l.reduce(p, p.Size, price, reason, now)
}

// bySymbol returns the open lots for one symbol.
func (l *ledger) bySymbol(symbol string) []*types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*types.Position
	for _, p := range l.open {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// openCount reports the number of open lots.
func (l *ledger) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// unrealized sums mark-to-market P&L over all open lots.
func (l *ledger) unrealized() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	for _, p := range l.open {
		sum += p.Unrealized
	}
	return sum
}
