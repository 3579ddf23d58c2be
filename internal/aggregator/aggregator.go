// Package aggregator combines scored opinions from independent signal
// sources into one directional reading per symbol.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"swing-trading-bot/internal/types"
)

// Config is fixed for a run. Weights are raw per-source weights; they are
// renormalized over the set of currently live sources at aggregation time,
// so they do not need to sum to 1. A source without a configured weight
// contributes with weight 1.
type Config struct {
	MinSources int
	Epsilon    float64
	Weights    map[string]float64
}

type cachedSignal struct {
	sig types.Signal
	seq uint64
}

// Aggregator keeps, per symbol, the most recent non-expired signal per
// source. Aggregate is a pure function of that cache.
type Aggregator struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	seq   uint64
	cache map[string]map[string]cachedSignal // symbol -> source -> latest
}

func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]map[string]cachedSignal),
	}
}

// SetClock overrides the time source, for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Observe records a new signal, replacing the source's previous one for the
// symbol.
func (a *Aggregator) Observe(sig types.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.cache[sig.Symbol]
	if !ok {
		m = make(map[string]cachedSignal)
		a.cache[sig.Symbol] = m
	}
	a.seq++
	m[sig.SourceID] = cachedSignal{sig: sig, seq: a.seq}
}

// Aggregate recomputes the confluence for a symbol. Returns nil when fewer
// than MinSources sources have a live signal. A weighted sum within Epsilon
// of zero resolves to flat.
func (a *Aggregator) Aggregate(symbol string) *types.AggregatedSignal {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	m := a.cache[symbol]

	live := make([]cachedSignal, 0, len(m))
	for src, cs := range m {
		if cs.sig.Expired(now) {
			delete(m, src)
			continue
		}
		live = append(live, cs)
	}
	if len(live) < a.cfg.MinSources {
		return nil
	}

	// Contributing signals in arrival order.
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	var sum, norm float64
	contributing := make([]types.Signal, 0, len(live))
	for _, cs := range live {
		s := cs.sig
		w := a.weight(s.SourceID)
		sum += w * s.Strength * s.Confidence * float64(s.Direction)
		norm += w * s.Confidence
		contributing = append(contributing, s)
	}

	dir := types.Flat
	if sum > a.cfg.Epsilon {
		dir = types.Long
	} else if sum < -a.cfg.Epsilon {
		dir = types.Short
	}

	strength := 0.0
	if norm > 0 {
		strength = math.Abs(sum) / norm
	}
	if strength > 100 {
		strength = 100
	}

	return &types.AggregatedSignal{
		Symbol:       symbol,
		Direction:    dir,
		Strength:     strength,
		Contributing: contributing,
		At:           now,
	}
}

func (a *Aggregator) weight(sourceID string) float64 {
	if w, ok := a.cfg.Weights[sourceID]; ok {
		return w
	}
	return 1.0
}
