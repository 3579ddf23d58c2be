package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"swing-trading-bot/internal/exchange"
	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/risk"
	"swing-trading-bot/internal/store"
	"swing-trading-bot/internal/types"
)

type stubSource struct {
	id       string
	dir      types.Direction
	strength float64
}

func (s stubSource) ID() string { return s.id }

func (s stubSource) ProduceSignal(_ context.Context, symbol string, _ []types.Candle) (*types.Signal, error) {
	return &types.Signal{
		SourceID:   s.id,
		Symbol:     symbol,
		Direction:  s.dir,
		Strength:   s.strength,
		Confidence: 0.9,
		At:         time.Now(),
		TTL:        5 * time.Minute,
	}, nil
}

func testEngineConfig() *store.Config {
	cfg := &store.Config{}
	cfg.Mode = "SIM"
	cfg.Symbols = []string{"XMRUSDT"}
	cfg.Aggregator.MinSources = 2
	cfg.Aggregator.EntryThreshold = 70
	cfg.Aggregator.Epsilon = 1e-6
	cfg.Aggregator.SignalTTLSec = 300
	cfg.Risk.PerTradeRiskFraction = 0.02
	cfg.Risk.MaxPositionFraction = 0.25
	cfg.Risk.MaxExposureFraction = 0.5
	cfg.Risk.MinRiskReward = 1.5
	cfg.Risk.TargetMultiplier = 2.0
	cfg.Risk.StopATRMultiplier = 2.0
	cfg.Risk.MinStopFraction = 0.005
	cfg.Risk.MaxStopFraction = 0.10
	cfg.Risk.VolBaseline = 0.03
	cfg.Risk.VolCeiling = 0.15
	cfg.Risk.LossStreakFactor = 0.8
	cfg.Halts.MaxDrawdown = 0.5
	cfg.Halts.MaxConsecutiveLosses = 100
	cfg.Halts.DailyLossLimit = 0.5
	cfg.Orders.MaxRetries = 2
	cfg.Orders.BackoffBaseMs = 1
	cfg.Orders.BackoffMaxMs = 5
	cfg.Orders.LimitWindowSec = 60
	cfg.Orders.LimitOffsetBps = 10
	cfg.Orders.SubmitTimeoutSec = 1
	cfg.Ledger.TrailFraction = 1.0
	cfg.Ledger.ProfitGateFraction = 1.0
	cfg.Ledger.TimeStopMinutes = 60 * 24 * 30
	cfg.Ledger.TimeStopMinMove = 0.25
	cfg.Account.InitialEquity = 10000
	return cfg
}

type engineHarness struct {
	e      *Engine
	sim    *exchange.Sim
	gov    *risk.Governor
	alerts *captureAlerter
	cancel context.CancelFunc
}

func newEngineHarness(t *testing.T, cfg *store.Config) *engineHarness {
	return newEngineHarnessOn(t, cfg, exchange.NewSim(true), nil)
}

// newEngineHarnessOn wires the engine over a specific exchange; ex defaults
// to sim when nil.
func newEngineHarnessOn(t *testing.T, cfg *store.Config, sim *exchange.Sim, ex interfaces.Exchange) *engineHarness {
	t.Helper()
	if ex == nil {
		ex = sim
	}
	gov := risk.NewGovernor(risk.GovernorConfig{
		MaxExposureFraction:  cfg.Risk.MaxExposureFraction,
		MaxDrawdown:          cfg.Halts.MaxDrawdown,
		MaxConsecutiveLosses: cfg.Halts.MaxConsecutiveLosses,
		DailyLossLimit:       cfg.Halts.DailyLossLimit,
	}, cfg.Account.InitialEquity)
	alerts := &captureAlerter{}

	e := New(Params{
		Config:   cfg,
		Exchange: ex,
		Sources: []interfaces.SignalSource{
			stubSource{id: "trend", dir: types.Long, strength: 90},
			stubSource{id: "meanrev", dir: types.Long, strength: 85},
		},
		Governor: gov,
		Alerter:  alerts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Wait()
	})
	return &engineHarness{e: e, sim: sim, gov: gov, alerts: alerts, cancel: cancel}
}

// feedFlat posts n mildly ranging candles around price.
func (h *engineHarness) feedFlat(n int, price float64, start time.Time) time.Time {
	ts := start
	for i := 0; i < n; i++ {
		h.sim.SetPrice("XMRUSDT", price)
		h.e.OnCandle("XMRUSDT", types.Candle{
			Ts:    ts,
			Open:  price,
			High:  price + 1,
			Low:   price - 1,
			Close: price,
			Vol:   1000,
		})
		ts = ts.Add(time.Minute)
	}
	return ts
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

func TestEngineOpensPositionOnConfluence(t *testing.T) {
	h := newEngineHarness(t, testEngineConfig())

	start := time.Now()
	h.feedFlat(25, 100, start)

	waitFor(t, 2*time.Second, "position to open", func() bool {
		return h.e.book.openCount() == 1
	})

	snap := h.e.Snapshot()
	if snap.OpenNotional <= 0 {
		t.Errorf("governor shows no exposure after fill: %+v", snap)
	}
	// Notional within the position cap.
	if maxNotional := 0.25 * 10000.0; snap.OpenNotional > maxNotional*1.01 {
		t.Errorf("open notional %.2f exceeds position cap %.2f", snap.OpenNotional, maxNotional)
	}
	if !h.alerts.contains("opened") {
		t.Errorf("expected an open alert, got %v", h.alerts.msgs)
	}
}

func TestEngineTargetExitRealizesGain(t *testing.T) {
	h := newEngineHarness(t, testEngineConfig())

	ts := h.feedFlat(25, 100, time.Now())
	waitFor(t, 2*time.Second, "position to open", func() bool {
		return h.e.book.openCount() == 1
	})

	// Well beyond the 2x-stop-distance target.
	h.feedFlat(2, 115, ts)

	waitFor(t, 2*time.Second, "position to close at target", func() bool {
		return h.e.book.openCount() == 0
	})
	waitFor(t, time.Second, "realized gain to book", func() bool {
		return h.gov.Snapshot().Equity > 10000
	})
	if snap := h.gov.Snapshot(); snap.Wins != 1 || snap.Losses != 0 {
		t.Errorf("expected one win, got %+v", snap)
	}
	if !h.alerts.contains("closed") {
		t.Errorf("expected a close alert, got %v", h.alerts.msgs)
	}
}

// gatedExchange holds SubmitOrder until released so a halt can be
// interleaved with an in-flight submission.
type gatedExchange struct {
	*exchange.Sim
	entered chan struct{}
	release chan struct{}
	aborted chan struct{}

	mu   sync.Mutex
	keys []string
}

func newGatedExchange(autoFill bool) *gatedExchange {
	return &gatedExchange{
		Sim:     exchange.NewSim(autoFill),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		aborted: make(chan struct{}, 1),
	}
}

func (g *gatedExchange) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	g.mu.Lock()
	g.keys = append(g.keys, req.ClientKey)
	g.mu.Unlock()
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		select {
		case g.aborted <- struct{}{}:
		default:
		}
		return types.OrderAck{}, ctx.Err()
	}
	return g.Sim.SubmitOrder(ctx, req)
}

func (g *gatedExchange) firstKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.keys) == 0 {
		return ""
	}
	return g.keys[0]
}

func TestEngineHaltCancelsInFlightSubmission(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Halts.MaxConsecutiveLosses = 1
	gated := newGatedExchange(true)
	h := newEngineHarnessOn(t, cfg, gated.Sim, gated)

	h.feedFlat(25, 100, time.Now())
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no submission reached the venue")
	}

	// A loss elsewhere trips the streak halt while the submission is held at
	// the venue.
	d := h.gov.OnClose("other-position", -100)
	if d == nil {
		t.Fatal("expected a halt directive")
	}
	h.e.halt(context.Background(), d)

	// The halt must abort the submission rather than wait it out.
	select {
	case <-gated.aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("halt left the in-flight submission running")
	}

	close(gated.release)
	time.Sleep(50 * time.Millisecond)
	if n := h.e.book.openCount(); n != 0 {
		t.Fatalf("%d position(s) opened after the halt", n)
	}
	if !h.alerts.contains("trading halted") {
		t.Errorf("expected a halt alert, got %v", h.alerts.msgs)
	}
}

func TestEngineHaltDuringSubmitCancelsAcceptedOrder(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Halts.MaxConsecutiveLosses = 1
	gated := newGatedExchange(false)
	h := newEngineHarnessOn(t, cfg, gated.Sim, gated)

	h.feedFlat(25, 100, time.Now())
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no submission reached the venue")
	}

	// The governor halts while the ack is still in flight and no directive
	// reaches this symbol's actor; the post-submission re-check must cancel
	// the accepted order.
	if d := h.gov.OnClose("other-position", -100); d == nil {
		t.Fatal("expected a halt directive")
	}
	close(gated.release)

	waitFor(t, 2*time.Second, "venue order to be cancelled", func() bool {
		key := gated.firstKey()
		if key == "" {
			return false
		}
		o, _ := gated.Sim.OrderStatusByKey(context.Background(), key)
		return o != nil && o.State == types.OrderCancelled
	})
	if h.e.book.openCount() != 0 {
		t.Fatal("position opened while halted")
	}
}

func TestEngineStopLossTriggersHaltOnStreak(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Halts.MaxConsecutiveLosses = 1
	h := newEngineHarness(t, cfg)

	ts := h.feedFlat(25, 100, time.Now())
	waitFor(t, 2*time.Second, "position to open", func() bool {
		return h.e.book.openCount() == 1
	})

	// Crash through the stop.
	h.feedFlat(2, 90, ts)

	waitFor(t, 2*time.Second, "stop-loss exit to book", func() bool {
		return h.e.book.openCount() == 0
	})
	waitFor(t, time.Second, "governor halt", func() bool {
		halted, _ := h.gov.Halted()
		return halted
	})
	if !h.alerts.contains("trading halted") {
		t.Errorf("expected a halt alert, got %v", h.alerts.msgs)
	}

	// Halted portfolio rejects new entries until an explicit reset.
	ts = h.feedFlat(3, 100, ts.Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	if h.e.book.openCount() != 0 {
		t.Fatal("entry opened while halted")
	}

	h.e.ResetHalts(context.Background(), "operator reset")
	if halted, _ := h.gov.Halted(); halted {
		t.Fatal("halt survived reset")
	}
}
