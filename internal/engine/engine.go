// Package engine wires the aggregator, sizer, governor, order state machine
// and position ledger into per-symbol actors.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swing-trading-bot/internal/aggregator"
	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/logger"
	"swing-trading-bot/internal/metrics"
	"swing-trading-bot/internal/risk"
	"swing-trading-bot/internal/store"
	"swing-trading-bot/internal/ta"
	"swing-trading-bot/internal/trace"
	"swing-trading-bot/internal/types"
)

const (
	historyLimit = 300
	minHistory   = 20
	atrPeriod    = 14
)

// Params collects the engine's collaborators.
type Params struct {
	Config   *store.Config
	Exchange interfaces.Exchange
	Sources  []interfaces.SignalSource
	Governor *risk.Governor
	Audit    interfaces.AuditStore
	Alerter  interfaces.Alerter
}

// Engine runs one actor goroutine per symbol. All state for a symbol (candle
// history, the in-flight entry execution, exit executions) is touched only by
// its actor, so no locks guard it. The governor serializes portfolio state
// behind its own mutex; the ledger behind its own.
type Engine struct {
	cfg     *store.Config
	ex      interfaces.Exchange
	sources []interfaces.SignalSource
	agg     *aggregator.Aggregator
	sizer   *risk.Sizer
	gov     *risk.Governor
	book    *ledger
	audit   interfaces.AuditStore
	alerter interfaces.Alerter

	actors map[string]*symbolActor
	wg     sync.WaitGroup
}

func New(p Params) *Engine {
	cfg := p.Config
	e := &Engine{
		cfg:     cfg,
		ex:      p.Exchange,
		sources: p.Sources,
		gov:     p.Governor,
		audit:   p.Audit,
		alerter: p.Alerter,
		actors:  make(map[string]*symbolActor),
	}
	e.agg = aggregator.New(aggregator.Config{
		MinSources: cfg.Aggregator.MinSources,
		Epsilon:    cfg.Aggregator.Epsilon,
		Weights:    cfg.Aggregator.SourceWeights,
	})
	e.sizer = risk.NewSizer(risk.SizerConfig{
		EntryThreshold:       cfg.Aggregator.EntryThreshold,
		PerTradeRiskFraction: cfg.Risk.PerTradeRiskFraction,
		MaxPositionFraction:  cfg.Risk.MaxPositionFraction,
		MinRiskReward:        cfg.Risk.MinRiskReward,
		TargetMultiplier:     cfg.Risk.TargetMultiplier,
		StopATRMultiplier:    cfg.Risk.StopATRMultiplier,
		MinStopFraction:      cfg.Risk.MinStopFraction,
		MaxStopFraction:      cfg.Risk.MaxStopFraction,
		VolBaseline:          cfg.Risk.VolBaseline,
		VolCeiling:           cfg.Risk.VolCeiling,
		LossStreakFactor:     cfg.Risk.LossStreakFactor,
	}, p.Governor)
	e.book = newLedger(ledgerConfig{
		TrailFraction:       cfg.Ledger.TrailFraction,
		ProfitGate:          cfg.Ledger.ProfitGateFraction,
		PartialTakeLevel:    cfg.Ledger.PartialTakeLevel,
		PartialTakeFraction: cfg.Ledger.PartialTakeFraction,
		TimeStopWindow:      cfg.TimeStopWindow(),
		TimeStopMinMove:     cfg.Ledger.TimeStopMinMove,
	})
	for _, sym := range cfg.Symbols {
		e.actors[sym] = newSymbolActor(e, sym)
	}
	return e
}

// Start launches the symbol actors and the exchange event pump. It returns
// immediately; Wait blocks until everything has drained after ctx cancels.
func (e *Engine) Start(ctx context.Context) {
	for _, a := range e.actors {
		e.wg.Add(1)
		go func(a *symbolActor) {
			defer e.wg.Done()
			a.run(ctx)
		}(a)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpEvents(ctx)
	}()
	logger.Info(ctx, "Engine started",
		"symbols", e.cfg.Symbols,
		"exchange", e.ex.Name(),
		"sources", len(e.sources),
	)
}

func (e *Engine) Wait() { e.wg.Wait() }

// OnCandle feeds one price bar into the symbol's actor. Unknown symbols are
// dropped.
func (e *Engine) OnCandle(symbol string, c types.Candle) {
	a, ok := e.actors[symbol]
	if !ok {
		return
	}
	a.post(actorMsg{candle: &c})
}

// ResetHalts lifts a governor halt and rolls the daily counters. Driven by
// the trading-day roll or an operator signal, never by time inside the engine.
func (e *Engine) ResetHalts(ctx context.Context, reason string) {
	e.gov.Reset(reason)
	logger.Halt(ctx, "reset", reason)
	e.alerter.Alert(interfaces.AlertInfo, "trading halts reset: "+reason)
}

// Snapshot combines governor state with mark-to-market ledger state.
func (e *Engine) Snapshot() types.PortfolioSnapshot {
	snap := e.gov.Snapshot()
	snap.OpenPositions = e.book.openCount()
	return snap
}

// pumpEvents routes the exchange stream to actors. Reconnect events carry no
// symbol and trigger reconciliation everywhere.
func (e *Engine) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.ex.Events():
			if !ok {
				return
			}
			if ev.Kind == types.EventReconnect {
				logger.Warn(ctx, "Exchange stream reconnected, reconciling all symbols")
				for _, a := range e.actors {
					a.post(actorMsg{reconcile: true})
				}
				continue
			}
			if a, ok := e.actors[ev.Symbol]; ok {
				a.post(actorMsg{event: &ev})
			}
		}
	}
}

// halt fans a governor directive out to every actor and alerts the operator.
func (e *Engine) halt(ctx context.Context, d *risk.HaltDirective) {
	metrics.Halts.Inc()
	logger.Halt(ctx, "halt", d.Reason)
	e.alerter.Alert(interfaces.AlertCritical, "trading halted: "+d.Reason)
	// Fan out off the calling actor's goroutine: an actor posting to its own
	// full mailbox would deadlock.
	go func() {
		for _, a := range e.actors {
			a.post(actorMsg{halt: d})
		}
	}()
}

func (e *Engine) recordDecision(ctx context.Context, d *types.RiskDecision, rej *types.Rejection) {
	if rej != nil {
		metrics.Rejections.WithLabelValues(string(rej.Reason)).Inc()
		logger.Decision(ctx, rej.Symbol, "rejected", "reason", string(rej.Reason), "detail", rej.Detail)
	} else {
		metrics.DecisionsAccepted.Inc()
		logger.Decision(ctx, d.Symbol, "accepted",
			"direction", d.Direction.String(),
			"size", d.Size,
			"entry", d.EntryPrice,
			"stop", d.StopPrice,
			"target", d.TargetPrice,
		)
	}
	if e.audit != nil {
		if err := e.audit.RecordDecision(ctx, d, rej); err != nil {
			logger.Warn(ctx, "Audit write failed", "error", err)
		}
	}
}

func (e *Engine) publishGauges() {
	snap := e.Snapshot()
	metrics.Equity.Set(snap.Equity)
	metrics.Drawdown.Set(snap.Drawdown())
	metrics.OpenExposure.Set(snap.OpenNotional)
	metrics.OpenPositions.Set(float64(snap.OpenPositions))
}

// actorMsg is the mailbox payload. Exactly one field is set.
type actorMsg struct {
	candle    *types.Candle
	event     *types.ExchangeEvent
	submitted *submitResult
	halt      *risk.HaltDirective
	reconcile bool
}

// submitResult is posted back by the submission goroutine so backoff sleeps
// never block the actor.
type submitResult struct {
	posID string // empty for the entry execution
	err   error
}

type entryExec struct {
	m        *orderMachine
	decision *types.RiskDecision
	pos      *types.Position
	cancel   context.CancelFunc // aborts the in-flight submission and its retry schedule
	inSubmit bool
}

type exitExec struct {
	m        *orderMachine
	pos      *types.Position
	reason   types.CloseReason
	inSubmit bool
}

// symbolActor applies all events for one symbol serially.
type symbolActor struct {
	e       *Engine
	symbol  string
	mailbox chan actorMsg

	history []types.Candle
	entry   *entryExec
	exits   map[string]*exitExec // by position id
	pending []types.ExchangeEvent
	lastPx  float64
}

func newSymbolActor(e *Engine, symbol string) *symbolActor {
	return &symbolActor{
		e:       e,
		symbol:  symbol,
		mailbox: make(chan actorMsg, 256),
		exits:   make(map[string]*exitExec),
	}
}

// post blocks when the mailbox is full: dropping exchange events is never
// safe, and backpressure on the feeder is the correct failure mode.
func (a *symbolActor) post(msg actorMsg) {
	a.mailbox <- msg
}

func (a *symbolActor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.mailbox:
			switch {
			case msg.candle != nil:
				a.onCandle(ctx, *msg.candle)
			case msg.event != nil:
				a.onEvent(ctx, *msg.event)
			case msg.submitted != nil:
				a.onSubmitted(ctx, *msg.submitted)
			case msg.halt != nil:
				a.onHalt(ctx)
			case msg.reconcile:
				a.onReconcile(ctx)
			}
			a.e.publishGauges()
		}
	}
}

func (a *symbolActor) onCandle(ctx context.Context, c types.Candle) {
	a.history = append(a.history, c)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.lastPx = c.Close

	a.manageOpenLots(ctx, c)

	// Candles double as the clock for limit-order expiry.
	if a.entry != nil {
		if !a.entry.inSubmit {
			a.entry.m.tick(ctx, time.Now())
		}
		return // one entry execution at a time
	}
	if len(a.e.book.bySymbol(a.symbol)) > 0 || len(a.exits) > 0 {
		return // manage the open lot; no stacking entries
	}
	if len(a.history) < minHistory {
		return
	}

	a.evaluate(ctx, c)
}

// evaluate polls the sources, aggregates, sizes, and starts an entry when
// everything passes.
func (a *symbolActor) evaluate(ctx context.Context, c types.Candle) {
	ctx, span := trace.StartSpan(ctx, "evaluate_symbol")
	defer span.End()

	for _, src := range a.e.sources {
		sig, err := src.ProduceSignal(ctx, a.symbol, a.history)
		if err != nil {
			logger.Warn(ctx, "Signal source failed", "source", src.ID(), "symbol", a.symbol, "error", err)
			continue
		}
		if sig == nil {
			continue
		}
		metrics.SignalsObserved.WithLabelValues(src.ID()).Inc()
		a.e.agg.Observe(*sig)
	}

	agg := a.e.agg.Aggregate(a.symbol)
	if agg == nil {
		a.e.recordDecision(ctx, nil, &types.Rejection{
			Symbol: a.symbol,
			Reason: types.RejectInsufficientConfluence,
			Detail: fmt.Sprintf("fewer than %d live sources", a.e.cfg.Aggregator.MinSources),
		})
		return
	}

	vol := a.atr()
	decision, rej := a.e.sizer.Size(agg, c.Close, vol)
	if rej != nil {
		a.e.recordDecision(ctx, nil, rej)
		return
	}
	a.e.recordDecision(ctx, decision, nil)
	a.startEntry(ctx, decision)
}

func (a *symbolActor) atr() float64 {
	highs := make([]float64, len(a.history))
	lows := make([]float64, len(a.history))
	closes := make([]float64, len(a.history))
	for i, c := range a.history {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	return ta.ATR(highs, lows, closes, atrPeriod)
}

func (a *symbolActor) startEntry(ctx context.Context, d *types.RiskDecision) {
	offset := a.e.cfg.Orders.LimitOffsetBps / 10000
	side := types.Buy
	limit := d.EntryPrice * (1 + offset)
	if d.Direction == types.Short {
		side = types.Sell
		limit = d.EntryPrice * (1 - offset)
	}

	m := newOrderMachine(a.machineConfig(), a.e.ex, a.e.audit, a.e.alerter, types.OrderRequest{
		Symbol:     a.symbol,
		Side:       side,
		Type:       types.Limit,
		Size:       d.Size,
		LimitPrice: limit,
	})
	sctx, cancel := context.WithCancel(ctx)
	a.entry = &entryExec{m: m, decision: d, cancel: cancel, inSubmit: true}
	a.submitAsync(sctx, m, "")
}

// startExit sends a market order reducing the lot by size. One exit per lot
// at a time.
func (a *symbolActor) startExit(ctx context.Context, p *types.Position, size float64, reason types.CloseReason) {
	side := types.Sell
	if p.Direction == types.Short {
		side = types.Buy
	}
	m := newOrderMachine(a.machineConfig(), a.e.ex, a.e.audit, a.e.alerter, types.OrderRequest{
		Symbol: a.symbol,
		Side:   side,
		Type:   types.Market,
		Size:   size,
	})
	a.exits[p.ID] = &exitExec{m: m, pos: p, reason: reason, inSubmit: true}
	logger.Info(ctx, "Exit requested",
		"symbol", a.symbol,
		"position_id", p.ID,
		"reason", string(reason),
		"size", size,
	)
	a.submitAsync(ctx, m, p.ID)
}

func (a *symbolActor) machineConfig() orderMachineConfig {
	o := a.e.cfg.Orders
	return orderMachineConfig{
		MaxRetries:    o.MaxRetries,
		BackoffBase:   time.Duration(o.BackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(o.BackoffMaxMs) * time.Millisecond,
		LimitWindow:   a.e.cfg.LimitWindow(),
		SubmitTimeout: time.Duration(o.SubmitTimeoutSec) * time.Second,
	}
}

// submitAsync runs the retry loop off the actor goroutine and posts the
// outcome back to the mailbox. The actor leaves the machine alone until the
// result arrives.
func (a *symbolActor) submitAsync(ctx context.Context, m *orderMachine, posID string) {
	go func() {
		err := m.submit(ctx)
		a.post(actorMsg{submitted: &submitResult{posID: posID, err: err}})
	}()
}

func (a *symbolActor) onSubmitted(ctx context.Context, res submitResult) {
	if res.posID == "" {
		if a.entry == nil {
			return
		}
		a.entry.inSubmit = false
		if a.entry.cancel != nil {
			a.entry.cancel()
			a.entry.cancel = nil
		}
		metrics.OrderEvents.WithLabelValues("submit").Inc()
		if res.err != nil {
			a.entry = nil
		} else if halted, _ := a.e.gov.Halted(); halted && !a.entry.m.done {
			// A halt landed while the submission was in flight. Cancel the
			// accepted order; any fill that raced the cancel is still booked
			// through the event path.
			a.cancelEntryOrder(ctx)
		}
	} else {
		x, ok := a.exits[res.posID]
		if !ok {
			return
		}
		x.inSubmit = false
		metrics.OrderEvents.WithLabelValues("submit").Inc()
		if res.err != nil {
			// The exit could not be placed; the lot stays open and the
			// next candle re-triggers it.
			a.e.alerter.Alert(interfaces.AlertError,
				fmt.Sprintf("exit order for %s failed: %v", a.symbol, res.err))
			delete(a.exits, res.posID)
		}
	}

	// Replay events that arrived while the submission was in flight.
	replay := a.pending
	a.pending = nil
	for _, ev := range replay {
		a.onEvent(ctx, ev)
	}
}

func (a *symbolActor) onEvent(ctx context.Context, ev types.ExchangeEvent) {
	if a.anyInSubmit() {
		a.pending = append(a.pending, ev)
		return
	}

	metrics.OrderEvents.WithLabelValues(string(ev.Kind)).Inc()

	if a.entry != nil {
		if f := a.entry.m.handleEvent(ctx, ev); f != nil {
			a.onEntryFill(ctx, f)
		}
		if a.entry != nil && a.entry.m.takeResubmit() {
			a.resubmitEntry(ctx)
		} else if a.entry != nil && a.entry.m.done {
			a.finishEntry(ctx)
		}
	}
	for posID, x := range a.exits {
		x.m.handleEvent(ctx, ev)
		if x.m.done {
			a.finishExit(ctx, posID, x)
		}
	}
}

// onEntryFill opens the lot on the first fill and grows it on subsequent
// fills of the same execution.
func (a *symbolActor) onEntryFill(ctx context.Context, f *types.Fill) {
	en := a.entry
	if en.pos == nil {
		en.pos = a.e.book.openLot(en.decision, f.Size, f.Price, f.At)
		a.e.gov.OnFill(en.pos.ID, f.Size*f.Price)
		if a.e.audit != nil {
			if err := a.e.audit.RecordPositionOpen(ctx, *en.pos); err != nil {
				logger.Warn(ctx, "Audit write failed", "error", err)
			}
		}
	} else {
		a.e.book.grow(en.pos, f.Size, f.Price)
		a.e.gov.OnFill(en.pos.ID, f.Size*f.Price)
	}
	logger.Trade(ctx, f.Symbol, string(en.m.order.Side), f.Size, f.Price, f.OrderID,
		"position_id", en.pos.ID)
}

func (a *symbolActor) finishEntry(ctx context.Context) {
	en := a.entry
	a.entry = nil
	if en.pos == nil {
		return // nothing filled; rejection already audited by the machine
	}
	logger.Info(ctx, "Entry execution complete",
		"symbol", a.symbol,
		"position_id", en.pos.ID,
		"size", en.pos.Size,
		"avg_price", en.pos.EntryPrice,
	)
	a.e.alerter.Alert(interfaces.AlertInfo,
		fmt.Sprintf("opened %s %s: %.2f @ %.2f", en.pos.Direction, a.symbol, en.pos.Size, en.pos.EntryPrice))
}

// finishExit books the realized slice with the ledger and the governor, and
// fans out any halt the close triggered.
func (a *symbolActor) finishExit(ctx context.Context, posID string, x *exitExec) {
	delete(a.exits, posID)
	if x.m.filled <= 0 {
		return
	}

	now := time.Now()
	closed := a.e.book.reduce(x.pos, x.m.filled, x.m.avgPrice, x.reason, now)
	if a.e.audit != nil {
		if err := a.e.audit.RecordPositionClose(ctx, closed); err != nil {
			logger.Warn(ctx, "Audit write failed", "error", err)
		}
	}
	logger.Trade(ctx, a.symbol, string(x.m.order.Side), closed.Size, closed.ExitPrice, x.m.order.ID,
		"position_id", posID,
		"reason", string(x.reason),
		"realized", closed.Realized,
	)
	a.e.alerter.Alert(interfaces.AlertInfo,
		fmt.Sprintf("closed %s %s (%s): %.2f @ %.2f, P&L %.2f",
			closed.Direction, a.symbol, closed.Reason, closed.Size, closed.ExitPrice, closed.Realized))

	var directive *risk.HaltDirective
	if x.pos.Open {
		directive = a.e.gov.OnPartialClose(posID, closed.EntryPrice*closed.Size, closed.Realized)
	} else {
		directive = a.e.gov.OnClose(posID, closed.Realized)
	}
	if directive != nil {
		a.e.halt(ctx, directive)
	}
}

// manageOpenLots applies one price observation to every open lot and executes
// whatever the ledger decided.
func (a *symbolActor) manageOpenLots(ctx context.Context, c types.Candle) {
	for _, p := range a.e.book.bySymbol(a.symbol) {
		if _, exiting := a.exits[p.ID]; exiting {
			continue
		}
		for _, act := range a.e.book.update(p, c.Close, c.Ts) {
			switch act.Kind {
			case actionStopMoved:
				logger.Debug(ctx, "Stop ratcheted", "symbol", a.symbol, "position_id", p.ID, "stop", act.Price)
			case actionStopHit:
				a.startExit(ctx, p, p.Size, types.CloseStopLoss)
			case actionTargetHit:
				a.startExit(ctx, p, p.Size, types.CloseTarget)
			case actionTimeStop:
				a.startExit(ctx, p, p.Size, types.CloseTimeStop)
			case actionPartialTake:
				a.startExit(ctx, p, act.Size, types.ClosePartialTake)
			}
			if _, exiting := a.exits[p.ID]; exiting {
				break // one exit per lot at a time
			}
		}
	}
}

// resubmitEntry runs the staged market fallback off the actor goroutine, the
// same way the initial submission runs.
func (a *symbolActor) resubmitEntry(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	a.entry.cancel = cancel
	a.entry.inSubmit = true
	a.submitAsync(sctx, a.entry.m, "")
}

// onHalt cancels the in-flight entry, if any: a submission mid-retry is
// aborted through its context, a resting order is cancelled at the venue.
// Open lots and their exits are left alone; a halt stops new risk, it does
// not dump inventory.
func (a *symbolActor) onHalt(ctx context.Context) {
	en := a.entry
	if en == nil || en.m.done {
		return
	}
	if en.inSubmit {
		// Aborts the retry schedule. onSubmitted re-checks the governor and
		// cancels anything the venue accepted in the meantime.
		if en.cancel != nil {
			en.cancel()
		}
		return
	}
	a.cancelEntryOrder(ctx)
}

// cancelEntryOrder asks the venue to cancel the live entry order, off the
// actor goroutine so the round trip never blocks event handling. The
// confirmation comes back through the event stream.
func (a *symbolActor) cancelEntryOrder(ctx context.Context) {
	id := a.entry.m.order.ID
	if id == "" {
		return
	}
	logger.Info(ctx, "Cancelling in-flight entry", "symbol", a.symbol, "order_id", id)
	go func() {
		if err := a.e.ex.CancelOrder(ctx, id); err != nil {
			logger.Warn(ctx, "Entry cancel failed", "order_id", id, "error", err)
		}
	}()
}

// onReconcile re-queries the exchange for every live execution and adopts its
// state.
func (a *symbolActor) onReconcile(ctx context.Context) {
	if a.anyInSubmit() {
		return // the submit path already probes by client key
	}
	if a.entry != nil {
		if f := a.entry.m.reconcile(ctx); f != nil {
			a.onEntryFill(ctx, f)
		}
		if a.entry != nil && a.entry.m.done {
			a.finishEntry(ctx)
		}
	}
	for posID, x := range a.exits {
		x.m.reconcile(ctx)
		if x.m.done {
			a.finishExit(ctx, posID, x)
		}
	}
}

func (a *symbolActor) anyInSubmit() bool {
	if a.entry != nil && a.entry.inSubmit {
		return true
	}
	for _, x := range a.exits {
		if x.inSubmit {
			return true
		}
	}
	return false
}
