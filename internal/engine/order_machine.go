package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"swing-trading-bot/internal/exchange"
	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/logger"
	"swing-trading-bot/internal/types"
)

type orderMachineConfig struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LimitWindow   time.Duration
	SubmitTimeout time.Duration
}

// orderMachine drives one execution from submission to a terminal state. It
// owns the order exclusively: retries with backoff on transient submission
// failures, applies fills in exchange sequence order, expires unfilled limit
// orders into a single market fallback, and reconciles against the exchange
// after a stream gap. The exchange is authoritative throughout.
type orderMachine struct {
	cfg     orderMachineConfig
	ex      interfaces.Exchange
	audit   interfaces.AuditStore
	alerter interfaces.Alerter
	clock   func() time.Time

	order     types.Order // the live order; replaced once by the market fallback
	requested float64     // total size for the whole execution
	filled    float64     // cumulative across the limit order and its fallback
	avgPrice  float64
	lastSeq   int64
	deadline  time.Time

	cancelAsked bool
	fellBack    bool
	resubmit    bool // a fallback order is staged and waits for its owner to submit it
	done        bool
}

func newOrderMachine(cfg orderMachineConfig, ex interfaces.Exchange, audit interfaces.AuditStore, alerter interfaces.Alerter, req types.OrderRequest) *orderMachine {
	if req.ClientKey == "" {
		req.ClientKey = uuid.NewString()
	}
	m := &orderMachine{
		cfg:       cfg,
		ex:        ex,
		audit:     audit,
		alerter:   alerter,
		clock:     time.Now,
		requested: req.Size,
	}
	m.order = types.Order{
		ClientKey:     req.ClientKey,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		RequestedSize: req.Size,
		State:         types.OrderPendingSubmit,
		CreatedAt:     m.clock(),
		UpdatedAt:     m.clock(),
	}
	return m
}

func (m *orderMachine) request() types.OrderRequest {
	return types.OrderRequest{
		ClientKey:  m.order.ClientKey,
		Symbol:     m.order.Symbol,
		Side:       m.order.Side,
		Type:       m.order.Type,
		Size:       m.order.RequestedSize,
		LimitPrice: m.order.LimitPrice,
	}
}

// submit places the order, retrying transient failures with exponential
// backoff. The client key makes retries after an ambiguous failure safe: the
// status probe finds any order the venue accepted without acking.
func (m *orderMachine) submit(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffBase
	bo.MaxInterval = m.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.cfg.MaxRetries)), ctx)

	attempted := false
	op := func() error {
		if attempted {
			if existing, err := m.ex.OrderStatusByKey(ctx, m.order.ClientKey); err == nil && existing != nil {
				m.order.ID = existing.ID
				m.order.State = existing.State
				if m.order.State == types.OrderPendingSubmit {
					m.order.State = types.OrderSubmitted
				}
				logger.Info(ctx, "Recovered order after ambiguous submission failure",
					"symbol", m.order.Symbol,
					"order_id", m.order.ID,
					"client_key", m.order.ClientKey,
				)
				return nil
			}
		}
		attempted = true

		sctx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		defer cancel()
		ack, err := m.ex.SubmitOrder(sctx, m.request())
		if err != nil {
			m.order.RetryCount++
			m.order.LastError = err.Error()
			if !exchange.IsTransient(err) {
				return backoff.Permanent(err)
			}
			logger.Warn(ctx, "Order submission failed, will retry",
				"symbol", m.order.Symbol,
				"attempt", m.order.RetryCount,
				"error", err,
			)
			return err
		}
		m.order.ID = ack.OrderID
		m.order.State = types.OrderSubmitted
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			// Cooperative abort: a halt or shutdown cancelled the submission
			// mid-schedule. Not a venue rejection.
			m.order.State = types.OrderCancelled
			m.order.LastError = err.Error()
			m.finish(context.WithoutCancel(ctx), "cancel")
			return err
		}
		m.order.State = types.OrderRejected
		if exchange.IsTransient(err) {
			m.order.LastError = "retry_exhausted: " + err.Error()
			m.alerter.Alert(interfaces.AlertError,
				fmt.Sprintf("order for %s abandoned after %d retries: %v", m.order.Symbol, m.order.RetryCount, err))
		}
		m.finish(ctx, "reject")
		return err
	}

	m.order.UpdatedAt = m.clock()
	if m.order.Type == types.Limit && m.cfg.LimitWindow > 0 {
		m.deadline = m.clock().Add(m.cfg.LimitWindow)
	}
	m.record(ctx, "submit")
	return nil
}

// handleEvent applies one exchange event. It returns the fill that was
// applied, if any, so the caller can update positions incrementally.
func (m *orderMachine) handleEvent(ctx context.Context, ev types.ExchangeEvent) *types.Fill {
	if m.done || ev.OrderID != m.order.ID {
		return nil
	}
	switch ev.Kind {
	case types.EventFill:
		if ev.Fill == nil {
			return nil
		}
		return m.applyFill(ctx, *ev.Fill)
	case types.EventReject:
		m.order.State = types.OrderRejected
		m.order.LastError = ev.Reason
		m.finish(ctx, "reject")
	case types.EventCancel:
		m.order.State = types.OrderCancelled
		if m.cancelAsked && !m.fellBack && m.remaining() > 1e-9 {
			m.record(ctx, "cancel")
			m.fallback(ctx)
			return nil
		}
		m.finish(ctx, "cancel")
	}
	return nil
}

// applyFill folds one execution into the order. Stale or duplicate sequence
// numbers are dropped; fill size is capped at the residual so a double
// delivery can never overfill.
func (m *orderMachine) applyFill(ctx context.Context, f types.Fill) *types.Fill {
	if f.Seq <= m.lastSeq {
		return nil
	}
	m.lastSeq = f.Seq
	if f.Size > m.remaining() {
		f.Size = m.remaining()
	}
	if f.Size <= 0 {
		return nil
	}

	m.avgPrice = (m.avgPrice*m.filled + f.Price*f.Size) / (m.filled + f.Size)
	m.filled += f.Size
	m.order.FilledSize += f.Size
	m.order.AvgFillPrice = m.avgPrice
	m.order.UpdatedAt = m.clock()

	if m.remaining() <= 1e-9 {
		m.order.State = types.OrderFilled
		m.finish(ctx, "fill")
	} else {
		m.order.State = types.OrderPartiallyFilled
		m.record(ctx, "partial_fill")
	}
	return &f
}

// tick expires a stale limit order. The cancel is requested here; the market
// fallback happens when the cancel confirmation arrives with size remaining.
func (m *orderMachine) tick(ctx context.Context, now time.Time) {
	if m.done || m.cancelAsked || m.deadline.IsZero() || now.Before(m.deadline) {
		return
	}
	if m.order.State != types.OrderSubmitted && m.order.State != types.OrderPartiallyFilled {
		return
	}
	m.cancelAsked = true
	logger.Info(ctx, "Limit order expired, cancelling",
		"symbol", m.order.Symbol,
		"order_id", m.order.ID,
		"filled", m.order.FilledSize,
		"requested", m.order.RequestedSize,
	)
	// The round trip runs off the caller's goroutine; the confirmation comes
	// back through the event stream.
	go func(id string) {
		if err := m.ex.CancelOrder(ctx, id); err != nil {
			logger.Warn(ctx, "Cancel of expired limit order failed", "order_id", id, "error", err)
		}
	}(m.order.ID)
}

// fallback stages a single market order for the residual. Used at most once
// per execution. The submission itself is the owner's job, via takeResubmit,
// so backoff sleeps never run on the event-handling goroutine.
func (m *orderMachine) fallback(ctx context.Context) {
	m.fellBack = true
	residual := m.requested - m.filled
	m.order = types.Order{
		ClientKey:     uuid.NewString(),
		Symbol:        m.order.Symbol,
		Side:          m.order.Side,
		Type:          types.Market,
		RequestedSize: residual,
		FilledSize:    0,
		State:         types.OrderPendingSubmit,
		CreatedAt:     m.clock(),
		UpdatedAt:     m.clock(),
	}
	m.deadline = time.Time{}
	m.cancelAsked = false
	m.resubmit = true
	logger.Info(ctx, "Falling back to market order for residual",
		"symbol", m.order.Symbol,
		"size", residual,
	)
}

// takeResubmit reports and clears a staged fallback submission.
func (m *orderMachine) takeResubmit() bool {
	if !m.resubmit {
		return false
	}
	m.resubmit = false
	return true
}

// reconcile queries the exchange by client key and adopts its state. Run after
// a reconnect: any fills missed during the gap are synthesized here.
func (m *orderMachine) reconcile(ctx context.Context) *types.Fill {
	if m.done {
		return nil
	}
	o, err := m.ex.OrderStatusByKey(ctx, m.order.ClientKey)
	if err != nil {
		logger.Warn(ctx, "Reconciliation query failed", "client_key", m.order.ClientKey, "error", err)
		return nil
	}
	if o == nil {
		return nil
	}

	var applied *types.Fill
	if delta := o.FilledSize - m.order.FilledSize; delta > 1e-9 {
		m.alerter.Alert(interfaces.AlertWarning,
			fmt.Sprintf("reconciliation for %s: exchange reports %.2f filled, local state had %.2f; adopting exchange state",
				m.order.Symbol, o.FilledSize, m.order.FilledSize))
		applied = m.applyFill(ctx, types.Fill{
			OrderID:   m.order.ID,
			ClientKey: m.order.ClientKey,
			Symbol:    m.order.Symbol,
			Size:      delta,
			Price:     marginalPrice(o, &m.order, delta),
			Seq:       m.lastSeq + 1,
			At:        m.clock(),
		})
	}

	if !m.done && o.State.Terminal() && o.State != types.OrderFilled {
		m.order.State = o.State
		m.order.LastError = o.LastError
		event := "cancel"
		if o.State == types.OrderRejected {
			event = "reject"
		}
		m.finish(ctx, event)
	}
	return applied
}

// marginalPrice backs out the price of the unreported portion from the
// exchange's running average.
func marginalPrice(ex *types.Order, local *types.Order, delta float64) float64 {
	p := (ex.AvgFillPrice*ex.FilledSize - local.AvgFillPrice*local.FilledSize) / delta
	if p <= 0 {
		return ex.AvgFillPrice
	}
	return p
}

func (m *orderMachine) remaining() float64 {
	return m.requested - m.filled
}

func (m *orderMachine) finish(ctx context.Context, event string) {
	m.done = true
	m.record(ctx, event)
}

func (m *orderMachine) record(ctx context.Context, event string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.RecordOrder(ctx, event, m.order); err != nil {
		logger.Warn(ctx, "Audit write failed", "event", event, "order_id", m.order.ID, "error", err)
	}
}
