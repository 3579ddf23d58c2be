package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/types"
)

// Compile-time interface check.
var _ interfaces.Exchange = (*Sim)(nil)

// Sim is an in-memory exchange for paper trading and tests. It deduplicates
// submissions by client key the way a real venue would, supports scripted
// partial fills and rejections, and can simulate a dropped event stream so
// reconciliation paths can be exercised.
type Sim struct {
	mu         sync.Mutex
	orders     map[string]*types.Order // by order id
	byKey      map[string]string       // client key -> order id
	lastPrice  map[string]float64
	events     chan types.ExchangeEvent
	seq        int64
	nextID     int
	autoFill   bool
	submitErr  error // injected once on the next submission
	disconnect bool  // while set, events are silently dropped
	lost       bool  // an event was dropped on a full buffer
}

// NewSim creates a simulator. With autoFill, submissions fill immediately and
// fully at the limit price (or last seen price for market orders).
func NewSim(autoFill bool) *Sim {
	return &Sim{
		orders:    make(map[string]*types.Order),
		byKey:     make(map[string]string),
		lastPrice: make(map[string]float64),
		events:    make(chan types.ExchangeEvent, 256),
		autoFill:  autoFill,
	}
}

func (s *Sim) Name() string { return "sim" }

// SetPrice updates the mark used to fill market orders.
func (s *Sim) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice[symbol] = price
}

// FailNextSubmit injects an error returned by the next SubmitOrder call. The
// order is still created when the error is transient, mimicking an ambiguous
// network failure where the venue accepted the order but the ack was lost.
func (s *Sim) FailNextSubmit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

func (s *Sim) SubmitOrder(_ context.Context, req types.OrderRequest) (types.OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotency: a resubmitted client key returns the existing order
	// instead of creating a duplicate.
	if id, ok := s.byKey[req.ClientKey]; ok {
		return types.OrderAck{OrderID: id}, nil
	}

	if s.submitErr != nil {
		err := s.submitErr
		s.submitErr = nil
		var te *TransientError
		if errors.As(err, &te) {
			// Ambiguous failure: the order exists venue-side even though
			// the caller sees an error.
			s.createLocked(req)
		}
		return types.OrderAck{}, err
	}

	o := s.createLocked(req)
	if s.autoFill {
		price := req.LimitPrice
		if price <= 0 {
			price = s.lastPrice[req.Symbol]
		}
		if price > 0 {
			s.fillLocked(o, o.RequestedSize, price)
		}
	}
	return types.OrderAck{OrderID: o.ID}, nil
}

func (s *Sim) createLocked(req types.OrderRequest) *types.Order {
	s.nextID++
	o := &types.Order{
		ID:            fmt.Sprintf("SIM-%d", s.nextID),
		ClientKey:     req.ClientKey,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		RequestedSize: req.Size,
		State:         types.OrderSubmitted,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	s.orders[o.ID] = o
	s.byKey[req.ClientKey] = o.ID
	return o
}

// Fill applies a (possibly partial) execution to an order and emits the
// corresponding event.
func (s *Sim) Fill(orderID string, size, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.State.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.State)
	}
	s.fillLocked(o, size, price)
	return nil
}

func (s *Sim) fillLocked(o *types.Order, size, price float64) {
	if size > o.Remaining() {
		size = o.Remaining()
	}
	total := o.AvgFillPrice*o.FilledSize + price*size
	o.FilledSize += size
	o.AvgFillPrice = total / o.FilledSize
	if o.Remaining() <= 1e-9 {
		o.State = types.OrderFilled
	} else {
		o.State = types.OrderPartiallyFilled
	}
	o.UpdatedAt = time.Now()

	s.seq++
	s.emitLocked(types.ExchangeEvent{
		Kind:      types.EventFill,
		OrderID:   o.ID,
		ClientKey: o.ClientKey,
		Symbol:    o.Symbol,
		Fill: &types.Fill{
			OrderID:   o.ID,
			ClientKey: o.ClientKey,
			Symbol:    o.Symbol,
			Size:      size,
			Price:     price,
			Seq:       s.seq,
			At:        time.Now(),
		},
		At: time.Now(),
	})
}

// Reject marks an order rejected venue-side.
func (s *Sim) Reject(orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.State.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.State)
	}
	o.State = types.OrderRejected
	o.LastError = reason
	o.UpdatedAt = time.Now()
	s.emitLocked(types.ExchangeEvent{
		Kind:      types.EventReject,
		OrderID:   o.ID,
		ClientKey: o.ClientKey,
		Symbol:    o.Symbol,
		Reason:    reason,
		At:        time.Now(),
	})
	return nil
}

func (s *Sim) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return Structural(fmt.Errorf("unknown order %s", orderID))
	}
	if o.State.Terminal() {
		return nil // cancel of a terminal order is a no-op
	}
	o.State = types.OrderCancelled
	o.UpdatedAt = time.Now()
	s.emitLocked(types.ExchangeEvent{
		Kind:      types.EventCancel,
		OrderID:   o.ID,
		ClientKey: o.ClientKey,
		Symbol:    o.Symbol,
		At:        time.Now(),
	})
	return nil
}

func (s *Sim) OrderStatusByKey(_ context.Context, clientKey string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[clientKey]
	if !ok {
		return nil, nil
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *Sim) Events() <-chan types.ExchangeEvent { return s.events }

// Disconnect drops all subsequent events, simulating a dead websocket while
// the venue keeps matching.
func (s *Sim) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect = true
}

// Reconnect resumes delivery and emits a reconnect event so consumers can
// reconcile.
func (s *Sim) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect = false
	s.emitLocked(types.ExchangeEvent{Kind: types.EventReconnect, At: time.Now()})
}

func (s *Sim) emitLocked(ev types.ExchangeEvent) {
	if s.disconnect {
		return
	}
	if s.lost {
		// A prior event was dropped; announce the gap as soon as the buffer
		// has room so consumers reconcile instead of waiting for an
		// unrelated reconnect.
		select {
		case s.events <- types.ExchangeEvent{Kind: types.EventReconnect, At: time.Now()}:
			s.lost = false
		default:
		}
	}
	select {
	case s.events <- ev:
	default:
		// Full buffer: drop rather than deadlock under the lock.
		s.lost = true
	}
}
