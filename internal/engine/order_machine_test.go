package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"swing-trading-bot/internal/exchange"
	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/types"
)

func testMachineConfig() orderMachineConfig {
	return orderMachineConfig{
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		LimitWindow:   time.Minute,
		SubmitTimeout: time.Second,
	}
}

type captureAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *captureAlerter) Alert(level interfaces.AlertLevel, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, string(level)+": "+msg)
}

func (a *captureAlerter) contains(substr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// failingExchange always fails submission with a transient error and reports
// no order venue-side.
type failingExchange struct{}

func (failingExchange) Name() string { return "failing" }
func (failingExchange) SubmitOrder(context.Context, types.OrderRequest) (types.OrderAck, error) {
	return types.OrderAck{}, exchange.Transient(errors.New("connection refused"))
}
func (failingExchange) CancelOrder(context.Context, string) error { return nil }
func (failingExchange) OrderStatusByKey(context.Context, string) (*types.Order, error) {
	return nil, nil
}
func (failingExchange) Events() <-chan types.ExchangeEvent { return nil }

func entryRequest() types.OrderRequest {
	return types.OrderRequest{
		Symbol:     "XMRUSDT",
		Side:       types.Buy,
		Type:       types.Limit,
		Size:       10,
		LimitPrice: 150,
	}
}

func TestOrderMachineRecoversAmbiguousFailure(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSim(false)
	m := newOrderMachine(testMachineConfig(), sim, nil, &captureAlerter{}, entryRequest())

	// The venue accepts the order but the ack is lost. The retry must find
	// it by client key instead of submitting a duplicate.
	sim.FailNextSubmit(exchange.Transient(errors.New("connection reset")))
	if err := m.submit(ctx); err != nil {
		t.Fatalf("submit should recover: %v", err)
	}
	if m.order.State != types.OrderSubmitted {
		t.Fatalf("expected submitted, got %s", m.order.State)
	}

	existing, _ := sim.OrderStatusByKey(ctx, m.order.ClientKey)
	if existing == nil || existing.ID != m.order.ID {
		t.Fatalf("machine adopted wrong order: local %s, venue %+v", m.order.ID, existing)
	}
}

func TestOrderMachineStructuralFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSim(false)
	m := newOrderMachine(testMachineConfig(), sim, nil, &captureAlerter{}, entryRequest())

	sim.FailNextSubmit(exchange.Structural(errors.New("insufficient balance")))
	if err := m.submit(ctx); err == nil {
		t.Fatal("expected submission failure")
	}
	if m.order.State != types.OrderRejected || !m.done {
		t.Fatalf("expected terminal rejection, got state=%s done=%v", m.order.State, m.done)
	}
	if m.order.RetryCount != 1 {
		t.Errorf("structural failure must not retry, got %d attempts", m.order.RetryCount)
	}
}

func TestOrderMachineRetryExhaustedAlerts(t *testing.T) {
	ctx := context.Background()
	alerter := &captureAlerter{}
	m := newOrderMachine(testMachineConfig(), failingExchange{}, nil, alerter, entryRequest())

	if err := m.submit(ctx); err == nil {
		t.Fatal("expected exhaustion failure")
	}
	if m.order.State != types.OrderRejected {
		t.Fatalf("expected rejected, got %s", m.order.State)
	}
	if !strings.HasPrefix(m.order.LastError, "retry_exhausted") {
		t.Errorf("expected retry_exhausted error, got %q", m.order.LastError)
	}
	if !alerter.contains("abandoned") {
		t.Errorf("expected an abandonment alert, got %v", alerter.msgs)
	}
}

func TestOrderMachineSubmitAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testMachineConfig()
	cfg.MaxRetries = 50
	alerter := &captureAlerter{}
	m := newOrderMachine(cfg, failingExchange{}, nil, alerter, entryRequest())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := m.submit(ctx); err == nil {
		t.Fatal("expected an aborted submission to fail")
	}
	if m.order.State != types.OrderCancelled || !m.done {
		t.Fatalf("expected cancelled+done, got state=%s done=%v", m.order.State, m.done)
	}
	if alerter.contains("abandoned") {
		t.Errorf("cooperative abort must not raise an abandonment alert: %v", alerter.msgs)
	}
}

func TestOrderMachineFillAccumulation(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSim(false)
	m := newOrderMachine(testMachineConfig(), sim, nil, &captureAlerter{}, entryRequest())

	if err := m.submit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sim.Fill(m.order.ID, 4, 150); err != nil {
		t.Fatal(err)
	}
	if err := sim.Fill(m.order.ID, 6, 151); err != nil {
		t.Fatal(err)
	}

	ev1 := <-sim.Events()
	ev2 := <-sim.Events()

	if f := m.handleEvent(ctx, ev1); f == nil || f.Size != 4 {
		t.Fatalf("first fill not applied: %+v", f)
	}
	if m.order.State != types.OrderPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", m.order.State)
	}

	// Replay of the same event is dropped by sequence number.
	if f := m.handleEvent(ctx, ev1); f != nil {
		t.Fatalf("duplicate fill applied: %+v", f)
	}

	if f := m.handleEvent(ctx, ev2); f == nil || f.Size != 6 {
		t.Fatalf("second fill not applied: %+v", f)
	}
	if m.order.State != types.OrderFilled || !m.done {
		t.Fatalf("expected filled+done, got state=%s done=%v", m.order.State, m.done)
	}
	wantAvg := (4*150.0 + 6*151.0) / 10.0
	if diff := m.avgPrice - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg price %.4f, want %.4f", m.avgPrice, wantAvg)
	}
}

func TestOrderMachineLimitExpiryMarketFallback(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSim(false)
	sim.SetPrice("XMRUSDT", 150.5)
	m := newOrderMachine(testMachineConfig(), sim, nil, &captureAlerter{}, entryRequest())

	if err := m.submit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sim.Fill(m.order.ID, 3, 150); err != nil {
		t.Fatal(err)
	}
	if f := m.handleEvent(ctx, <-sim.Events()); f == nil {
		t.Fatal("partial fill not applied")
	}

	limitID := m.order.ID
	limitKey := m.order.ClientKey

	// Past the window: the machine cancels, and on confirmation falls back
	// to a market order for the residual.
	m.tick(ctx, time.Now().Add(2*time.Minute))
	if !m.cancelAsked {
		t.Fatal("expired limit order not cancelled")
	}
	cancelEv := <-sim.Events()
	if cancelEv.Kind != types.EventCancel {
		t.Fatalf("expected cancel event, got %s", cancelEv.Kind)
	}
	m.handleEvent(ctx, cancelEv)

	if !m.fellBack {
		t.Fatal("no market fallback after cancel with residual")
	}
	if !m.takeResubmit() {
		t.Fatal("fallback submission not staged for the owner")
	}
	if m.takeResubmit() {
		t.Fatal("fallback staged twice")
	}
	if m.order.Type != types.Market || m.order.RequestedSize != 7 {
		t.Fatalf("expected market order for 7, got %s %.2f", m.order.Type, m.order.RequestedSize)
	}
	if m.order.ClientKey == limitKey {
		t.Fatal("fallback reused the old client key")
	}

	if err := m.submit(ctx); err != nil {
		t.Fatal(err)
	}
	if m.order.ID == limitID {
		t.Fatal("fallback reused the old order identity")
	}

	if err := sim.Fill(m.order.ID, 7, 150.5); err != nil {
		t.Fatal(err)
	}
	if f := m.handleEvent(ctx, <-sim.Events()); f == nil {
		t.Fatal("fallback fill not applied")
	}
	if !m.done || m.filled != 10 {
		t.Fatalf("execution incomplete: done=%v filled=%.2f", m.done, m.filled)
	}

	// A second expiry can never trigger another fallback.
	m.tick(ctx, time.Now().Add(time.Hour))
	if m.cancelAsked {
		t.Fatal("terminal execution acted on a tick")
	}
}

func TestOrderMachineReconcileAfterStreamGap(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSim(false)
	alerter := &captureAlerter{}
	m := newOrderMachine(testMachineConfig(), sim, nil, alerter, entryRequest())

	if err := m.submit(ctx); err != nil {
		t.Fatal(err)
	}

	// 40% fills while connected.
	if err := sim.Fill(m.order.ID, 4, 150); err != nil {
		t.Fatal(err)
	}
	m.handleEvent(ctx, <-sim.Events())

	// The stream dies; the venue completes the order meanwhile.
	sim.Disconnect()
	if err := sim.Fill(m.order.ID, 6, 150); err != nil {
		t.Fatal(err)
	}
	sim.Reconnect()
	if ev := <-sim.Events(); ev.Kind != types.EventReconnect {
		t.Fatalf("expected reconnect, got %s", ev.Kind)
	}

	f := m.reconcile(ctx)
	if f == nil || f.Size != 6 {
		t.Fatalf("reconciliation did not recover the missed fill: %+v", f)
	}
	if !m.done || m.order.State != types.OrderFilled || m.filled != 10 {
		t.Fatalf("expected fully filled after reconcile, got state=%s filled=%.2f", m.order.State, m.filled)
	}
	if !alerter.contains("reconciliation") {
		t.Errorf("expected a reconciliation alert, got %v", alerter.msgs)
	}
}
