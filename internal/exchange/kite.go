package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/logger"
	"swing-trading-bot/internal/types"
)

var _ interfaces.Exchange = (*Kite)(nil)

const kitePollInterval = 3 * time.Second

// Kite adapts Zerodha Kite Connect to the Exchange interface. Submissions
// are rate limited, and fills are derived by polling the order book and
// diffing filled quantities; the idempotency key travels in the order tag.
type Kite struct {
	kc       *kiteconnect.Client
	exchange string
	limiter  *rate.Limiter
	events   chan types.ExchangeEvent

	mu     sync.Mutex
	byKey  map[string]string   // client key -> order id
	filled map[string]float64  // order id -> filled qty already reported
	done   map[string]bool     // order ids whose terminal state was reported
	seq    int64
}

type KiteParams struct {
	APIKey      string
	AccessToken string
	Exchange    string // e.g. "NSE"
}

func NewKite(p KiteParams) *Kite {
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return &Kite{
		kc:       kc,
		exchange: p.Exchange,
		limiter:  rate.NewLimiter(rate.Every(350*time.Millisecond), 1),
		events:   make(chan types.ExchangeEvent, 256),
		byKey:    make(map[string]string),
		filled:   make(map[string]float64),
		done:     make(map[string]bool),
	}
}

func (k *Kite) Name() string { return "kite" }

// Start launches the order-status poller. It returns when ctx is done.
func (k *Kite) Start(ctx context.Context) {
	go k.poll(ctx)
}

func (k *Kite) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	k.mu.Lock()
	if id, ok := k.byKey[req.ClientKey]; ok {
		k.mu.Unlock()
		return types.OrderAck{OrderID: id}, nil
	}
	k.mu.Unlock()

	if err := k.limiter.Wait(ctx); err != nil {
		return types.OrderAck{}, Transient(err)
	}

	orderType := kiteconnect.OrderTypeMarket
	if req.Type == types.Limit {
		orderType = kiteconnect.OrderTypeLimit
	}
	txn := kiteconnect.TransactionTypeBuy
	if req.Side == types.Sell {
		txn = kiteconnect.TransactionTypeSell
	}

	params := kiteconnect.OrderParams{
		Exchange:        k.exchange,
		Tradingsymbol:   req.Symbol,
		Validity:        kiteconnect.ValidityDay,
		Product:         kiteconnect.ProductMIS,
		OrderType:       orderType,
		TransactionType: txn,
		Quantity:        int(req.Size),
		Price:           req.LimitPrice,
		Tag:             req.ClientKey,
	}

	resp, err := k.kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return types.OrderAck{}, classifyKiteError(err)
	}

	k.mu.Lock()
	k.byKey[req.ClientKey] = resp.OrderID
	k.mu.Unlock()
	return types.OrderAck{OrderID: resp.OrderID}, nil
}

func (k *Kite) CancelOrder(ctx context.Context, orderID string) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}
	if _, err := k.kc.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return classifyKiteError(err)
	}
	return nil
}

func (k *Kite) OrderStatusByKey(ctx context.Context, clientKey string) (*types.Order, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, Transient(err)
	}
	orders, err := k.kc.GetOrders()
	if err != nil {
		return nil, classifyKiteError(err)
	}
	for i := range orders {
		if orders[i].Tag == clientKey {
			o := toOrder(&orders[i], clientKey)
			return o, nil
		}
	}
	return nil, nil
}

func (k *Kite) Events() <-chan types.ExchangeEvent { return k.events }

// LastPrices fetches last traded prices for symbols on the configured
// exchange segment.
func (k *Kite) LastPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, Transient(err)
	}
	instruments := make([]string, len(symbols))
	for i, s := range symbols {
		instruments[i] = k.exchange + ":" + s
	}
	ltp, err := k.kc.GetLTP(instruments...)
	if err != nil {
		return nil, classifyKiteError(err)
	}
	out := make(map[string]float64, len(symbols))
	for i, s := range symbols {
		if q, ok := ltp[instruments[i]]; ok {
			out[s] = q.LastPrice
		}
	}
	return out, nil
}

// poll diffs exchange order state against what has already been reported and
// emits the difference as events.
func (k *Kite) poll(ctx context.Context) {
	ticker := time.NewTicker(kitePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		orders, err := k.kc.GetOrders()
		if err != nil {
			logger.Warn(ctx, "Kite order poll failed", "error", err)
			continue
		}

		k.mu.Lock()
		for i := range orders {
			o := &orders[i]
			if o.Tag == "" {
				continue // not ours
			}
			k.byKey[o.Tag] = o.OrderID

			if delta := o.FilledQuantity - k.filled[o.OrderID]; delta > 0 {
				k.filled[o.OrderID] = o.FilledQuantity
				k.seq++
				k.emitLocked(types.ExchangeEvent{
					Kind:      types.EventFill,
					OrderID:   o.OrderID,
					ClientKey: o.Tag,
					Symbol:    o.TradingSymbol,
					Fill: &types.Fill{
						OrderID:   o.OrderID,
						ClientKey: o.Tag,
						Symbol:    o.TradingSymbol,
						Size:      delta,
						Price:     o.AveragePrice,
						Seq:       k.seq,
						At:        time.Now(),
					},
					At: time.Now(),
				})
			}

			if k.done[o.OrderID] {
				continue
			}
			switch o.Status {
			case "REJECTED":
				k.done[o.OrderID] = true
				k.emitLocked(types.ExchangeEvent{
					Kind:      types.EventReject,
					OrderID:   o.OrderID,
					ClientKey: o.Tag,
					Symbol:    o.TradingSymbol,
					Reason:    o.StatusMessage,
					At:        time.Now(),
				})
			case "CANCELLED":
				k.done[o.OrderID] = true
				k.emitLocked(types.ExchangeEvent{
					Kind:      types.EventCancel,
					OrderID:   o.OrderID,
					ClientKey: o.Tag,
					Symbol:    o.TradingSymbol,
					At:        time.Now(),
				})
			}
		}
		k.mu.Unlock()
	}
}

func (k *Kite) emitLocked(ev types.ExchangeEvent) {
	select {
	case k.events <- ev:
	default:
	}
}

func toOrder(o *kiteconnect.Order, clientKey string) *types.Order {
	side := types.Buy
	if o.TransactionType == kiteconnect.TransactionTypeSell {
		side = types.Sell
	}
	state := types.OrderSubmitted
	switch o.Status {
	case "COMPLETE":
		state = types.OrderFilled
	case "REJECTED":
		state = types.OrderRejected
	case "CANCELLED":
		state = types.OrderCancelled
	default:
		if o.FilledQuantity > 0 {
			state = types.OrderPartiallyFilled
		}
	}
	return &types.Order{
		ID:            o.OrderID,
		ClientKey:     clientKey,
		Symbol:        o.TradingSymbol,
		Side:          side,
		RequestedSize: o.Quantity,
		FilledSize:    o.FilledQuantity,
		AvgFillPrice:  o.AveragePrice,
		State:         state,
		LastError:     o.StatusMessage,
	}
}

// classifyKiteError splits broker errors into the retryable and the hopeless.
func classifyKiteError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "margin"),
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "not allowed"):
		return Structural(err)
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "gateway"):
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return Transient(fmt.Errorf("kite: %w", err))
}
