package types

import "time"

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderState models the order lifecycle. Filled, Rejected and Cancelled are
// absorbing: no event may move an order out of them.
type OrderState string

const (
	OrderPendingSubmit   OrderState = "pending_submit"
	OrderSubmitted       OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCancelled       OrderState = "cancelled"
)

func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// Order is owned exclusively by the order state machine until terminal.
// ClientKey is the idempotent submission key: a retried submission after an
// ambiguous failure reuses the same key so the exchange can deduplicate.
type Order struct {
	ID            string
	ClientKey     string
	Symbol        string
	Side          Side
	Type          OrderType
	LimitPrice    float64
	RequestedSize float64
	FilledSize    float64
	AvgFillPrice  float64
	State         OrderState
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining is the unfilled residual.
func (o *Order) Remaining() float64 {
	r := o.RequestedSize - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// OrderRequest is what the engine hands to an exchange.
type OrderRequest struct {
	ClientKey  string
	Symbol     string
	Side       Side
	Type       OrderType
	Size       float64
	LimitPrice float64
}

// OrderAck is the exchange's submission acknowledgment.
type OrderAck struct {
	OrderID string
}

// Fill is a single execution report. Seq is the exchange-assigned sequence
// number; fills for one order must be applied in Seq order.
type Fill struct {
	OrderID   string
	ClientKey string
	Symbol    string
	Size      float64
	Price     float64
	Seq       int64
	At        time.Time
}

type ExchangeEventKind string

const (
	EventFill      ExchangeEventKind = "fill"
	EventReject    ExchangeEventKind = "reject"
	EventCancel    ExchangeEventKind = "cancel"
	EventReconnect ExchangeEventKind = "reconnect"
)

// ExchangeEvent is the asynchronous stream payload keyed by order/client key.
// Reconnect events carry no order identity and trigger reconciliation.
type ExchangeEvent struct {
	Kind      ExchangeEventKind
	OrderID   string
	ClientKey string
	Symbol    string
	Fill      *Fill
	Reason    string
	At        time.Time
}
