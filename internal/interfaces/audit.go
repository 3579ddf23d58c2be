package interfaces

import (
	"context"

	"swing-trading-bot/internal/types"
)

// AuditStore is the append-only trail of everything the engine decides and
// does. The engine only ever writes here; it never reads the trail back to
// make decisions.
type AuditStore interface {
	RecordDecision(ctx context.Context, decision *types.RiskDecision, rejection *types.Rejection) error
	RecordOrder(ctx context.Context, event string, order types.Order) error
	RecordPositionOpen(ctx context.Context, pos types.Position) error
	RecordPositionClose(ctx context.Context, closed types.ClosedPosition) error
	Close() error
}

// AlertLevel ranks operational notifications.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alerter delivers fire-and-forget operational notifications. Implementations
// must never block the trading path; dropping on overload is acceptable.
type Alerter interface {
	Alert(level AlertLevel, message string)
}
