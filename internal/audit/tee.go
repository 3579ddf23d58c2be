package audit

import (
	"context"
	"errors"

	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/types"
)

var _ interfaces.AuditStore = (Tee)(nil)

// Tee writes every record to all member stores. A failing member does not
// stop the others; the joined error is reported.
type Tee []interfaces.AuditStore

func (t Tee) RecordDecision(ctx context.Context, d *types.RiskDecision, rej *types.Rejection) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.RecordDecision(ctx, d, rej))
	}
	return errors.Join(errs...)
}

func (t Tee) RecordOrder(ctx context.Context, event string, o types.Order) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.RecordOrder(ctx, event, o))
	}
	return errors.Join(errs...)
}

func (t Tee) RecordPositionOpen(ctx context.Context, p types.Position) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.RecordPositionOpen(ctx, p))
	}
	return errors.Join(errs...)
}

func (t Tee) RecordPositionClose(ctx context.Context, c types.ClosedPosition) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.RecordPositionClose(ctx, c))
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
