package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/notify"
)

// EventForwarder subscribes to the engine's event channel and relays events
// to the notifier. It is the only bridge between the engine and operator
// channels; the engine itself never sends a notification.
type EventForwarder struct {
	bus      domain.SignalBus
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewEventForwarder creates an EventForwarder.
func NewEventForwarder(bus domain.SignalBus, notifier *notify.Notifier, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_forwarder")),
	}
}

// Run subscribes and forwards until the context is cancelled.
func (f *EventForwarder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.EventChannel)
	if err != nil {
		return fmt.Errorf("event_forwarder: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "forwarding engine events", slog.String("channel", domain.EventChannel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := domain.ParseEvent(payload)
			if err != nil {
				f.logger.WarnContext(ctx, "malformed event payload", slog.String("error", err.Error()))
				continue
			}
			title, message := formatEvent(evt)
			if err := f.notifier.Notify(ctx, evt.Type, title, message); err != nil {
				f.logger.WarnContext(ctx, "notify failed",
					slog.String("event", evt.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// formatEvent renders an operator-readable title and body for an event.
func formatEvent(e domain.Event) (title, message string) {
	switch e.Type {
	case domain.EventPositionOpened:
		title = fmt.Sprintf("Position opened: %s", e.Symbol)
	case domain.EventPartialSaleExecuted:
		title = fmt.Sprintf("Partial sale: %s", e.Symbol)
	case domain.EventPartialSaleDiscarded:
		title = fmt.Sprintf("Partial sale discarded: %s", e.Symbol)
	case domain.EventPositionClosed:
		title = fmt.Sprintf("Position closed: %s", e.Symbol)
	case domain.EventPositionDiscarded:
		title = fmt.Sprintf("Position discarded: %s", e.Symbol)
	case domain.EventPolicyViolationCorrected:
		title = fmt.Sprintf("Policy correction: %s", e.Symbol)
	case domain.EventPoolImbalanceDetected:
		title = fmt.Sprintf("POOL IMBALANCE: %s", e.PoolID)
	case domain.EventReconciliationCompleted:
		title = fmt.Sprintf("Reconciliation finished: %s", e.PoolID)
	default:
		title = e.Type
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pool %s", e.PoolID)
	if e.PositionID != "" {
		fmt.Fprintf(&b, ", position %s", e.PositionID)
	}
	for k, v := range e.Detail {
		fmt.Fprintf(&b, "\n%s: %v", k, v)
	}
	return title, b.String()
}
