package reconcile

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/models"
)

// Notifier delivers ledger events and alerts to operators
type Notifier interface {
	Notify(ctx context.Context, event models.LedgerEvent) error
}

// LogNotifier writes events to the log
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(_ context.Context, event models.LedgerEvent) error {
	entry := logrus.WithFields(logrus.Fields{
		"event":       event.EventType,
		"strategy_id": event.StrategyID,
		"strategy":    event.Strategy,
		"order_id":    event.OrderID,
	})
	switch event.EventType {
	case models.EventInconsistency, models.EventOrderRejected:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

// MultiNotifier fans an event out to several notifiers. Every notifier is
// called; the first error is returned.
type MultiNotifier []Notifier

// Notify implements Notifier
func (m MultiNotifier) Notify(ctx context.Context, event models.LedgerEvent) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
