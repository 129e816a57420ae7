// Package translator turns strategy signal rows into at most one broker
// order each, gated on the ledger and made idempotent by a durable intent.
package translator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/broker"
	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/locker"
	"github.com/trogers1052/autotrade/internal/metrics"
	"github.com/trogers1052/autotrade/internal/models"
	"github.com/trogers1052/autotrade/internal/reconcile"
)

// Outcome kinds
const (
	Submitted = "submitted"
	Skipped   = "skipped"
	Rejected  = "rejected"
)

// Skip reasons
const (
	ReasonDuplicate      = "duplicate signal"
	ReasonPositionOpen   = "position already open"
	ReasonOrderInFlight  = "order in flight"
	ReasonNoPosition     = "no open position"
	ReasonSellInFlight   = "sell already in flight"
	ReasonSubmitFailed   = "submission failed"
	ReasonInvalidSignal  = "invalid signal"
	ReasonLedgerFailure  = "ledger unavailable"
	ReasonBrokerRejected = "broker rejected order"
)

// Outcome is the result of translating one signal row
type Outcome struct {
	Kind    string
	OrderID string
	Reason  string
	Err     error
	Intent  *models.OrderIntent
	// Canceled lists working BUY orders withdrawn because a SELL found no position
	Canceled []string
}

// Reconciler settles an accepted intent
type Reconciler interface {
	Reconcile(ctx context.Context, intent *models.OrderIntent) error
}

// OrderCanceler withdraws a working order and settles what it filled.
// A Reconciler that also implements it lets exit signals cancel stale entries.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) (*models.OrderIntent, error)
}

// Options wires a Translator
type Options struct {
	Ledger     ledger.Ledger
	Gateway    broker.Gateway
	Locker     locker.Locker
	Reconciler Reconciler
	Notifier   reconcile.Notifier
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Translator converts signals into orders
type Translator struct {
	ledger     ledger.Ledger
	gw         broker.Gateway
	locks      locker.Locker
	reconciler Reconciler
	notify     reconcile.Notifier
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a Translator
func New(opts Options) *Translator {
	t := &Translator{
		ledger:     opts.Ledger,
		gw:         opts.Gateway,
		locks:      opts.Locker,
		reconciler: opts.Reconciler,
		notify:     opts.Notifier,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if t.locks == nil {
		t.locks = locker.NewLocal()
	}
	if t.notify == nil {
		t.notify = reconcile.LogNotifier{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Translate submits at most one order for row. It never retries a submission.
func (t *Translator) Translate(ctx context.Context, rc *models.RunContext, row models.SignalRow) Outcome {
	out := t.translate(ctx, rc, row)
	t.metrics.RecordOutcome(row.Signal, out.Kind)

	log := logrus.WithFields(logrus.Fields{
		"strategy": rc.Strategy.Name,
		"cycle":    rc.CycleID,
		"signal":   row.Signal,
		"time":     row.Time.Format(time.RFC3339),
	})
	switch out.Kind {
	case Submitted:
		log.WithField("order_id", out.OrderID).Infof("Submitted %s %s %s", row.Signal, out.Intent.Quantity, rc.Strategy.Symbol)
	case Skipped:
		log.Debugf("Signal skipped: %s", out.Reason)
	case Rejected:
		log.WithError(out.Err).Warnf("Signal rejected: %s", out.Reason)
	}
	return out
}

func (t *Translator) translate(ctx context.Context, rc *models.RunContext, row models.SignalRow) Outcome {
	s := rc.Strategy
	intent := &models.OrderIntent{
		StrategyID:     s.ID,
		IdempotencyKey: IdempotencyKey(s.ID, row.Time, row.Signal),
		Side:           row.Signal,
		OrderType:      s.OrderType,
		Quantity:       row.Quantity,
		ExtendedHours:  s.ExtendedHours,
		SignalTime:     row.Time,
	}
	if s.OrderType == models.OrderTypeLimit {
		intent.LimitPrice = RoundPrice(row.ReferencePrice)
	} else {
		intent.LimitPrice = decimal.Zero
	}
	if err := ledger.ValidateIntent(intent); err != nil {
		return Outcome{Kind: Rejected, Reason: ReasonInvalidSignal, Err: err}
	}

	unlock, err := t.locks.Lock(ctx, locker.StrategyKey(s.ID))
	if err != nil {
		return Outcome{Kind: Rejected, Reason: ReasonLedgerFailure, Err: fmt.Errorf("failed to lock strategy %d: %w", s.ID, err)}
	}
	out, submitted := t.submitLocked(ctx, &s, intent)
	unlock()

	if submitted && t.reconciler != nil {
		if err := t.reconciler.Reconcile(ctx, out.Intent); err != nil {
			logrus.WithError(err).WithField("order_id", out.OrderID).Warn("Initial reconcile failed; the sweep will retry")
		}
	}
	if out.Kind == Skipped && out.Reason == ReasonNoPosition {
		out.Canceled = t.cancelWorkingBuys(ctx, s.ID)
	}
	return out
}

// cancelWorkingBuys withdraws entry orders that are still working when the
// strategy signals an exit. Whatever filled before the cancel is settled, so
// the strategy may end up holding a position the next SELL closes.
func (t *Translator) cancelWorkingBuys(ctx context.Context, strategyID int) []string {
	canceler, ok := t.reconciler.(OrderCanceler)
	if !ok {
		return nil
	}
	inflight, err := t.ledger.ListInFlightIntents(ctx, strategyID)
	if err != nil {
		logrus.WithError(err).WithField("strategy_id", strategyID).Warn("Failed to list working orders")
		return nil
	}

	var canceled []string
	for _, in := range inflight {
		orderID := in.BrokerOrderID()
		if in.Side != models.SideBuy || orderID == "" {
			continue
		}
		log := logrus.WithFields(logrus.Fields{
			"strategy_id": strategyID,
			"intent_id":   in.ID,
			"order_id":    orderID,
		})
		if _, err := canceler.CancelOrder(ctx, orderID); err != nil {
			if errors.Is(err, reconcile.ErrCancelUnsupported) {
				return canceled
			}
			log.WithError(err).Warn("Failed to cancel working buy on exit signal")
			continue
		}
		log.Info("Canceled working buy on exit signal")
		canceled = append(canceled, orderID)
	}
	return canceled
}

// submitLocked gates, persists and submits the intent. It runs under the
// strategy lock.
func (t *Translator) submitLocked(ctx context.Context, s *models.Strategy, intent *models.OrderIntent) (Outcome, bool) {
	existing, err := t.ledger.GetOrderIntentByKey(ctx, intent.IdempotencyKey)
	switch {
	case err == nil:
		return Outcome{Kind: Skipped, Reason: ReasonDuplicate, OrderID: existing.BrokerOrderID(), Intent: existing}, false
	case !errors.Is(err, ledger.ErrNotFound):
		return Outcome{Kind: Rejected, Reason: ReasonLedgerFailure, Err: err}, false
	}

	if out, ok := t.gate(ctx, intent); !ok {
		return out, false
	}

	if err := t.ledger.CreateOrderIntent(ctx, intent); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return Outcome{Kind: Skipped, Reason: ReasonDuplicate}, false
		}
		return Outcome{Kind: Rejected, Reason: ReasonLedgerFailure, Err: err}, false
	}

	order := broker.Order{
		ClientOrderID: intent.IdempotencyKey,
		Symbol:        s.Symbol,
		Side:          intent.Side,
		Type:          intent.OrderType,
		Quantity:      intent.Quantity,
		LimitPrice:    intent.LimitPrice,
		ExtendedHours: intent.ExtendedHours,
		Expiry:        s.Interval(),
	}
	start := time.Now()
	res, err := t.gw.Submit(ctx, order)
	t.metrics.ObserveBroker("submit", start)
	if err != nil {
		if rerr := t.ledger.RecordSubmitError(ctx, intent.ID, err.Error()); rerr != nil {
			logrus.WithError(rerr).WithField("intent_id", intent.ID).Error("Failed to record submit error")
		}
		intent.LastError = err.Error()
		return Outcome{Kind: Rejected, Reason: ReasonSubmitFailed, Err: err, Intent: intent}, false
	}

	if res.Status != broker.StatusAccepted {
		if err := t.ledger.MarkIntentRejected(ctx, intent.ID, res.Reason); err != nil {
			logrus.WithError(err).WithField("intent_id", intent.ID).Error("Failed to mark intent rejected")
		}
		intent.Status = models.IntentRejected
		intent.LastError = res.Reason
		t.alertRejected(ctx, s, intent, res.Reason)
		return Outcome{
			Kind:   Rejected,
			Reason: ReasonBrokerRejected,
			Err:    fmt.Errorf("broker rejected order: %s", res.Reason),
			Intent: intent,
		}, false
	}

	if err := t.ledger.MarkIntentAccepted(ctx, intent.ID, res.OrderID); err != nil {
		// The order is live at the broker; the sweep escalates the intent.
		logrus.WithError(err).WithFields(logrus.Fields{
			"intent_id": intent.ID,
			"order_id":  res.OrderID,
		}).Error("Failed to record accepted order")
		return Outcome{Kind: Submitted, OrderID: res.OrderID, Intent: intent}, false
	}
	oid := res.OrderID
	intent.OrderID = &oid
	intent.Status = models.IntentAccepted
	return Outcome{Kind: Submitted, OrderID: res.OrderID, Intent: intent}, true
}

// gate applies the single-position rules. SELL quantities are capped at the
// open position.
func (t *Translator) gate(ctx context.Context, intent *models.OrderIntent) (Outcome, bool) {
	pos, err := t.ledger.GetOpenPosition(ctx, intent.StrategyID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return Outcome{Kind: Rejected, Reason: ReasonLedgerFailure, Err: err}, false
	}
	inflight, err := t.ledger.ListInFlightIntents(ctx, intent.StrategyID)
	if err != nil {
		return Outcome{Kind: Rejected, Reason: ReasonLedgerFailure, Err: err}, false
	}

	switch intent.Side {
	case models.SideBuy:
		if pos != nil {
			return Outcome{Kind: Skipped, Reason: ReasonPositionOpen}, false
		}
		if len(inflight) > 0 {
			return Outcome{Kind: Skipped, Reason: ReasonOrderInFlight, OrderID: inflight[0].BrokerOrderID()}, false
		}
	case models.SideSell:
		if pos == nil {
			return Outcome{Kind: Skipped, Reason: ReasonNoPosition}, false
		}
		for _, in := range inflight {
			if in.Side == models.SideSell {
				return Outcome{Kind: Skipped, Reason: ReasonSellInFlight, OrderID: in.BrokerOrderID()}, false
			}
		}
		if intent.Quantity.GreaterThan(pos.Quantity) {
			logrus.WithFields(logrus.Fields{
				"strategy_id": intent.StrategyID,
				"requested":   intent.Quantity.String(),
				"position":    pos.Quantity.String(),
			}).Info("Capping sell at open position")
			intent.Quantity = pos.Quantity
		}
	}
	return Outcome{}, true
}

func (t *Translator) alertRejected(ctx context.Context, s *models.Strategy, intent *models.OrderIntent, reason string) {
	event := models.LedgerEvent{
		EventType:  models.EventOrderRejected,
		StrategyID: s.ID,
		Strategy:   s.Name,
		Symbol:     s.Symbol,
		IntentID:   intent.ID,
		Side:       intent.Side,
		Quantity:   intent.Quantity,
		Price:      intent.LimitPrice,
		Message:    reason,
		Timestamp:  t.now(),
	}
	if err := t.notify.Notify(ctx, event); err != nil {
		logrus.WithError(err).Warn("Failed to publish rejection alert")
	}
}
