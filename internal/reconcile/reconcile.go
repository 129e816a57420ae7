// Package reconcile moves order intents to their terminal state from broker
// truth and applies fills to the ledger.
package reconcile

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
)

var (
	// ErrInconsistency is returned when broker truth cannot be applied to the ledger
	ErrInconsistency = errors.New("ledger inconsistent with broker")
	// ErrCancelUnsupported is returned when the gateway cannot cancel orders
	ErrCancelUnsupported = errors.New("gateway does not support cancel")
)

// Config controls polling and sweep timing
type Config struct {
	Poll broker.PollPolicy
	// GraceWindow is how old an intent must be before the sweep re-polls it
	GraceWindow time.Duration
	// ResolveTimeout is how long an intent may stay non-terminal before it is escalated
	ResolveTimeout time.Duration
	SweepInterval  time.Duration
	// AuditPositions re-checks the opening order of every open position during a sweep
	AuditPositions bool
}

// Options wires a Reconciler
type Options struct {
	Ledger   ledger.Ledger
	Gateway  broker.Gateway
	Locker   locker.Locker
	Notifier Notifier
	Metrics  *metrics.Metrics
	Config   Config
	Now      func() time.Time
}

// Reconciler applies broker fills to the ledger
type Reconciler struct {
	ledger  ledger.Ledger
	gw      broker.Gateway
	locks   locker.Locker
	notify  Notifier
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	audit *auditState
}

// New creates a Reconciler
func New(opts Options) *Reconciler {
	r := &Reconciler{
		ledger:  opts.Ledger,
		gw:      opts.Gateway,
		locks:   opts.Locker,
		notify:  opts.Notifier,
		metrics: opts.Metrics,
		cfg:     opts.Config,
		now:     opts.Now,
		audit:   newAuditState(),
	}
	if r.locks == nil {
		r.locks = locker.NewLocal()
	}
	if r.notify == nil {
		r.notify = LogNotifier{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Reconcile polls the broker for one intent and applies what it reports
func (r *Reconciler) Reconcile(ctx context.Context, intent *models.OrderIntent) error {
	unlock, err := r.locks.Lock(ctx, locker.StrategyKey(intent.StrategyID))
	if err != nil {
		return fmt.Errorf("failed to lock strategy %d: %w", intent.StrategyID, err)
	}
	defer unlock()

	return r.reconcileLocked(ctx, intent.IdempotencyKey)
}

// ReconcileOrder reconciles the intent that owns a broker order id
func (r *Reconciler) ReconcileOrder(ctx context.Context, orderID string) error {
	intent, err := r.ledger.GetOrderIntentByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to find intent for order %s: %w", orderID, err)
	}
	return r.Reconcile(ctx, intent)
}

// CancelOrder withdraws a working order at the broker and then reconciles it,
// so whatever filled before the cancel is still settled.
func (r *Reconciler) CancelOrder(ctx context.Context, orderID string) (*models.OrderIntent, error) {
	canceler, ok := r.gw.(broker.Canceler)
	if !ok {
		return nil, ErrCancelUnsupported
	}
	intent, err := r.ledger.GetOrderIntentByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find intent for order %s: %w", orderID, err)
	}
	if !intent.Terminal() {
		start := time.Now()
		err := canceler.Cancel(ctx, orderID)
		r.metrics.ObserveBroker("cancel", start)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
		}
		logrus.WithFields(logrus.Fields{
			"strategy_id": intent.StrategyID,
			"intent_id":   intent.ID,
			"order_id":    orderID,
		}).Info("Order canceled")
		if err := r.Reconcile(ctx, intent); err != nil {
			return nil, err
		}
	}
	return r.ledger.GetOrderIntentByKey(ctx, intent.IdempotencyKey)
}

func (r *Reconciler) reconcileLocked(ctx context.Context, key string) error {
	in, err := r.ledger.GetOrderIntentByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to reload intent: %w", err)
	}
	if in.Terminal() {
		return nil
	}
	orderID := in.BrokerOrderID()
	if orderID == "" {
		// Submission outcome unknown; only the sweep escalates these.
		return nil
	}

	start := time.Now()
	report, err := broker.PollWithRetry(ctx, r.gw, orderID, r.cfg.Poll)
	r.metrics.ObserveBroker("poll", start)
	if err != nil {
		return fmt.Errorf("failed to poll order %s: %w", orderID, err)
	}

	log := logrus.WithFields(logrus.Fields{
		"strategy_id": in.StrategyID,
		"intent_id":   in.ID,
		"order_id":    orderID,
		"state":       report.State,
	})
	fill := report.Fill(r.now())

	switch report.State {
	case broker.StatePending, broker.StatePartiallyFilled:
		if fill.FilledQuantity.LessThan(in.FilledQuantity) {
			log.Warnf("Ignoring fill report that went backwards (%s < %s)", fill.FilledQuantity, in.FilledQuantity)
			return nil
		}
		if in.Status == report.State && fill.FilledQuantity.Equal(in.FilledQuantity) {
			return nil
		}
		if err := r.ledger.UpdateIntentProgress(ctx, in.ID, report.State, fill); err != nil {
			return fmt.Errorf("failed to record progress of intent %d: %w", in.ID, err)
		}
		log.Debugf("Order progress: filled %s of %s", fill.FilledQuantity, in.Quantity)
		return nil
	case broker.StateFilled, broker.StateCanceled:
		return r.settle(ctx, in, report.State, fill)
	default:
		return fmt.Errorf("%w: broker reported unknown state %q for order %s", ErrInconsistency, report.State, orderID)
	}
}

func (r *Reconciler) settle(ctx context.Context, in *models.OrderIntent, state string, fill models.Fill) error {
	log := logrus.WithFields(logrus.Fields{
		"strategy_id": in.StrategyID,
		"intent_id":   in.ID,
		"order_id":    in.BrokerOrderID(),
		"side":        in.Side,
	})

	if !fill.FilledQuantity.IsPositive() {
		if _, err := r.ledger.SettleNoFill(ctx, in.ID, state); err != nil {
			return r.settleError(ctx, in, err)
		}
		r.metrics.RecordSettlement(in.Side, state)
		log.Infof("Order %s with nothing filled", state)
		r.reportRemainder(ctx, in, state, fill)
		return nil
	}

	var (
		res *ledger.Settlement
		err error
	)
	if in.Side == models.SideBuy {
		res, err = r.ledger.SettleBuy(ctx, in.ID, state, fill)
	} else {
		res, err = r.ledger.SettleSell(ctx, in.ID, state, fill)
	}
	if err != nil {
		return r.settleError(ctx, in, err)
	}
	r.metrics.RecordSettlement(in.Side, state)

	switch {
	case in.Side == models.SideBuy:
		log.Infof("Opened position %d: %s @ %s", res.Position.ID, res.Position.Quantity, res.Position.EntryPrice)
		r.publish(ctx, in, models.EventPositionOpened, res.Trade.Quantity, res.Trade.Price,
			fmt.Sprintf("opened position %d", res.Position.ID))
	case res.Closed:
		log.Infof("Closed position: sold %s @ %s", res.Trade.Quantity, res.Trade.Price)
		r.publish(ctx, in, models.EventPositionClosed, res.Trade.Quantity, res.Trade.Price, "position closed")
	default:
		log.Infof("Reduced position %d to %s", res.Position.ID, res.Position.Quantity)
	}
	r.reportRemainder(ctx, in, state, fill)
	return nil
}

// settleError turns ledger refusals into escalations. A concurrent settlement
// of the same intent is not an error.
func (r *Reconciler) settleError(ctx context.Context, in *models.OrderIntent, err error) error {
	switch {
	case errors.Is(err, ledger.ErrIntentFinalized):
		return nil
	case errors.Is(err, ledger.ErrNoOpenPosition), errors.Is(err, ledger.ErrExceedsPosition):
		r.escalate(ctx, in, "sell_without_position", err.Error())
		return fmt.Errorf("%w: intent %d: %v", ErrInconsistency, in.ID, err)
	case errors.Is(err, ledger.ErrDuplicateKey), errors.Is(err, ledger.ErrInvalidInput):
		r.escalate(ctx, in, "settlement_refused", err.Error())
		return fmt.Errorf("%w: intent %d: %v", ErrInconsistency, in.ID, err)
	default:
		return fmt.Errorf("failed to settle intent %d: %w", in.ID, err)
	}
}

func (r *Reconciler) reportRemainder(ctx context.Context, in *models.OrderIntent, state string, fill models.Fill) {
	if state != models.IntentCanceled {
		return
	}
	remainder := in.Quantity.Sub(fill.FilledQuantity)
	if !remainder.IsPositive() {
		return
	}
	r.publish(ctx, in, models.EventFillCanceledRemainder, remainder, in.LimitPrice,
		fmt.Sprintf("order canceled with %s of %s unfilled", remainder, in.Quantity))
}

// escalate raises an inconsistency for operator review. Intents are escalated
// at most once.
func (r *Reconciler) escalate(ctx context.Context, in *models.OrderIntent, reason, msg string) {
	if in.EscalatedAt != nil {
		return
	}
	now := r.now()
	if err := r.ledger.MarkIntentEscalated(ctx, in.ID, now); err != nil {
		logrus.WithError(err).WithField("intent_id", in.ID).Error("Failed to mark intent escalated")
	}
	in.EscalatedAt = &now
	r.metrics.RecordEscalation(reason)
	logrus.WithFields(logrus.Fields{
		"strategy_id": in.StrategyID,
		"intent_id":   in.ID,
		"order_id":    in.BrokerOrderID(),
		"reason":      reason,
	}).Error("Inconsistency escalated: " + msg)
	r.publish(ctx, in, models.EventInconsistency, in.Quantity, in.LimitPrice, reason+": "+msg)
}

func (r *Reconciler) publish(ctx context.Context, in *models.OrderIntent, eventType string, qty, price decimal.Decimal, msg string) {
	event := models.LedgerEvent{
		EventType:  eventType,
		StrategyID: in.StrategyID,
		OrderID:    in.BrokerOrderID(),
		IntentID:   in.ID,
		Side:       in.Side,
		Quantity:   qty,
		Price:      price,
		Message:    msg,
		Timestamp:  r.now(),
	}
	if s, err := r.ledger.GetStrategy(ctx, in.StrategyID); err == nil {
		event.Strategy = s.Name
		event.Symbol = s.Symbol
	}
	if err := r.notify.Notify(ctx, event); err != nil {
		logrus.WithError(err).WithField("event", eventType).Warn("Failed to publish ledger event")
	}
}
