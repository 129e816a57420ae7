package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/broker"
	"github.com/trogers1052/autotrade/internal/models"
)

// SweepReport summarizes one sweep
type SweepReport struct {
	Checked   int
	Resolved  int
	Escalated int
	Positions int
}

// auditState remembers positions already reported so each is escalated once
// per process.
type auditState struct {
	mu      sync.Mutex
	flagged map[int]bool
}

func newAuditState() *auditState {
	return &auditState{flagged: make(map[int]bool)}
}

func (a *auditState) flag(positionID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flagged[positionID] {
		return false
	}
	a.flagged[positionID] = true
	return true
}

// Sweep re-polls intents older than the grace window and escalates those
// still unresolved after the resolve timeout. Nothing is healed automatically.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	now := r.now()
	intents, err := r.ledger.ListUnresolvedIntents(ctx, now.Add(-r.cfg.GraceWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved intents: %w", err)
	}
	r.metrics.SetUnresolvedIntents(len(intents))

	report := &SweepReport{}
	for _, in := range intents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		if err := r.Reconcile(ctx, in); err != nil && !errors.Is(err, ErrInconsistency) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"intent_id": in.ID,
				"order_id":  in.BrokerOrderID(),
			}).Warn("Sweep failed to reconcile intent")
		}

		current, err := r.ledger.GetOrderIntentByKey(ctx, in.IdempotencyKey)
		if err != nil {
			continue
		}
		if current.Terminal() {
			report.Resolved++
			continue
		}
		if current.EscalatedAt != nil || now.Sub(current.CreatedAt) < r.cfg.ResolveTimeout {
			continue
		}

		reason, msg := "unresolved", fmt.Sprintf("intent still %s after %s", current.Status, now.Sub(current.CreatedAt).Round(time.Second))
		if current.BrokerOrderID() == "" {
			reason = "submit_unknown"
			msg = "broker never acknowledged the submission"
			if current.LastError != "" {
				msg += ": " + current.LastError
			}
		}
		r.escalate(ctx, current, reason, msg)
		report.Escalated++
	}

	if r.cfg.AuditPositions {
		n, err := r.auditPositions(ctx)
		report.Positions = n
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// auditPositions checks that the broker agrees every open position was filled
func (r *Reconciler) auditPositions(ctx context.Context) (int, error) {
	positions, err := r.ledger.ListPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list positions: %w", err)
	}

	escalated := 0
	for _, p := range positions {
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		report, err := broker.PollWithRetry(ctx, r.gw, p.OrderID, r.cfg.Poll)
		var problem string
		switch {
		case errors.Is(err, broker.ErrUnknownOrder):
			problem = "broker has no record of the opening order"
		case err != nil:
			logrus.WithError(err).WithField("position_id", p.ID).Warn("Failed to audit position")
			continue
		case report.State == broker.StatePending || !report.FilledQuantity.IsPositive():
			problem = fmt.Sprintf("opening order is %s with %s filled", report.State, report.FilledQuantity)
		default:
			continue
		}
		if !r.audit.flag(p.ID) {
			continue
		}
		escalated++
		r.metrics.RecordEscalation("position_unfilled")
		logrus.WithFields(logrus.Fields{
			"strategy_id": p.StrategyID,
			"position_id": p.ID,
			"order_id":    p.OrderID,
		}).Error("Inconsistency escalated: " + problem)
		event := models.LedgerEvent{
			EventType:  models.EventInconsistency,
			StrategyID: p.StrategyID,
			Strategy:   p.StrategyName,
			Symbol:     p.Symbol,
			OrderID:    p.OrderID,
			Side:       models.SideBuy,
			Quantity:   p.Quantity,
			Price:      p.EntryPrice,
			Message:    fmt.Sprintf("position %d: %s", p.ID, problem),
			Timestamp:  r.now(),
		}
		if err := r.notify.Notify(ctx, event); err != nil {
			logrus.WithError(err).Warn("Failed to publish ledger event")
		}
	}
	return escalated, nil
}

// Run sweeps on SweepInterval until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.WithField("interval", interval).Info("Reconciliation sweep started")
	for {
		if report, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Reconciliation sweep failed")
		} else if report != nil && (report.Resolved > 0 || report.Escalated > 0) {
			logrus.WithFields(logrus.Fields{
				"checked":   report.Checked,
				"resolved":  report.Resolved,
				"escalated": report.Escalated,
			}).Info("Reconciliation sweep complete")
		}

		select {
		case <-ctx.Done():
			logrus.Info("Reconciliation sweep stopped")
			return
		case <-ticker.C:
		}
	}
}
