package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/models"
)

// Retrying retries transient fetch failures with exponential backoff.
// Fetching bars has no side effects so repeating the call is safe.
type Retrying struct {
	source     Source
	maxRetries uint64
	initial    time.Duration
}

// NewRetrying wraps source
func NewRetrying(source Source, maxRetries uint64, initial time.Duration) *Retrying {
	return &Retrying{source: source, maxRetries: maxRetries, initial: initial}
}

// Fetch implements Source
func (r *Retrying) Fetch(ctx context.Context, req Request) ([]models.Bar, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxElapsedTime = 0

	var bars []models.Bar
	op := func() error {
		var err error
		bars, err = r.source.Fetch(ctx, req)
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"symbol": req.Symbol,
			"wait":   wait,
		}).WithError(err).Warn("Retrying bar fetch")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return bars, nil
}
