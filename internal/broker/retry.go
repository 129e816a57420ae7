package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// PollPolicy bounds retries of PollFills
type PollPolicy struct {
	MaxRetries uint64
	Initial    time.Duration
	MaxWait    time.Duration
}

// PollWithRetry calls PollFills, retrying transient failures with
// exponential backoff. Submit has no equivalent.
func PollWithRetry(ctx context.Context, gw Gateway, orderID string, policy PollPolicy) (*FillReport, error) {
	b := backoff.NewExponentialBackOff()
	if policy.Initial > 0 {
		b.InitialInterval = policy.Initial
	}
	if policy.MaxWait > 0 {
		b.MaxInterval = policy.MaxWait
	}
	b.MaxElapsedTime = 0

	var report *FillReport
	op := func() error {
		var err error
		report, err = gw.PollFills(ctx, orderID)
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"order_id": orderID,
			"wait":     wait,
		}).WithError(err).Warn("Retrying fill poll")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxRetries), ctx), notify); err != nil {
		return nil, err
	}
	return report, nil
}
