package daemon

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// retryWithBackoff runs op up to len(delays) times, sleeping delays[i]
// seconds after failed attempt i+1 for every attempt except the last. An
// empty delay list means a single attempt with no sleeps. The context is
// observed between attempts; cancellation wins over further retries.
func retryWithBackoff(ctx context.Context, delays []int, op func() error, sleep func(context.Context, time.Duration) error) error {
	if sleep == nil {
		sleep = sleepContext
	}
	if len(delays) == 0 {
		return op()
	}

	var lastErr error
	for attempt, delay := range delays {
		if err := op(); err == nil {
			logrus.Info("Certificate issuance succeeded.")
			return nil
		} else {
			logrus.Errorf("Certificate issuance failed (attempt %d): %s", attempt+1, err)
			lastErr = err
		}

		if attempt+1 < len(delays) {
			if err := sleep(ctx, time.Duration(delay)*time.Second); err != nil {
				return err
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("certificate issuance failed")
	}
	return lastErr
}

// sleepContext sleeps for d, returning the context's error early on
// cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
