// Package daemon keeps every configured profile's certificate inside its
// renewal window: one supervised loop per profile, a process-wide concurrency
// gate, retry with backoff, and post-renew hook dispatch.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cpu/bootroot/config"
	"github.com/cpu/bootroot/hooks"
)

// IssueFunc performs one certificate issuance for a profile.
type IssueFunc func(ctx context.Context, settings *config.Settings, profile *config.Profile, eab *config.EABCredentials) error

// Run starts one renewal loop per profile and blocks until the context is
// cancelled and every loop has settled. Issuances across all profiles share
// one semaphore sized by scheduler.max_concurrent_issuances.
func Run(ctx context.Context, settings *config.Settings, defaultEAB *config.EABCredentials, issueFn IssueFunc) error {
	sem := semaphore.NewWeighted(int64(settings.Scheduler.MaxConcurrentIssuances))

	var wg sync.WaitGroup
	for i := range settings.Profiles {
		profile := &settings.Profiles[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			runProfileLoop(ctx, settings, profile, defaultEAB, sem, issueFn)
		}()
	}

	wg.Wait()
	return nil
}

func runProfileLoop(ctx context.Context, settings *config.Settings, profile *config.Profile, defaultEAB *config.EABCredentials, sem *semaphore.Weighted, issueFn IssueFunc) {
	checkInterval := profile.Daemon.CheckInterval.Std()
	renewBefore := profile.Daemon.RenewBefore.Std()
	checkJitter := profile.Daemon.CheckJitter.Std()
	label := config.ProfileLabel(profile)

	logrus.Infof("Profile %q daemon enabled. check_interval=%s, renew_before=%s, check_jitter=%s",
		label, checkInterval, renewBefore, checkJitter)

	firstTick := true
	for {
		var delay time.Duration
		if firstTick {
			firstTick = false
		} else {
			delay = JitteredDelay(checkInterval, checkJitter)
		}

		select {
		case <-ctx.Done():
			logrus.Infof("Shutdown signal received. Exiting profile %q.", label)
			return
		case <-time.After(delay):
		}

		logrus.Debugf("Profile %q checking renewal status...", label)
		renew, err := ShouldRenew(profile, renewBefore)
		if err != nil {
			logrus.Errorf("Profile %q renewal check failed: %s", label, err)
			continue
		}
		if !renew {
			logrus.Debugf("Profile %q certificate still valid.", label)
			continue
		}

		logrus.Infof("Profile %q renewal required. Starting ACME issuance...", label)
		if err := sem.Acquire(ctx, 1); err != nil {
			logrus.Infof("Shutdown signal received. Exiting profile %q.", label)
			return
		}
		issueErr := issueWithRetry(ctx, settings, profile, defaultEAB, issueFn)
		sem.Release(1)

		runHooks(settings, profile, label, issueErr)
	}
}

// RunOneshot performs a single issuance pass over every profile, gated by
// the same semaphore as daemon mode, and returns the first error
// encountered.
func RunOneshot(ctx context.Context, settings *config.Settings, defaultEAB *config.EABCredentials, issueFn IssueFunc) error {
	sem := semaphore.NewWeighted(int64(settings.Scheduler.MaxConcurrentIssuances))

	var group errgroup.Group
	for i := range settings.Profiles {
		profile := &settings.Profiles[i]
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			label := config.ProfileLabel(profile)
			eab := config.ResolveProfileEAB(profile, defaultEAB)
			err := issueFn(ctx, settings, profile, eab)
			runHooks(settings, profile, label, err)
			return err
		})
	}

	return group.Wait()
}

func issueWithRetry(ctx context.Context, settings *config.Settings, profile *config.Profile, defaultEAB *config.EABCredentials, issueFn IssueFunc) error {
	backoff := settings.SelectRetryBackoff(profile)
	eab := config.ResolveProfileEAB(profile, defaultEAB)
	return retryWithBackoff(ctx, backoff, func() error {
		return issueFn(ctx, settings, profile, eab)
	}, nil)
}

// runHooks dispatches the post-renew chain matching the issuance outcome.
// Hook failures never cancel the daemon loop.
func runHooks(settings *config.Settings, profile *config.Profile, label string, issueErr error) {
	if issueErr == nil {
		if err := hooks.RunPostRenew(settings, profile, hooks.StatusSuccess, ""); err != nil {
			logrus.Errorf("Post-renew success hooks failed for %q: %s", label, err)
		}
		return
	}

	logrus.Errorf("Profile %q renewal failed after retries: %s", label, issueErr)
	if err := hooks.RunPostRenew(settings, profile, hooks.StatusFailure, issueErr.Error()); err != nil {
		logrus.Errorf("Post-renew failure hooks failed for %q: %s", label, err)
	}
}
