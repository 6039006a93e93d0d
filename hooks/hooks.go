// Package hooks runs the bounded chains of external commands that react to a
// renewal outcome.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cpu/bootroot/config"
)

// Status selects which post-renew chain runs.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ErrHookTimeout is returned when a hook process had to be killed because it
// did not exit within its timeout.
var ErrHookTimeout = errors.New("hook timed out")

// ExitError is returned when a hook process exited with a non-zero status.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("hook exited with status: %d", e.Status)
}

// RunPostRenew runs the hook chain matching status, strictly sequentially in
// declaration order. A hook that exhausts its retries either aborts the
// remaining chain (policy "stop") or is logged and skipped (policy
// "continue"). The success and failure chains are disjoint; only one runs
// per renewal outcome.
func RunPostRenew(settings *config.Settings, profile *config.Profile, status Status, errorMessage string) error {
	var chain []config.HookCommand
	switch status {
	case StatusSuccess:
		chain = profile.Hooks.PostRenew.Success
	case StatusFailure:
		chain = profile.Hooks.PostRenew.Failure
	}

	if len(chain) == 0 {
		return nil
	}

	env := hookEnv(settings, profile, status, errorMessage, time.Now().UTC())

	for i := range chain {
		hook := &chain[i]
		if err := runHookWithRetry(hook, env); err != nil {
			logrus.Errorf("Post-renew hook failed (command=%q): %s", hook.Command, err)
			if hook.OnFailure == config.HookStop {
				return err
			}
		}
	}
	return nil
}

// hookEnv builds the renewal context environment passed to every hook in the
// chain.
func hookEnv(settings *config.Settings, profile *config.Profile, status Status, errorMessage string, renewedAt time.Time) []string {
	primaryDomain := ""
	if len(profile.Domains) > 0 {
		primaryDomain = profile.Domains[0]
	}
	return []string{
		"CERT_PATH=" + profile.Paths.Cert,
		"KEY_PATH=" + profile.Paths.Key,
		"DOMAINS=" + strings.Join(profile.Domains, ","),
		"PRIMARY_DOMAIN=" + primaryDomain,
		"RENEWED_AT=" + renewedAt.Format(time.RFC3339),
		"RENEW_STATUS=" + string(status),
		"RENEW_ERROR=" + errorMessage,
		"ACME_SERVER_URL=" + settings.Server,
	}
}

// runHookWithRetry runs the hook up to len(retry_backoff_secs) times,
// sleeping between attempts but not after the last. An empty backoff means a
// single attempt.
func runHookWithRetry(hook *config.HookCommand, env []string) error {
	if len(hook.RetryBackoffSecs) == 0 {
		return runHookCommand(hook, env)
	}

	var lastErr error
	for attempt, delay := range hook.RetryBackoffSecs {
		if err := runHookCommand(hook, env); err == nil {
			return nil
		} else {
			remaining := len(hook.RetryBackoffSecs) - attempt - 1
			logrus.Errorf("Hook attempt %d failed (command=%q, remaining_retries=%d): %s",
				attempt+1, hook.Command, remaining, err)
			lastErr = err
		}

		if attempt+1 < len(hook.RetryBackoffSecs) {
			time.Sleep(time.Duration(delay) * time.Second)
		}
	}
	return lastErr
}

func runHookCommand(hook *config.HookCommand, env []string) error {
	logrus.Infof("Running post-renew hook: %s %v", hook.Command, hook.Args)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(hook.TimeoutSecs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, hook.Command, hook.Args...)
	cmd.Dir = hook.WorkingDir
	cmd.Env = append(os.Environ(), env...)

	stdout := newCaptureBuffer(hook.MaxOutputBytes)
	stderr := newCaptureBuffer(hook.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	if out := strings.TrimSpace(stdout.String()); out != "" {
		logrus.Debugf("Hook stdout: %s", out)
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		logrus.Debugf("Hook stderr: %s", out)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrapf(ErrHookTimeout, "after %d seconds", hook.TimeoutSecs)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Status: exitErr.ExitCode()}
		}
		return errors.Wrapf(err, "failed to run hook command %q", hook.Command)
	}
	return nil
}

// captureBuffer collects process output, truncating at a byte limit when one
// is configured.
type captureBuffer struct {
	limit *int64
	data  []byte
}

func newCaptureBuffer(limit *int64) *captureBuffer {
	return &captureBuffer{limit: limit}
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	if b.limit == nil {
		b.data = append(b.data, p...)
		return len(p), nil
	}
	remaining := *b.limit - int64(len(b.data))
	if remaining > 0 {
		if int64(len(p)) < remaining {
			b.data = append(b.data, p...)
		} else {
			b.data = append(b.data, p[:remaining]...)
		}
	}
	return len(p), nil
}

func (b *captureBuffer) String() string {
	return string(b.data)
}
