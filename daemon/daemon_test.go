package daemon

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/bootroot/config"
)

func buildProfile(certPath string) config.Profile {
	return config.Profile{
		Name:       "edge-proxy-a",
		DaemonName: "edge-proxy",
		InstanceID: "001",
		Hostname:   "edge-node-01",
		Domains:    []string{"edge-proxy.internal"},
		Paths: config.Paths{
			Cert: certPath,
			Key:  "unused.key",
		},
		Daemon: config.DaemonSettings{
			CheckInterval: config.Duration(time.Hour),
			RenewBefore:   config.Duration(720 * time.Hour),
			CheckJitter:   0,
		},
	}
}

// writeCert writes a self-signed certificate with the given notAfter to
// certPath.
func writeCert(t *testing.T, certPath string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "edge-proxy.internal"},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{"edge-proxy.internal"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, pemBytes, 0o644))
}

func TestShouldRenewMissingFile(t *testing.T) {
	profile := buildProfile(filepath.Join(t.TempDir(), "missing.pem"))
	renew, err := ShouldRenew(&profile, 720*time.Hour)
	require.NoError(t, err)
	assert.True(t, renew)
}

func TestShouldRenewInsideWindow(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "cert.pem")
	writeCert(t, certPath, time.Now().Add(10*24*time.Hour))

	profile := buildProfile(certPath)
	renew, err := ShouldRenew(&profile, 30*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, renew)
}

func TestShouldRenewOutsideWindow(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "cert.pem")
	writeCert(t, certPath, time.Now().Add(90*24*time.Hour))

	profile := buildProfile(certPath)
	renew, err := ShouldRenew(&profile, 30*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, renew)
}

func TestShouldRenewReportsParseFailure(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0o644))

	profile := buildProfile(certPath)
	_, err := ShouldRenew(&profile, 720*time.Hour)
	require.Error(t, err)
}

func TestParseCertNotAfterUsesFirstPEMBlock(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "cert.pem")
	notAfter := time.Now().Add(42 * 24 * time.Hour).Truncate(time.Second)
	writeCert(t, certPath, notAfter)

	// Append a second block to simulate a chain; only the first counts.
	chain, err := os.ReadFile(certPath)
	require.NoError(t, err)
	chain = append(chain, chain...)

	parsed, err := ParseCertNotAfter(chain)
	require.NoError(t, err)
	assert.WithinDuration(t, notAfter, parsed, time.Second)
}

func TestRetryAttemptAndSleepCounts(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := retryWithBackoff(context.Background(), []int{1, 2, 3}, func() error {
		attempts++
		return errors.New("boom")
	}, sleep)

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "n delays mean exactly n attempts")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept,
		"sleeps run between attempts but not after the last")
}

func TestRetryShortCircuitsOnSuccess(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := retryWithBackoff(context.Background(), []int{1, 2, 3}, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("boom")
		}
		return nil
	}, sleep)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestRetryEmptyBackoffSingleAttempt(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), nil, func() error {
		attempts++
		return errors.New("boom")
	}, func(context.Context, time.Duration) error {
		t.Fatal("sleep must not be called with an empty backoff")
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := retryWithBackoff(ctx, []int{1, 1, 1}, func() error {
		attempts++
		cancel()
		return errors.New("boom")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "cancellation between attempts stops the retry loop")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitteredDelayZeroJitterReturnsBase(t *testing.T) {
	assert.Equal(t, time.Minute, jitteredDelayWithSeed(time.Minute, 0, 123456789))
}

func TestJitteredDelayStaysInRange(t *testing.T) {
	base := 60 * time.Second
	jitter := 10 * time.Second

	for _, seed := range []int64{0, 1, 123456789, 1 << 40, 987654321} {
		delay := jitteredDelayWithSeed(base, jitter, seed)
		assert.GreaterOrEqual(t, delay, base-jitter)
		assert.LessOrEqual(t, delay, base+jitter)
	}
}

func TestJitteredDelayIsDeterministicPerSeed(t *testing.T) {
	first := jitteredDelayWithSeed(time.Minute, 10*time.Second, 123456789)
	second := jitteredDelayWithSeed(time.Minute, 10*time.Second, 123456789)
	assert.Equal(t, first, second)
}

func TestJitteredDelayFloorsAtOneSecond(t *testing.T) {
	// A tiny base with a large negative offset must never drop below the
	// one second floor.
	delay := jitteredDelayWithSeed(time.Millisecond, 30*time.Second, 1)
	assert.GreaterOrEqual(t, delay, time.Second)
}

func TestRunOneshotReturnsFirstError(t *testing.T) {
	dir := t.TempDir()
	profileA := buildProfile(filepath.Join(dir, "a.pem"))
	profileB := buildProfile(filepath.Join(dir, "b.pem"))
	profileB.Name = "edge-proxy-b"

	settings := &config.Settings{
		Scheduler: config.SchedulerSettings{MaxConcurrentIssuances: 1},
		Retry:     config.RetrySettings{BackoffSecs: []int{1}},
		Profiles:  []config.Profile{profileA, profileB},
	}

	issued := 0
	err := RunOneshot(context.Background(), settings, nil,
		func(_ context.Context, _ *config.Settings, profile *config.Profile, _ *config.EABCredentials) error {
			issued++
			if profile.Name == "edge-proxy-b" {
				return errors.New("issuance failed")
			}
			return nil
		})

	require.Error(t, err)
	assert.Equal(t, 2, issued, "every profile runs even when one fails")
}

func TestRunStopsOnCancellation(t *testing.T) {
	dir := t.TempDir()
	profile := buildProfile(filepath.Join(dir, "a.pem"))
	// A fresh certificate keeps the loop idle between ticks.
	writeCert(t, profile.Paths.Cert, time.Now().Add(9000*time.Hour))

	settings := &config.Settings{
		Scheduler: config.SchedulerSettings{MaxConcurrentIssuances: 1},
		Retry:     config.RetrySettings{BackoffSecs: []int{1}},
		Profiles:  []config.Profile{profile},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, settings, nil,
			func(context.Context, *config.Settings, *config.Profile, *config.EABCredentials) error {
				return nil
			})
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not settle after cancellation")
	}
}

func TestSelectRetryBackoffPrefersProfileOverride(t *testing.T) {
	settings := config.Settings{
		Retry: config.RetrySettings{BackoffSecs: []int{5, 10, 30}},
	}
	profile := buildProfile("unused.pem")

	assert.Equal(t, []int{5, 10, 30}, settings.SelectRetryBackoff(&profile))

	profile.Retry = &config.RetrySettings{BackoffSecs: []int{1, 2}}
	assert.Equal(t, []int{1, 2}, settings.SelectRetryBackoff(&profile))
}
