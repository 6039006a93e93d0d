// Package config provides the agent's typed settings, loaded from a YAML
// file with BOOTROOT_* environment overrides, and validation of every value
// the daemon depends on.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied for settings the config file omits.
const (
	DEFAULT_SERVER              = "https://localhost:9000/acme/acme/directory"
	DEFAULT_EMAIL               = "admin@example.com"
	DEFAULT_SPIFFE_TRUST_DOMAIN = "trusted.domain"

	DEFAULT_CHECK_INTERVAL = time.Hour
	DEFAULT_RENEW_BEFORE   = 720 * time.Hour
	DEFAULT_CHECK_JITTER   = 0 * time.Second

	DEFAULT_HTTP_RESPONDER_URL            = "http://localhost:8080"
	DEFAULT_HTTP_RESPONDER_TIMEOUT_SECS   = 5
	DEFAULT_HTTP_RESPONDER_TOKEN_TTL_SECS = 300
	DEFAULT_DIRECTORY_FETCH_ATTEMPTS      = 10
	DEFAULT_DIRECTORY_FETCH_BASE_DELAY    = 1
	DEFAULT_DIRECTORY_FETCH_MAX_DELAY     = 10
	DEFAULT_POLL_ATTEMPTS                 = 15
	DEFAULT_POLL_INTERVAL_SECS            = 2

	DEFAULT_HOOK_TIMEOUT_SECS        = 30
	DEFAULT_MAX_CONCURRENT_ISSUANCES = 3
)

// DefaultRetryBackoffSecs is the global retry schedule used when the config
// file does not provide one.
var DefaultRetryBackoffSecs = []int{5, 10, 30}

// Settings is the agent's full configuration.
type Settings struct {
	Email             string            `yaml:"email"`
	Server            string            `yaml:"server"`
	SPIFFETrustDomain string            `yaml:"spiffe_trust_domain"`
	EAB               *EAB              `yaml:"eab"`
	ACME              ACMESettings      `yaml:"acme"`
	Retry             RetrySettings     `yaml:"retry"`
	Trust             TrustSettings     `yaml:"trust"`
	Scheduler         SchedulerSettings `yaml:"scheduler"`
	Profiles          []Profile         `yaml:"profiles"`
}

// EAB holds external account binding credentials from configuration.
type EAB struct {
	KID  string `yaml:"kid"`
	HMAC string `yaml:"hmac"`
}

// ACMESettings controls the ACME client and its responder integration.
type ACMESettings struct {
	HTTPResponderURL            string `yaml:"http_responder_url"`
	HTTPResponderHMAC           string `yaml:"http_responder_hmac"`
	HTTPResponderTimeoutSecs    int    `yaml:"http_responder_timeout_secs"`
	HTTPResponderTokenTTLSecs   int    `yaml:"http_responder_token_ttl_secs"`
	DirectoryFetchAttempts      int    `yaml:"directory_fetch_attempts"`
	DirectoryFetchBaseDelaySecs int    `yaml:"directory_fetch_base_delay_secs"`
	DirectoryFetchMaxDelaySecs  int    `yaml:"directory_fetch_max_delay_secs"`
	PollAttempts                int    `yaml:"poll_attempts"`
	PollIntervalSecs            int    `yaml:"poll_interval_secs"`
}

// RetrySettings is an ordered sequence of positive second counts. With n
// delays an operation is attempted up to n times, sleeping delays[i] after
// failed attempt i+1 for every attempt except the last.
type RetrySettings struct {
	BackoffSecs []int `yaml:"backoff_secs"`
}

// TrustSettings controls how the HTTP transport trusts the ACME server.
type TrustSettings struct {
	CABundlePath       string   `yaml:"ca_bundle_path"`
	TrustedCASHA256    []string `yaml:"trusted_ca_sha256"`
	VerifyCertificates bool     `yaml:"verify_certificates"`
}

// SchedulerSettings bounds concurrent issuance work across all profiles.
type SchedulerSettings struct {
	MaxConcurrentIssuances int `yaml:"max_concurrent_issuances"`
}

// Paths locates a profile's durable state on disk.
type Paths struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Profile is one renewal unit: one cert file, one key file, one hostname
// context managed by the daemon.
type Profile struct {
	Name       string         `yaml:"name"`
	DaemonName string         `yaml:"daemon_name"`
	InstanceID string         `yaml:"instance_id"`
	Hostname   string         `yaml:"hostname"`
	Domains    []string       `yaml:"domains"`
	Paths      Paths          `yaml:"paths"`
	Daemon     DaemonSettings `yaml:"daemon"`
	Retry      *RetrySettings `yaml:"retry"`
	Hooks      HookSettings   `yaml:"hooks"`
	EAB        *EAB           `yaml:"eab"`
}

// UnmarshalYAML applies daemon loop defaults before decoding the profile.
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	type rawProfile Profile
	raw := rawProfile{Daemon: defaultDaemonSettings()}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = Profile(raw)
	return nil
}

// DaemonSettings controls a profile's renewal loop cadence.
type DaemonSettings struct {
	CheckInterval Duration `yaml:"check_interval"`
	RenewBefore   Duration `yaml:"renew_before"`
	CheckJitter   Duration `yaml:"check_jitter"`
}

func defaultDaemonSettings() DaemonSettings {
	return DaemonSettings{
		CheckInterval: Duration(DEFAULT_CHECK_INTERVAL),
		RenewBefore:   Duration(DEFAULT_RENEW_BEFORE),
		CheckJitter:   Duration(DEFAULT_CHECK_JITTER),
	}
}

// HookSettings groups a profile's hook chains.
type HookSettings struct {
	PostRenew PostRenewHooks `yaml:"post_renew"`
}

// PostRenewHooks holds the disjoint success and failure hook chains.
type PostRenewHooks struct {
	Success []HookCommand `yaml:"success"`
	Failure []HookCommand `yaml:"failure"`
}

// HookFailurePolicy selects what happens to the rest of a hook chain after a
// hook exhausts its retries.
type HookFailurePolicy string

const (
	// HookContinue logs the failure and proceeds to the next hook.
	HookContinue HookFailurePolicy = "continue"
	// HookStop aborts the remaining hooks and surfaces the error.
	HookStop HookFailurePolicy = "stop"
)

// HookCommand describes one external command run after a renewal outcome.
type HookCommand struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args"`
	WorkingDir       string            `yaml:"working_dir"`
	TimeoutSecs      int               `yaml:"timeout_secs"`
	RetryBackoffSecs []int             `yaml:"retry_backoff_secs"`
	MaxOutputBytes   *int64            `yaml:"max_output_bytes"`
	OnFailure        HookFailurePolicy `yaml:"on_failure"`
}

// UnmarshalYAML applies hook defaults before decoding the command.
func (h *HookCommand) UnmarshalYAML(value *yaml.Node) error {
	type rawHook HookCommand
	raw := rawHook{
		TimeoutSecs: DEFAULT_HOOK_TIMEOUT_SECS,
		OnFailure:   HookContinue,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*h = HookCommand(raw)
	return nil
}

// Default returns a Settings populated with every default value and no
// profiles.
func Default() Settings {
	return Settings{
		Email:             DEFAULT_EMAIL,
		Server:            DEFAULT_SERVER,
		SPIFFETrustDomain: DEFAULT_SPIFFE_TRUST_DOMAIN,
		ACME: ACMESettings{
			HTTPResponderURL:            DEFAULT_HTTP_RESPONDER_URL,
			HTTPResponderTimeoutSecs:    DEFAULT_HTTP_RESPONDER_TIMEOUT_SECS,
			HTTPResponderTokenTTLSecs:   DEFAULT_HTTP_RESPONDER_TOKEN_TTL_SECS,
			DirectoryFetchAttempts:      DEFAULT_DIRECTORY_FETCH_ATTEMPTS,
			DirectoryFetchBaseDelaySecs: DEFAULT_DIRECTORY_FETCH_BASE_DELAY,
			DirectoryFetchMaxDelaySecs:  DEFAULT_DIRECTORY_FETCH_MAX_DELAY,
			PollAttempts:                DEFAULT_POLL_ATTEMPTS,
			PollIntervalSecs:            DEFAULT_POLL_INTERVAL_SECS,
		},
		Retry: RetrySettings{
			BackoffSecs: append([]int(nil), DefaultRetryBackoffSecs...),
		},
		Trust: TrustSettings{
			VerifyCertificates: true,
		},
		Scheduler: SchedulerSettings{
			MaxConcurrentIssuances: DEFAULT_MAX_CONCURRENT_ISSUANCES,
		},
	}
}

// Load reads settings from the YAML file at path, starting from defaults and
// finishing with BOOTROOT_* environment overrides. A missing file is not an
// error; the defaults and environment are used alone.
func Load(path string) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Settings{}, errors.Wrapf(err, "reading config file %q", path)
		}
	} else if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Wrapf(err, "parsing config file %q", path)
	}

	applyEnvOverrides(&settings)
	return settings, nil
}

func applyEnvOverrides(settings *Settings) {
	if v := os.Getenv("BOOTROOT_EMAIL"); v != "" {
		settings.Email = v
	}
	if v := os.Getenv("BOOTROOT_SERVER"); v != "" {
		settings.Server = v
	}
	if v := os.Getenv("BOOTROOT_SPIFFE_TRUST_DOMAIN"); v != "" {
		settings.SPIFFETrustDomain = v
	}
	if v := os.Getenv("BOOTROOT_ACME__HTTP_RESPONDER_URL"); v != "" {
		settings.ACME.HTTPResponderURL = v
	}
	if v := os.Getenv("BOOTROOT_ACME__HTTP_RESPONDER_HMAC"); v != "" {
		settings.ACME.HTTPResponderHMAC = v
	}
}

// Validate checks every constraint the daemon depends on. It must pass
// before the daemon starts.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.SPIFFETrustDomain) == "" {
		return errors.New("spiffe_trust_domain must not be empty")
	}
	if !isASCII(s.SPIFFETrustDomain) {
		return errors.New("spiffe_trust_domain must be ASCII")
	}
	if s.ACME.DirectoryFetchAttempts <= 0 {
		return errors.New("acme.directory_fetch_attempts must be greater than 0")
	}
	if strings.TrimSpace(s.ACME.HTTPResponderURL) == "" {
		return errors.New("acme.http_responder_url must not be empty")
	}
	if strings.TrimSpace(s.ACME.HTTPResponderHMAC) == "" {
		return errors.New("acme.http_responder_hmac must not be empty")
	}
	if s.ACME.HTTPResponderTimeoutSecs <= 0 {
		return errors.New("acme.http_responder_timeout_secs must be greater than 0")
	}
	if s.ACME.HTTPResponderTokenTTLSecs <= 0 {
		return errors.New("acme.http_responder_token_ttl_secs must be greater than 0")
	}
	if s.ACME.PollAttempts <= 0 {
		return errors.New("acme.poll_attempts must be greater than 0")
	}
	if s.ACME.PollIntervalSecs <= 0 {
		return errors.New("acme.poll_interval_secs must be greater than 0")
	}
	if s.ACME.DirectoryFetchBaseDelaySecs <= 0 {
		return errors.New("acme.directory_fetch_base_delay_secs must be greater than 0")
	}
	if s.ACME.DirectoryFetchMaxDelaySecs <= 0 {
		return errors.New("acme.directory_fetch_max_delay_secs must be greater than 0")
	}
	if s.ACME.DirectoryFetchBaseDelaySecs > s.ACME.DirectoryFetchMaxDelaySecs {
		return errors.New("acme.directory_fetch_base_delay_secs must be <= acme.directory_fetch_max_delay_secs")
	}
	if len(s.Retry.BackoffSecs) == 0 {
		return errors.New("retry.backoff_secs must not be empty")
	}
	if err := validateRetrySettings(s.Retry.BackoffSecs, "retry.backoff_secs"); err != nil {
		return err
	}
	if len(s.Trust.TrustedCASHA256) > 0 && strings.TrimSpace(s.Trust.CABundlePath) == "" {
		return errors.New("trust.ca_bundle_path must be set when trust is configured")
	}
	if s.Scheduler.MaxConcurrentIssuances <= 0 {
		return errors.New("scheduler.max_concurrent_issuances must be greater than 0")
	}
	if len(s.Profiles) == 0 {
		return errors.New("profiles must not be empty")
	}
	for i := range s.Profiles {
		if err := validateProfile(&s.Profiles[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateProfile(profile *Profile) error {
	if strings.TrimSpace(profile.Name) == "" {
		return errors.New("profiles.name must not be empty")
	}
	if strings.TrimSpace(profile.DaemonName) == "" {
		return errors.New("profiles.daemon_name must not be empty")
	}
	if strings.TrimSpace(profile.Hostname) == "" {
		return errors.New("profiles.hostname must not be empty")
	}
	if !isASCII(profile.DaemonName) {
		return errors.New("profiles.daemon_name must be ASCII")
	}
	if !isASCII(profile.Hostname) {
		return errors.New("profiles.hostname must be ASCII")
	}
	if strings.TrimSpace(profile.InstanceID) == "" {
		return errors.New("profiles.instance_id must not be empty")
	}
	for _, ch := range profile.InstanceID {
		if ch < '0' || ch > '9' {
			return errors.New("profiles.instance_id must be numeric")
		}
	}
	if len(profile.Domains) == 0 {
		return errors.New("profiles.domains must not be empty")
	}
	if profile.Paths.Cert == "" {
		return errors.New("profiles.paths.cert must not be empty")
	}
	if profile.Paths.Key == "" {
		return errors.New("profiles.paths.key must not be empty")
	}
	if profile.Retry != nil {
		if err := validateRetrySettings(profile.Retry.BackoffSecs, "profiles.retry.backoff_secs"); err != nil {
			return err
		}
	}
	if err := validateHookCommands(profile.Hooks.PostRenew.Success, "profiles.hooks.post_renew.success"); err != nil {
		return err
	}
	return validateHookCommands(profile.Hooks.PostRenew.Failure, "profiles.hooks.post_renew.failure")
}

func validateHookCommands(hooks []HookCommand, label string) error {
	for _, hook := range hooks {
		if strings.TrimSpace(hook.Command) == "" {
			return fmt.Errorf("%s hook command must not be empty", label)
		}
		if hook.TimeoutSecs <= 0 {
			return fmt.Errorf("%s hook timeout_secs must be greater than 0", label)
		}
		if err := validateRetrySettings(hook.RetryBackoffSecs, fmt.Sprintf("%s hook retry_backoff_secs", label)); err != nil {
			return err
		}
		if hook.MaxOutputBytes != nil && *hook.MaxOutputBytes <= 0 {
			return fmt.Errorf("%s hook max_output_bytes must be greater than 0", label)
		}
		if hook.OnFailure != HookContinue && hook.OnFailure != HookStop {
			return fmt.Errorf("%s hook on_failure must be %q or %q", label, HookContinue, HookStop)
		}
	}
	return nil
}

func validateRetrySettings(backoffSecs []int, label string) error {
	for _, delay := range backoffSecs {
		if delay <= 0 {
			return fmt.Errorf("%s values must be greater than 0", label)
		}
	}
	return nil
}

func isASCII(s string) bool {
	for _, ch := range s {
		if ch > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// SelectRetryBackoff returns the profile's retry schedule, falling back to
// the global schedule when the profile has no override.
func (s *Settings) SelectRetryBackoff(profile *Profile) []int {
	if profile.Retry != nil {
		return profile.Retry.BackoffSecs
	}
	return s.Retry.BackoffSecs
}

// ProfileLabel returns the log label for a profile: its primary domain when
// present, otherwise its name.
func ProfileLabel(profile *Profile) string {
	if len(profile.Domains) > 0 {
		return profile.Domains[0]
	}
	return profile.Name
}
