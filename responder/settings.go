// Package responder implements the split-surface HTTP-01 challenge
// responder: a public endpoint serving RFC 8555 §8.3 challenge responses and
// a signed, time-bounded admin endpoint that registers challenge-token to
// key-authorization bindings, plus the admin client used by the issuance
// flow.
package responder

import (
	stdnet "net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied for settings the responder config file omits.
const (
	DEFAULT_LISTEN_ADDR           = "0.0.0.0:80"
	DEFAULT_ADMIN_ADDR            = "0.0.0.0:8080"
	DEFAULT_TOKEN_TTL_SECS        = 300
	DEFAULT_CLEANUP_INTERVAL_SECS = 30
	DEFAULT_MAX_SKEW_SECS         = 60
)

// Settings is the responder's configuration.
type Settings struct {
	ListenAddr          string `yaml:"listen_addr"`
	AdminAddr           string `yaml:"admin_addr"`
	HMACSecret          string `yaml:"hmac_secret"`
	TokenTTLSecs        int    `yaml:"token_ttl_secs"`
	CleanupIntervalSecs int    `yaml:"cleanup_interval_secs"`
	MaxSkewSecs         int    `yaml:"max_skew_secs"`
}

// DefaultSettings returns a Settings populated with every default value.
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:          DEFAULT_LISTEN_ADDR,
		AdminAddr:           DEFAULT_ADMIN_ADDR,
		TokenTTLSecs:        DEFAULT_TOKEN_TTL_SECS,
		CleanupIntervalSecs: DEFAULT_CLEANUP_INTERVAL_SECS,
		MaxSkewSecs:         DEFAULT_MAX_SKEW_SECS,
	}
}

// LoadSettings reads responder settings from the YAML file at path, starting
// from defaults and finishing with BOOTROOT_RESPONDER_* environment
// overrides. A missing file is not an error. The returned settings are
// validated.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Settings{}, errors.Wrapf(err, "reading responder config %q", path)
		}
	} else if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Wrapf(err, "parsing responder config %q", path)
	}

	if v := os.Getenv("BOOTROOT_RESPONDER_LISTEN_ADDR"); v != "" {
		settings.ListenAddr = v
	}
	if v := os.Getenv("BOOTROOT_RESPONDER_ADMIN_ADDR"); v != "" {
		settings.AdminAddr = v
	}
	if v := os.Getenv("BOOTROOT_RESPONDER_HMAC_SECRET"); v != "" {
		settings.HMACSecret = v
	}
	if v := os.Getenv("BOOTROOT_RESPONDER_TOKEN_TTL_SECS"); v != "" {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, errors.Wrap(err, "BOOTROOT_RESPONDER_TOKEN_TTL_SECS invalid")
		}
		settings.TokenTTLSecs = ttl
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks every constraint the responder depends on.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.HMACSecret) == "" {
		return errors.New("hmac_secret must not be empty")
	}
	if s.TokenTTLSecs <= 0 {
		return errors.New("token_ttl_secs must be greater than 0")
	}
	if s.CleanupIntervalSecs <= 0 {
		return errors.New("cleanup_interval_secs must be greater than 0")
	}
	if s.MaxSkewSecs <= 0 {
		return errors.New("max_skew_secs must be greater than 0")
	}
	if _, err := stdnet.ResolveTCPAddr("tcp", s.ListenAddr); err != nil {
		return errors.Wrap(err, "listen_addr invalid")
	}
	if _, err := stdnet.ResolveTCPAddr("tcp", s.AdminAddr); err != nil {
		return errors.Wrap(err, "admin_addr invalid")
	}
	return nil
}
