// Package client provides a low-level ACME v2 client.
//
// A Client owns one ECDSA P-256 account key for its lifetime and drives one
// account through the RFC 8555 state machine over JWS-signed POST requests.
// The account key is generated at construction and never written to disk;
// re-registration happens on every run.
package client

import (
	"crypto"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/cpu/bootroot/acme/keys"
	acmenet "github.com/cpu/bootroot/net"
)

// Config contains configuration options provided to NewClient when creating
// a Client instance.
type Config struct {
	// A fully qualified URL for the ACME server's directory resource.
	DirectoryURL string
	// An optional contact email address used when registering the account.
	// A "mailto:" prefix is added automatically when missing.
	ContactEmail string
	// Optional external account binding credentials attached to the
	// registration request as an inner JWS.
	EAB *EABCredentials
	// How many times to try fetching the directory before giving up.
	DirectoryFetchAttempts int
	// The initial delay between directory fetch attempts. Doubled after each
	// failure up to DirectoryFetchMaxDelay.
	DirectoryFetchBaseDelay time.Duration
	DirectoryFetchMaxDelay  time.Duration
	// How many times to poll an order in "processing" state, and how long to
	// sleep between polls.
	PollAttempts int
	PollInterval time.Duration
	// AllowHTTP permits plain HTTP ACME URLs. It exists for tests against
	// local stub servers and must never be set in production builds.
	AllowHTTP bool
}

// EABCredentials hold an external account binding key identifier and its
// base64 (url-safe unpadded, or standard) encoded HMAC key.
type EABCredentials struct {
	KID  string
	HMAC string
}

func (conf *Config) normalize() error {
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.ContactEmail = strings.TrimSpace(conf.ContactEmail)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}
	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}

	if conf.ContactEmail != "" {
		email := strings.TrimPrefix(conf.ContactEmail, "mailto:")
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return fmt.Errorf("ContactEmail is invalid: %s", err.Error())
		}
		conf.ContactEmail = addr.Address
	}

	if conf.DirectoryFetchAttempts < 1 {
		conf.DirectoryFetchAttempts = 1
	}
	if conf.PollAttempts < 1 {
		conf.PollAttempts = 1
	}
	return nil
}

// Client allows interaction with an ACME server. Each Client owns exactly
// one account key pair and, after RegisterAccount, the server-assigned
// account URL used as the JWS "kid". A Client is not safe for concurrent use;
// each issuance constructs its own.
type Client struct {
	cfg Config
	// the net object is used to make HTTP GET/POST/HEAD requests to the ACME
	// server with the pinned trust configuration applied.
	net *acmenet.ACMENet
	// The account key used for all JWS signing. Never used for CSRs.
	signer crypto.Signer
	// The account URL assigned by the server, empty before registration.
	keyID string
	// directory is the cached ACME directory, nil until first fetched.
	directory *Directory
	// nonce holds at most one unused Replay-Nonce value.
	nonce string
}

// NewClient creates a Client instance from the given Config, using the
// provided transport for all ACME server requests. A fresh account key is
// generated for the client's lifetime.
func NewClient(config Config, transport *acmenet.ACMENet) (*Client, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("transport must not be nil")
	}

	signer, err := keys.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %s", err)
	}

	return &Client{
		cfg:    config,
		net:    transport,
		signer: signer,
	}, nil
}

// KeyAuthorization computes the key authorization for the given challenge
// token using the client's account key.
func (c *Client) KeyAuthorization(token string) (string, error) {
	return keys.KeyAuth(c.signer, token)
}

// KeyID returns the account URL assigned by the server, or an empty string
// before registration.
func (c *Client) KeyID() string {
	return c.keyID
}

// enforceHTTPS parses rawURL and rejects any scheme other than HTTPS. Plain
// HTTP is accepted only when the client was configured with AllowHTTP.
func (c *Client) enforceHTTPS(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid ACME URL %q: %s", rawURL, err)
	}
	switch parsed.Scheme {
	case "https":
		return parsed.String(), nil
	case "http":
		if c.cfg.AllowHTTP {
			return parsed.String(), nil
		}
	}
	return "", &InsecureURLError{URL: parsed.String()}
}
