// Package net provides the HTTP transport shared by the ACME client,
// configured with a pinned trust store for the on-prem CA.
package net

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/cpu/bootroot/acme"
)

const (
	version       = "0.1.0"
	userAgentBase = "cpu.bootroot"
	locale        = "en-us"
)

// Config controls how the transport trusts the ACME server.
//
// CABundlePath is a file path to one or more PEM encoded CA certificates used
// as trust roots for HTTPS requests. PinnedSHA256 optionally lists 64-hex
// SHA-256 fingerprints; when non-empty, at least one certificate in the
// chain presented by the server (end-entity or intermediate) must match one
// of the fingerprints in addition to passing chain verification against the
// bundle. VerifyCertificates set to false disables certificate verification
// entirely; it exists for bootstrap and diagnostics before the trust store is
// provisioned and must never be used in production.
type Config struct {
	CABundlePath       string
	PinnedSHA256       []string
	VerifyCertificates bool
	Timeout            time.Duration
}

func (c *Config) normalize() error {
	c.CABundlePath = strings.TrimSpace(c.CABundlePath)

	if !c.VerifyCertificates {
		return nil
	}
	if c.CABundlePath == "" && len(c.PinnedSHA256) > 0 {
		return fmt.Errorf("CABundlePath must not be empty when fingerprint pins are configured")
	}
	for _, pin := range c.PinnedSHA256 {
		if len(pin) != hex.EncodedLen(sha256.Size) {
			return fmt.Errorf("pinned fingerprint %q is not 64 hex characters", pin)
		}
		if _, err := hex.DecodeString(pin); err != nil {
			return fmt.Errorf("pinned fingerprint %q is not valid hex: %s", pin, err)
		}
	}
	return nil
}

// ACMENet makes HTTP GET/POST/HEAD requests to the ACME server with the
// configured trust settings applied.
type ACMENet struct {
	httpClient *http.Client
}

// New constructs an ACMENet from the given Config. If the config specifies
// a CA bundle it is loaded and used as the exclusive trust root set; pinned
// fingerprints are enforced on top of standard chain verification.
func New(conf Config) (*ACMENet, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}

	tlsConf := &tls.Config{}

	if !conf.VerifyCertificates {
		tlsConf.InsecureSkipVerify = true
	} else if conf.CABundlePath != "" {
		pemBundle, err := os.ReadFile(conf.CABundlePath)
		if err != nil {
			return nil, err
		}

		caBundle := x509.NewCertPool()
		if !caBundle.AppendCertsFromPEM(pemBundle) {
			return nil, fmt.Errorf("CA bundle %q contained no certificates", conf.CABundlePath)
		}
		tlsConf.RootCAs = caBundle

		if len(conf.PinnedSHA256) > 0 {
			tlsConf.VerifyPeerCertificate = pinVerifier(conf.PinnedSHA256)
		}
	}

	return &ACMENet{
		httpClient: &http.Client{
			Timeout: conf.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		},
	}, nil
}

// pinVerifier returns a VerifyPeerCertificate callback enforcing that at
// least one certificate presented by the server matches one of the allowed
// SHA-256 fingerprints. It runs after the standard chain verification against
// the root pool, so a matching pin can never rescue an otherwise invalid
// chain.
func pinVerifier(pins []string) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	allowed := make(map[string]struct{}, len(pins))
	for _, pin := range pins {
		allowed[strings.ToLower(pin)] = struct{}{}
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, rawCert := range rawCerts {
			digest := sha256.Sum256(rawCert)
			if _, ok := allowed[hex.EncodeToString(digest[:])]; ok {
				return nil
			}
		}
		return fmt.Errorf("no certificate in the presented chain matched a pinned fingerprint")
	}
}

// NetResponse bundles the HTTP response with its fully read body.
type NetResponse struct {
	Response *http.Response
	RespBody []byte
}

// Do sends the given request with the bootroot user agent applied and reads
// the full response body.
func (c *ACMENet) Do(req *http.Request) (*NetResponse, error) {
	ua := fmt.Sprintf("%s %s (%s; %s)",
		userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", locale)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &NetResponse{
		Response: resp,
		RespBody: respBody,
	}, nil
}

// HeadURL sends a HEAD request to the given URL.
func (c *ACMENet) HeadURL(url string) (*http.Response, error) {
	return c.httpClient.Head(url)
}

// PostURL POSTs the given body to the given URL with the ACME JOSE content
// type.
func (c *ACMENet) PostURL(url string, body []byte) (*NetResponse, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", acme.CONTENT_TYPE_JOSE)
	return c.Do(req)
}

// GetURL sends a GET request to the given URL.
func (c *ACMENet) GetURL(url string) (*NetResponse, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
