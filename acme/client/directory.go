package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Directory is the immutable set of endpoint URLs fetched from the ACME
// server's directory resource.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

// Directory returns the ACME server's directory, fetching and caching it on
// first use. Fetch failures are retried with exponential backoff starting at
// the configured base delay and capped at the configured max delay, up to
// the configured number of attempts. After the final failure
// ErrDirectoryUnavailable is returned.
func (c *Client) Directory() (*Directory, error) {
	if c.directory != nil {
		return c.directory, nil
	}
	if err := c.UpdateDirectory(); err != nil {
		return nil, err
	}
	return c.directory, nil
}

// UpdateDirectory fetches the directory resource and replaces the client's
// cached copy.
func (c *Client) UpdateDirectory() error {
	directoryURL, err := c.enforceHTTPS(c.cfg.DirectoryURL)
	if err != nil {
		return err
	}

	logrus.Infof("Fetching ACME directory from %s", directoryURL)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.DirectoryFetchBaseDelay
	policy.MaxInterval = c.cfg.DirectoryFetchMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	fetch := func() error {
		attempt++
		return c.fetchDirectory(directoryURL)
	}
	notify := func(err error, delay time.Duration) {
		logrus.Warnf("ACME directory fetch failed (attempt %d/%d), retrying in %s: %s",
			attempt, c.cfg.DirectoryFetchAttempts, delay, err)
	}

	err = backoff.RetryNotify(fetch,
		backoff.WithMaxRetries(policy, uint64(c.cfg.DirectoryFetchAttempts-1)),
		notify)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDirectoryUnavailable, err)
	}
	return nil
}

func (c *Client) fetchDirectory(directoryURL string) error {
	resp, err := c.net.GetURL(directoryURL)
	if err != nil {
		return err
	}
	if resp.Response.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned HTTP status %d", resp.Response.StatusCode)
	}

	var directory Directory
	if err := json.Unmarshal(resp.RespBody, &directory); err != nil {
		return err
	}

	c.directory = &directory
	return nil
}
