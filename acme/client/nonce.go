package client

import (
	"fmt"
	"net/http"

	"github.com/cpu/bootroot/acme"
)

// Nonce satisfies the JWS NonceSource interface. It returns the cached nonce
// when one is held, consuming it, and otherwise fetches a fresh nonce from
// the ACME server's newNonce endpoint with a HEAD request.
//
// At most one unused nonce is held at any time. Replay-Nonce headers
// returned on non-nonce responses are not retained.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) Nonce() (string, error) {
	if c.nonce != "" {
		nonce := c.nonce
		c.nonce = ""
		return nonce, nil
	}

	directory, err := c.Directory()
	if err != nil {
		return "", err
	}

	nonceURL, err := c.enforceHTTPS(directory.NewNonce)
	if err != nil {
		return "", err
	}

	resp, err := c.net.HeadURL(nonceURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("newNonce returned HTTP status %d", resp.StatusCode)
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return "", ErrNonceMissing
	}
	return nonce, nil
}
