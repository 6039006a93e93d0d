package client

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

type newAccountRequest struct {
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed"`
	Contact                []string        `json:"contact,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

// RegisterAccount creates a new account with the ACME server, agreeing to
// the terms of service unconditionally. When the client was configured with
// EAB credentials they are attached as an inner JWS. On success the account
// URL from the response Location header becomes the client's key ID and all
// subsequent requests are signed with "kid" instead of an embedded JWK.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) RegisterAccount() error {
	directory, err := c.Directory()
	if err != nil {
		return err
	}

	req := newAccountRequest{
		TermsOfServiceAgreed: true,
	}
	if c.cfg.ContactEmail != "" {
		req.Contact = []string{"mailto:" + c.cfg.ContactEmail}
	}

	if c.cfg.EAB != nil {
		logrus.Infof("Using EAB credentials for key ID %q", c.cfg.EAB.KID)
		newAccountURL, err := c.enforceHTTPS(directory.NewAccount)
		if err != nil {
			return err
		}
		binding, err := c.externalAccountBinding(newAccountURL, c.cfg.EAB)
		if err != nil {
			return err
		}
		req.ExternalAccountBinding = binding
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	logrus.Info("Registering account...")
	resp, err := c.postJSON(directory.NewAccount, payload)
	if err != nil {
		return err
	}
	if !success(resp) {
		return statusError("account registration", resp)
	}

	kid := resp.Response.Header.Get("Location")
	if kid == "" {
		return fmt.Errorf("newAccount response missing Location header")
	}

	logrus.Infof("Account registered: %s", kid)
	c.keyID = kid
	return nil
}
