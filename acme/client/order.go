package client

import (
	"encoding/base64"
	"encoding/json"
	stdnet "net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cpu/bootroot/acme"
)

type newOrderRequest struct {
	Identifiers []acme.Identifier `json:"identifiers"`
}

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// IdentifiersForDomains types each configured name: values that parse as an
// IPv4 or IPv6 address become "ip" identifiers, everything else "dns".
func IdentifiersForDomains(domains []string) []acme.Identifier {
	identifiers := make([]acme.Identifier, 0, len(domains))
	for _, domain := range domains {
		idType := "dns"
		if stdnet.ParseIP(domain) != nil {
			idType = "ip"
		}
		identifiers = append(identifiers, acme.Identifier{Type: idType, Value: domain})
	}
	return identifiers
}

// CreateOrder creates a new order for the given domains. The order URL from
// the response Location header is recorded on the returned Order for later
// polling.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) CreateOrder(domains []string) (*acme.Order, error) {
	directory, err := c.Directory()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&newOrderRequest{
		Identifiers: IdentifiersForDomains(domains),
	})
	if err != nil {
		return nil, err
	}

	logrus.Infof("Creating new order for domains: %v", domains)
	resp, err := c.postJSON(directory.NewOrder, payload)
	if err != nil {
		return nil, err
	}
	if !success(resp) {
		return nil, statusError("order creation", resp)
	}

	var order acme.Order
	if err := json.Unmarshal(resp.RespBody, &order); err != nil {
		return nil, err
	}
	order.URL = resp.Response.Header.Get("Location")
	return &order, nil
}

// FetchAuthorization fetches the authorization resource at the given URL
// with a POST-as-GET request.
func (c *Client) FetchAuthorization(url string) (*acme.Authorization, error) {
	resp, err := c.postAsGet(url)
	if err != nil {
		return nil, err
	}
	if !success(resp) {
		return nil, statusError("fetch authorization", resp)
	}

	var authz acme.Authorization
	if err := json.Unmarshal(resp.RespBody, &authz); err != nil {
		return nil, err
	}
	return &authz, nil
}

// TriggerChallenge asks the server to validate the challenge at the given
// URL by POSTing the empty JSON object.
func (c *Client) TriggerChallenge(url string) error {
	logrus.Infof("Triggering challenge at %s", url)
	resp, err := c.postJSON(url, []byte("{}"))
	if err != nil {
		return err
	}
	if !success(resp) {
		return statusError("trigger challenge", resp)
	}
	return nil
}

// FinalizeOrder submits the DER encoded CSR to the order's finalize URL.
func (c *Client) FinalizeOrder(url string, csrDER []byte) (*acme.Order, error) {
	payload, err := json.Marshal(&finalizeRequest{
		CSR: base64.RawURLEncoding.EncodeToString(csrDER),
	})
	if err != nil {
		return nil, err
	}

	logrus.Info("Finalizing order...")
	resp, err := c.postJSON(url, payload)
	if err != nil {
		return nil, err
	}
	if !success(resp) {
		return nil, statusError("finalize", resp)
	}

	var order acme.Order
	if err := json.Unmarshal(resp.RespBody, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// PollOrder refreshes the order at the given URL with a POST-as-GET request.
func (c *Client) PollOrder(url string) (*acme.Order, error) {
	resp, err := c.postAsGet(url)
	if err != nil {
		return nil, err
	}
	if !success(resp) {
		return nil, statusError("poll order", resp)
	}

	var order acme.Order
	if err := json.Unmarshal(resp.RespBody, &order); err != nil {
		return nil, err
	}
	order.URL = url
	return &order, nil
}

// DownloadCertificate fetches the issued certificate chain. The body is the
// PEM chain exactly as the server returned it.
func (c *Client) DownloadCertificate(url string) (string, error) {
	resp, err := c.postAsGet(url)
	if err != nil {
		return "", err
	}
	if !success(resp) {
		return "", statusError("download certificate", resp)
	}
	return string(resp.RespBody), nil
}

// PollAttempts returns the configured number of order polls.
func (c *Client) PollAttempts() int {
	return c.cfg.PollAttempts
}

// PollInterval returns the configured delay between order polls.
func (c *Client) PollInterval() time.Duration {
	return c.cfg.PollInterval
}
