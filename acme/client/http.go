package client

import (
	"github.com/sirupsen/logrus"

	acmenet "github.com/cpu/bootroot/net"
)

// postJSON signs the given payload and POSTs it to the given URL. The URL is
// scheme-checked before any request is issued.
func (c *Client) postJSON(url string, payload []byte) (*acmenet.NetResponse, error) {
	checked, err := c.enforceHTTPS(url)
	if err != nil {
		return nil, err
	}

	body, err := c.sign(checked, payload)
	if err != nil {
		return nil, err
	}

	logrus.Debugf("POST %s body: %s", checked, body)
	return c.net.PostURL(checked, body)
}

// postAsGet fetches a resource with a signed empty-payload POST.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) postAsGet(url string) (*acmenet.NetResponse, error) {
	return c.postJSON(url, []byte{})
}

// success reports whether the response carries a 2xx status.
func success(resp *acmenet.NetResponse) bool {
	return resp.Response.StatusCode >= 200 && resp.Response.StatusCode < 300
}

// statusError converts a non-2xx response into an HTTPStatusError for the
// named operation.
func statusError(op string, resp *acmenet.NetResponse) *HTTPStatusError {
	return &HTTPStatusError{
		Op:         op,
		StatusCode: resp.Response.StatusCode,
		Body:       string(resp.RespBody),
	}
}
