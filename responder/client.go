package responder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RejectedError is returned when the responder admin endpoint answered with
// a non-2xx status.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("responder returned %d: %s", e.StatusCode, e.Body)
}

// Client registers HTTP-01 token bindings with a responder's admin endpoint
// over HMAC-signed requests.
type Client struct {
	baseURL    string
	hmacSecret string
	ttlSecs    int
	httpClient *http.Client
}

// NewClient builds an admin client for the responder at baseURL. Every
// registration uses ttlSecs as the entry lifetime and the given timeout for
// the HTTP request.
func NewClient(baseURL, hmacSecret string, timeout time.Duration, ttlSecs int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		hmacSecret: hmacSecret,
		ttlSecs:    ttlSecs,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RegisterToken publishes a challenge-token to key-authorization binding.
// The request is signed over "{timestamp}.{token}.{key_authorization}.{ttl}"
// with the shared HMAC secret.
func (c *Client) RegisterToken(token, keyAuthorization string) error {
	endpoint := c.baseURL + AdminPath
	timestamp := time.Now().Unix()

	payload := SignaturePayload(timestamp, token, keyAuthorization, c.ttlSecs)
	signature := SignPayload(c.hmacSecret, payload)

	body, err := json.Marshal(&RegisterRequest{
		Token:            token,
		KeyAuthorization: keyAuthorization,
		TTLSecs:          &c.ttlSecs,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to register HTTP-01 token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &RejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
