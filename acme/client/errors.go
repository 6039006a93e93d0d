package client

import (
	"errors"
	"fmt"

	"github.com/cpu/bootroot/acme"
)

// Sentinel errors for failures that carry no additional context.
var (
	// ErrDirectoryUnavailable is returned when every directory fetch attempt
	// failed.
	ErrDirectoryUnavailable = errors.New("ACME directory unavailable")
	// ErrNonceMissing is returned when a nonce response lacked the
	// Replay-Nonce header.
	ErrNonceMissing = errors.New("response missing Replay-Nonce header")
	// ErrOrderStalled is returned when the order was still processing after
	// the configured number of polls.
	ErrOrderStalled = errors.New("order still processing after poll attempts exhausted")
	// ErrOrderInvalid is returned when an order reached the terminal invalid
	// state.
	ErrOrderInvalid = errors.New("order reached invalid state")
)

// InsecureURLError is returned when an outbound ACME URL uses a scheme other
// than HTTPS. No request is issued for such URLs.
type InsecureURLError struct {
	URL string
}

func (e *InsecureURLError) Error() string {
	return fmt.Sprintf("refusing to send ACME request over non-HTTPS URL: %s", e.URL)
}

// HTTPStatusError is returned when an ACME endpoint answered with a non-2xx
// status. The body is carried for logging only; retry decisions never depend
// on it.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s failed: %d - %s", e.Op, e.StatusCode, e.Body)
}

// ChallengeRejectedError is returned when an authorization reached the
// invalid state. The challenge-level problem document is lifted into the
// error when the server provided one.
type ChallengeRejectedError struct {
	Problem *acme.Problem
}

func (e *ChallengeRejectedError) Error() string {
	if e.Problem == nil {
		return "challenge failed: unknown error"
	}
	return fmt.Sprintf("challenge failed: %s", e.Problem)
}
