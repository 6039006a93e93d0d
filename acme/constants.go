// Package acme provides ACME protocol constants and resource types.
package acme

const (
	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-6.5.1
	REPLAY_NONCE_HEADER = "Replay-Nonce"
	// The content type ACME requires on every JWS POST. See
	// https://tools.ietf.org/html/rfc8555#section-6.2
	CONTENT_TYPE_JOSE = "application/jose+json"
	// The URL path prefix the ACME server fetches HTTP-01 challenge responses
	// from. See https://tools.ietf.org/html/rfc8555#section-8.3
	HTTP01_CHALLENGE_PATH = "/.well-known/acme-challenge/"
	// The HTTP-01 challenge type identifier.
	CHALLENGE_HTTP01 = "http-01"
)

// Order status values from RFC 8555 §7.1.6.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Additional authorization status values from RFC 8555 §7.1.6. Authorizations
// also use StatusPending, StatusValid and StatusInvalid.
const (
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)
