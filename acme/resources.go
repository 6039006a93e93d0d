package acme

import "fmt"

// The Identifier resource represents a subject identifier that can be
// included in a certificate.
//
// See:
// https://tools.ietf.org/html/rfc8555#section-7.4
//
// The Type is "dns" for fully qualified domain names and "ip" for IPv4/IPv6
// address literals.
type Identifier struct {
	// The Type of the Identifier value.
	Type string `json:"type"`
	// The Identifier value.
	Value string `json:"value"`
}

// The Order resource represents a collection of identifiers that an account
// wishes to create a Certificate for.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.3
//
// To understand the Status changes specified by ACME for the Order resource
// see https://tools.ietf.org/html/rfc8555#section-7.1.6
type Order struct {
	// The server-assigned URL identifying the Order, taken from the Location
	// header of the newOrder response. Not an RFC 8555 body field.
	URL string `json:"-"`
	// The Status of the Order.
	Status string `json:"status"`
	// The Identifiers the Order wishes to finalize a Certificate for once the
	// Order is ready.
	Identifiers []Identifier `json:"identifiers,omitempty"`
	// A list of URLs for Authorization resources the server specifies for the
	// Order Identifiers.
	Authorizations []string `json:"authorizations"`
	// A URL used to Finalize the Order with a CSR once the Order has a status
	// of "ready".
	Finalize string `json:"finalize"`
	// A URL used to fetch the Certificate issued by the server for the Order
	// after being Finalized. Present and not-empty when the Order has a status
	// of "valid".
	Certificate string `json:"certificate,omitempty"`
}

// String returns the Order's URL.
func (o Order) String() string {
	return o.URL
}

// The ACME Authorization resource represents an Account's authorization to
// issue for a specified identifier, based on interactions with associated
// Challenges.
//
// For information about the Authorization resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.4
type Authorization struct {
	// The status of this authorization. Possible values are: "pending",
	// "valid", "invalid", "deactivated", "expired", and "revoked".
	Status string `json:"status"`
	// The identifier that the account holding this Authorization is authorized
	// to represent.
	Identifier Identifier `json:"identifier"`
	// For pending authorizations, the challenges that the client can fulfill
	// in order to prove possession of the identifier.
	Challenges []Challenge `json:"challenges"`
	// A string representing a RFC 3339 date at which time the Authorization is
	// considered expired by the server.
	Expires string `json:"expires,omitempty"`
	// True for authorizations created from a DNS identifier with a wildcard
	// prefix.
	Wildcard bool `json:"wildcard,omitempty"`
}

// HTTP01Challenge returns the authorization's http-01 challenge and a true
// bool if one is present.
func (a Authorization) HTTP01Challenge() (Challenge, bool) {
	for _, chall := range a.Challenges {
		if chall.Type == CHALLENGE_HTTP01 {
			return chall, true
		}
	}
	return Challenge{}, false
}

// The ACME Challenge resource represents an action that the client must take
// to authorize a given account for a specific identifier.
//
// For information about the Challenge resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.5
type Challenge struct {
	// The Type of the challenge ("http-01", "dns-01", "tls-alpn-01").
	Type string `json:"type"`
	// The URL of the challenge, provided by the server in the associated
	// Authorization.
	URL string `json:"url"`
	// The Token used for constructing the challenge response.
	Token string `json:"token"`
	// The Status of the challenge.
	Status string `json:"status"`
	// The Error associated with an invalid challenge.
	Error *Problem `json:"error,omitempty"`
}

// String returns the URL of the Challenge.
func (c Challenge) String() string {
	return c.URL
}

// Problem is a RFC 7807 problem document from the server.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}

// String renders the problem in "type: detail" form for log output.
func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}
