package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/bootroot/acme/keys"
)

// sign produces the JWS for a POST to the given url with the given payload.
// Pre-registration requests embed the account's public JWK in the protected
// header; once the client holds a key ID the account URL is used as the
// "kid" instead. The protected header always contains exactly one of the
// two.
//
// An empty payload (POST-as-GET) serializes with a literal empty payload
// field.
func (c *Client) sign(url string, payload []byte) ([]byte, error) {
	embedJWK := c.keyID == ""

	var signingKey jose.SigningKey
	if embedJWK {
		signingKey = keys.SigningKeyForSigner(c.signer, "")
	} else {
		signingKey = keys.SigningKeyForSigner(c.signer, c.keyID)
	}

	opts := &jose.SignerOptions{
		NonceSource: c,
		EmbedJWK:    embedJWK,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, err
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return []byte(signed.FullSerialize()), nil
}

// externalAccountBinding builds the inner JWS binding the new account to a
// CA-side identity: HS256 over the account's public JWK, with the EAB key ID
// and the newAccount URL in the protected header.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.4
func (c *Client) externalAccountBinding(url string, creds *EABCredentials) (json.RawMessage, error) {
	keyBytes, err := decodeEABKey(creds.HMAC)
	if err != nil {
		return nil, err
	}

	accountJWK := jose.JSONWebKey{Key: c.signer.Public()}
	payload, err := json.Marshal(&accountJWK)
	if err != nil {
		return nil, err
	}

	signingKey := jose.SigningKey{
		Algorithm: jose.HS256,
		Key: jose.JSONWebKey{
			Key:       keyBytes,
			KeyID:     creds.KID,
			Algorithm: string(jose.HS256),
		},
	}
	opts := &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, err
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(signed.FullSerialize()), nil
}

// decodeEABKey decodes an EAB HMAC key provided as base64url without
// padding, falling back to standard base64.
func decodeEABKey(encoded string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return decoded, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EAB key: %s", err)
	}
	return decoded, nil
}
