// Package keys offers utility functions for working with crypto.Signers,
// JWKs, RFC 7638 thumbprints and PEM serialization.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// NewSigner generates a fresh ECDSA P-256 private key. It is used both for
// per-client account keys and for per-issuance certificate keys.
func NewSigner() (crypto.Signer, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// JWKForSigner returns the public JWK for the given signer.
func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: "ECDSA",
	}
}

// SigningKeyForSigner returns a jose.SigningKey for ES256 signing operations
// with the given signer. If keyID is not empty the produced JWS will carry it
// in the protected "kid" header, otherwise callers are expected to embed the
// JWK.
func SigningKeyForSigner(signer crypto.Signer, keyID string) jose.SigningKey {
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(jose.ES256),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: jose.ES256,
	}
}

// JWKThumbprintBytes returns the RFC 7638 SHA-256 thumbprint of the signer's
// public key. The thumbprint is computed over the canonical JWK JSON form
// {"crv":…,"kty":…,"x":…,"y":…} with keys in lexicographic order and no
// whitespace.
func JWKThumbprintBytes(signer crypto.Signer) ([]byte, error) {
	jwk := JWKForSigner(signer)
	return jwk.Thumbprint(crypto.SHA256)
}

// JWKThumbprint returns the base64url (unpadded) encoding of the signer's RFC
// 7638 SHA-256 thumbprint.
func JWKThumbprint(signer crypto.Signer) (string, error) {
	thumbBytes, err := JWKThumbprintBytes(signer)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumbBytes), nil
}

// KeyAuth constructs the key authorization for the given challenge token and
// account key: token + "." + base64url(SHA-256(canonical JWK JSON)).
//
// See https://tools.ietf.org/html/rfc8555#section-8.1
func KeyAuth(signer crypto.Signer, token string) (string, error) {
	thumbprint, err := JWKThumbprint(signer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", token, thumbprint), nil
}

// SignerToPEM serializes an ECDSA private key to PEM.
func SignerToPEM(signer crypto.Signer) (string, error) {
	key, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return "", fmt.Errorf("unknown key type: %T", signer)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyBytes,
	})
	return string(pemBytes), nil
}
