package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	stdnet "net"

	"github.com/cpu/bootroot/acme/keys"
)

// CSR produces a DER encoded CertificateSigningRequest carrying every given
// name as a SAN: names that parse as IP addresses become IP SANs, the rest
// DNS SANs. The common name is the first of the names. A fresh certificate
// key is generated for the request and returned alongside it; the account
// key is never used for CSRs.
//
// See https://tools.ietf.org/html/rfc8555#section-11.1
func CSR(names []string) ([]byte, crypto.Signer, error) {
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("no names specified")
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: names[0],
		},
	}
	for _, name := range names {
		if ip := stdnet.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	certKey, err := keys.NewSigner()
	if err != nil {
		return nil, nil, err
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, certKey)
	if err != nil {
		return nil, nil, err
	}

	return csrBytes, certKey, nil
}
