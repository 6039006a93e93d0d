package daemon

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cpu/bootroot/config"
)

// ShouldRenew reports whether the profile's certificate must be reissued: it
// must when the cert file is absent, or when its notAfter falls within the
// renew-before window of now.
func ShouldRenew(profile *config.Profile, renewBefore time.Duration) (bool, error) {
	certBytes, err := os.ReadFile(profile.Paths.Cert)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Info("Certificate file not found. Issuing a new certificate.")
			return true, nil
		}
		return false, errors.Wrapf(err, "failed to read certificate file %s", profile.Paths.Cert)
	}

	notAfter, err := ParseCertNotAfter(certBytes)
	if err != nil {
		return false, err
	}

	renewAt := time.Now().Add(renewBefore)
	return !notAfter.After(renewAt), nil
}

// ParseCertNotAfter parses the first PEM block of certBytes as an X.509
// certificate and returns its notAfter timestamp.
func ParseCertNotAfter(certBytes []byte) (time.Time, error) {
	block, _ := pem.Decode(certBytes)
	if block == nil {
		return time.Time{}, errors.New("failed to parse PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse X509 certificate")
	}
	return cert.NotAfter, nil
}
