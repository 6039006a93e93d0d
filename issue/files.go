package issue

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	keyFileMode    = os.FileMode(0o600)
	certFileMode   = os.FileMode(0o644)
	secretsDirMode = os.FileMode(0o700)
)

// ensureSecretsDir creates the directory holding private material and
// applies its restrictive mode. The mode is reapplied even when the
// directory already exists to defend against umask regressions.
func ensureSecretsDir(path string) error {
	if err := os.MkdirAll(path, secretsDirMode); err != nil {
		return errors.Wrapf(err, "failed to create secrets dir %s", path)
	}
	if err := os.Chmod(path, secretsDirMode); err != nil {
		return errors.Wrap(err, "failed to set secrets dir permissions")
	}
	return nil
}

// writeCertAndKey writes the certificate chain and private key to disk. The
// key's parent directory is created with mode 0700, the key file with mode
// 0600 and the certificate with mode 0644; modes are reapplied on every
// write.
func writeCertAndKey(certPath, keyPath, certPEM, keyPEM string) error {
	certDir := filepath.Dir(certPath)
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create cert dir %s", certDir)
	}

	if err := ensureSecretsDir(filepath.Dir(keyPath)); err != nil {
		return err
	}

	if err := os.WriteFile(certPath, []byte(certPEM), certFileMode); err != nil {
		return errors.Wrap(err, "failed to write cert file")
	}
	if err := os.Chmod(certPath, certFileMode); err != nil {
		return errors.Wrap(err, "failed to set cert file permissions")
	}

	if err := os.WriteFile(keyPath, []byte(keyPEM), keyFileMode); err != nil {
		return errors.Wrap(err, "failed to write key file")
	}
	if err := os.Chmod(keyPath, keyFileMode); err != nil {
		return errors.Wrap(err, "failed to set key file permissions")
	}
	return nil
}
