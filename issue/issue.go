// Package issue drives one ACME order from directory fetch to certificate
// and key on disk for a single profile.
package issue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cpu/bootroot/acme"
	acmeclient "github.com/cpu/bootroot/acme/client"
	"github.com/cpu/bootroot/acme/keys"
	"github.com/cpu/bootroot/config"
	acmenet "github.com/cpu/bootroot/net"
	"github.com/cpu/bootroot/responder"
)

// authzPollInterval is the fixed delay between authorization polls while a
// challenge is being validated.
const authzPollInterval = time.Second

// Certificate performs one full issuance for the profile: registers an
// account, creates an order, satisfies each authorization's HTTP-01
// challenge through the responder, finalizes with a fresh certificate key,
// and writes the resulting chain and key to the profile's paths.
func Certificate(ctx context.Context, settings *config.Settings, profile *config.Profile, eab *config.EABCredentials) error {
	return issueCertificate(ctx, settings, profile, eab, false)
}

func issueCertificate(ctx context.Context, settings *config.Settings, profile *config.Profile, eab *config.EABCredentials, allowHTTP bool) error {
	transport, err := acmenet.New(acmenet.Config{
		CABundlePath:       settings.Trust.CABundlePath,
		PinnedSHA256:       settings.Trust.TrustedCASHA256,
		VerifyCertificates: settings.Trust.VerifyCertificates,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create ACME transport")
	}

	clientConfig := acmeclient.Config{
		DirectoryURL:            settings.Server,
		ContactEmail:            settings.Email,
		DirectoryFetchAttempts:  settings.ACME.DirectoryFetchAttempts,
		DirectoryFetchBaseDelay: time.Duration(settings.ACME.DirectoryFetchBaseDelaySecs) * time.Second,
		DirectoryFetchMaxDelay:  time.Duration(settings.ACME.DirectoryFetchMaxDelaySecs) * time.Second,
		PollAttempts:            settings.ACME.PollAttempts,
		PollInterval:            time.Duration(settings.ACME.PollIntervalSecs) * time.Second,
		AllowHTTP:               allowHTTP,
	}
	if eab != nil {
		clientConfig.EAB = &acmeclient.EABCredentials{KID: eab.KID, HMAC: eab.HMAC}
	}

	client, err := acmeclient.NewClient(clientConfig, transport)
	if err != nil {
		return err
	}

	if _, err := client.Directory(); err != nil {
		return err
	}
	logrus.Info("Directory loaded.")

	nonce, err := client.Nonce()
	if err != nil {
		return err
	}
	logrus.Debugf("Got initial nonce: %s", nonce)

	if err := client.RegisterAccount(); err != nil {
		return err
	}

	order, err := client.CreateOrder(profile.Domains)
	if err != nil {
		return err
	}
	logrus.Infof("Order created: %s", order.URL)

	admin := responder.NewClient(
		settings.ACME.HTTPResponderURL,
		settings.ACME.HTTPResponderHMAC,
		time.Duration(settings.ACME.HTTPResponderTimeoutSecs)*time.Second,
		settings.ACME.HTTPResponderTokenTTLSecs,
	)

	for _, authzURL := range order.Authorizations {
		if err := solveAuthorization(ctx, client, admin, authzURL); err != nil {
			return err
		}
	}

	csrDER, certKey, err := acmeclient.CSR(profile.Domains)
	if err != nil {
		return err
	}

	logrus.Infof("Finalizing order at: %s", order.Finalize)
	finalized, err := client.FinalizeOrder(order.Finalize, csrDER)
	if err != nil {
		return err
	}
	logrus.Infof("Order status after finalize: %s", finalized.Status)

	if finalized.Status == acme.StatusProcessing {
		finalized, err = pollUntilSettled(ctx, client, order.URL, finalized)
		if err != nil {
			return err
		}
	}

	switch finalized.Status {
	case acme.StatusInvalid:
		return acmeclient.ErrOrderInvalid
	case acme.StatusProcessing:
		return acmeclient.ErrOrderStalled
	}

	if finalized.Certificate == "" {
		return errors.Errorf("order is %s but has no certificate URL", finalized.Status)
	}

	logrus.Infof("Downloading certificate from: %s", finalized.Certificate)
	certPEM, err := client.DownloadCertificate(finalized.Certificate)
	if err != nil {
		return err
	}

	keyPEM, err := keys.SignerToPEM(certKey)
	if err != nil {
		return err
	}

	if err := writeCertAndKey(profile.Paths.Cert, profile.Paths.Key, certPEM, keyPEM); err != nil {
		return err
	}
	logrus.Infof("Certificate saved to: %s", profile.Paths.Cert)
	logrus.Infof("Private key saved to: %s", profile.Paths.Key)
	return nil
}

// solveAuthorization publishes the key authorization for the authorization's
// HTTP-01 challenge, triggers validation, and polls until the authorization
// settles.
func solveAuthorization(ctx context.Context, client *acmeclient.Client, admin *responder.Client, authzURL string) error {
	logrus.Infof("Fetching authorization: %s", authzURL)
	authz, err := client.FetchAuthorization(authzURL)
	if err != nil {
		return err
	}

	if authz.Status == acme.StatusValid {
		logrus.Info("Authorization already valid.")
		return nil
	}

	challenge, ok := authz.HTTP01Challenge()
	if !ok {
		return errors.New("no HTTP-01 challenge found in authorization")
	}
	logrus.Infof("Found HTTP-01 challenge: token=%s", challenge.Token)

	keyAuth, err := client.KeyAuthorization(challenge.Token)
	if err != nil {
		return err
	}

	if err := admin.RegisterToken(challenge.Token, keyAuth); err != nil {
		return err
	}

	logrus.Info("Triggering challenge validation...")
	if err := client.TriggerChallenge(challenge.URL); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(authzPollInterval):
		}

		authz, err = client.FetchAuthorization(authzURL)
		if err != nil {
			return err
		}
		logrus.Infof("Authz status: %s", authz.Status)

		if authz.Status == acme.StatusValid {
			logrus.Info("Authorization validated!")
			return nil
		}
		if authz.Status == acme.StatusInvalid {
			return &acmeclient.ChallengeRejectedError{Problem: challengeProblem(authz, challenge.Token)}
		}
		if chall, ok := authz.HTTP01Challenge(); ok && chall.Token == challenge.Token && chall.Status == acme.StatusInvalid {
			return &acmeclient.ChallengeRejectedError{Problem: chall.Error}
		}
	}
}

func challengeProblem(authz *acme.Authorization, token string) *acme.Problem {
	for _, chall := range authz.Challenges {
		if chall.Type == acme.CHALLENGE_HTTP01 && chall.Token == token {
			return chall.Error
		}
	}
	return nil
}

// pollUntilSettled polls the order until it leaves the processing state or
// the configured attempts run out.
func pollUntilSettled(ctx context.Context, client *acmeclient.Client, orderURL string, order *acme.Order) (*acme.Order, error) {
	if orderURL == "" {
		return order, errors.New("order is processing but its URL is unknown")
	}
	for i := 0; i < client.PollAttempts(); i++ {
		logrus.Infof("Order processing (attempt %d)...", i+1)
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(client.PollInterval()):
		}

		polled, err := client.PollOrder(orderURL)
		if err != nil {
			return order, err
		}
		order = polled
		if order.Status != acme.StatusProcessing {
			break
		}
	}
	return order, nil
}
