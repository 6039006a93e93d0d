// The bootroot-agent command runs the certificate renewal daemon for every
// configured profile, or performs a single issuance pass with -oneshot.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	bootrootcmd "github.com/cpu/bootroot/cmd"
	"github.com/cpu/bootroot/config"
	"github.com/cpu/bootroot/daemon"
	"github.com/cpu/bootroot/issue"
)

const (
	CONFIG_DEFAULT = "agent.yaml"
)

type cliArgs struct {
	configPath    string
	email         string
	caURL         string
	responderURL  string
	responderHMAC string
	eabKID        string
	eabHMAC       string
	eabFile       string
	oneshot       bool
}

func main() {
	var args cliArgs
	flag.StringVar(&args.configPath, "config", CONFIG_DEFAULT,
		"Path to agent configuration file")
	flag.StringVar(&args.email, "email", "",
		"Contact email for ACME account registration (overrides config)")
	flag.StringVar(&args.caURL, "ca-url", "",
		"ACME directory URL (overrides config)")
	flag.StringVar(&args.responderURL, "http-responder-url", "",
		"HTTP-01 responder base URL (overrides config)")
	flag.StringVar(&args.responderHMAC, "http-responder-hmac", "",
		"HTTP-01 responder admin HMAC secret (overrides config)")
	flag.StringVar(&args.eabKID, "eab-kid", "",
		"External account binding key identifier")
	flag.StringVar(&args.eabHMAC, "eab-hmac", "",
		"External account binding HMAC key (base64)")
	flag.StringVar(&args.eabFile, "eab-file", "",
		"Path to a JSON file holding EAB credentials")
	flag.BoolVar(&args.oneshot, "oneshot", false,
		"Issue certificates once for every profile and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.Info("Starting bootroot agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args.oneshot {
		settings, eab, err := loadSettings(&args)
		bootrootcmd.FailOnError(err, "Unable to load configuration")
		if err := daemon.RunOneshot(ctx, settings, eab, issue.Certificate); err != nil {
			logrus.Errorf("Failed to issue certificate: %s", err)
			os.Exit(1)
		}
		logrus.Info("Successfully issued certificates!")
		return
	}

	runSupervised(ctx, &args)
}

// runSupervised runs daemon cohorts until shutdown. On SIGHUP the
// configuration is reloaded and a new cohort replaces the old one; a failed
// reload keeps the current cohort running.
func runSupervised(ctx context.Context, args *cliArgs) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	settings, eab, err := loadSettings(args)
	bootrootcmd.FailOnError(err, "Unable to load configuration")

	for {
		logSettings(settings, eab)

		cohortCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- daemon.Run(cohortCtx, settings, eab, issue.Certificate)
		}()

	cohort:
		for {
			select {
			case err := <-done:
				cancel()
				bootrootcmd.FailOnError(err, "Daemon exited")
				return
			case <-ctx.Done():
				cancel()
				<-done
				return
			case <-hup:
				newSettings, newEAB, err := loadSettings(args)
				if err != nil {
					logrus.Errorf("Reload failed: %s", err)
					continue
				}
				logrus.Info("Reload signal received. Restarting daemon with new config.")
				cancel()
				<-done
				settings, eab = newSettings, newEAB
				break cohort
			}
		}
	}
}

// loadSettings loads and validates configuration, applies command line
// overrides and resolves the default EAB credentials (command line wins over
// the config file).
func loadSettings(args *cliArgs) (*config.Settings, *config.EABCredentials, error) {
	settings, err := config.Load(args.configPath)
	if err != nil {
		return nil, nil, err
	}

	if args.email != "" {
		settings.Email = args.email
	}
	if args.caURL != "" {
		settings.Server = args.caURL
	}
	if args.responderURL != "" {
		settings.ACME.HTTPResponderURL = args.responderURL
	}
	if args.responderHMAC != "" {
		settings.ACME.HTTPResponderHMAC = args.responderHMAC
	}

	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}

	cliEAB, err := config.LoadEABCredentials(args.eabKID, args.eabHMAC, args.eabFile)
	if err != nil {
		return nil, nil, err
	}
	eab := cliEAB
	if eab == nil {
		eab = config.SettingsEAB(settings.EAB)
	}
	return &settings, eab, nil
}

func logSettings(settings *config.Settings, eab *config.EABCredentials) {
	logrus.Infof("Loaded %d profile(s).", len(settings.Profiles))
	logrus.Infof("CA URL: %s", settings.Server)

	if eab != nil {
		logrus.Infof("Using EAB credentials for key ID: %s", eab.KID)
	} else {
		logrus.Info("No EAB credentials provided. Attempting open enrollment.")
	}
}
