// The bootroot-responder command serves RFC 8555 HTTP-01 challenge responses
// on the public listener and accepts signed token registrations on the admin
// listener.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	bootrootcmd "github.com/cpu/bootroot/cmd"
	"github.com/cpu/bootroot/responder"
)

const (
	CONFIG_DEFAULT = "responder.yaml"
)

func main() {
	configPath := flag.String("config", CONFIG_DEFAULT,
		"Path to responder configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	settings, err := responder.LoadSettings(*configPath)
	bootrootcmd.FailOnError(err, "Unable to load responder configuration")

	server := responder.NewServer(settings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for range hup {
			newSettings, err := responder.LoadSettings(*configPath)
			if err != nil {
				logrus.Errorf("Reload failed: %s", err)
				continue
			}
			server.Reload(newSettings)
			logrus.Info("Reloaded responder configuration")
		}
	}()

	bootrootcmd.FailOnError(server.Run(ctx), "Responder exited")
	logrus.Info("Shutdown complete")
}
