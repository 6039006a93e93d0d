// Package cmd provides common command line tools for the bootroot binaries.
package cmd

import (
	"github.com/sirupsen/logrus"
)

// FailOnError logs the message and error and exits when err is not nil.
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}

	logrus.Fatalf("[!] %s - %s", msg, err)
}
