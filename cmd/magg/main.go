// Package main is the entry point for the magg CLI.
package main

import (
	"errors"
	"os"

	"github.com/maggmcp/magg/cmd/magg/app"
	"github.com/maggmcp/magg/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		if errors.Is(err, app.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
