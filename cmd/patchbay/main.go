// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/patchbay-dev/patchbay/lib/config"
	"github.com/patchbay-dev/patchbay/lib/process"
	"github.com/patchbay-dev/patchbay/lib/version"
	"github.com/patchbay-dev/patchbay/node"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("patchbay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every routed message")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Printf("patchbay %s\n", version.Full())
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := process.NewLogger(verbose)
	n, err := node.New(node.Config{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}
	logger.Info("patchbay running",
		"version", version.Info(),
		"router", n.RouterID(),
		"listen", n.ListenAddresses(),
		"bridges", len(n.Bridges()),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.Close(shutdownCtx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `patchbay - real-time message router

Routes messages between OSC, MIDI, MQTT, WebSocket, Socket.IO, HTTP,
Art-Net, sACN, and DMX endpoints, and relays signaling so clients can
open peer-to-peer sessions.

Usage:
  patchbay [flags]

Examples:
  patchbay --config /etc/patchbay/patchbay.yaml
  PATCHBAY_CONFIG=./stage.jsonc patchbay --verbose

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
