// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/patchbay-dev/patchbay/lib/process"
	"github.com/patchbay-dev/patchbay/lib/version"
	"github.com/patchbay-dev/patchbay/signaling"
	"github.com/patchbay-dev/patchbay/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		options       peerOptions
		iceServers    []string
		iceUsername   string
		iceCredential string
		verbose       bool
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("patchbay-peer", pflag.ContinueOnError)
	flagSet.StringVarP(&options.router, "router", "r", "", "router address: host:port, tcp://host:port, or ws://host:port/link")
	flagSet.StringVar(&options.id, "id", "", "this peer's name on the router (default: hostname)")
	flagSet.StringVar(&options.offer, "offer", "", "offer a session to this peer instead of answering")
	flagSet.StringVar(&options.correlationID, "session", "", "correlation id for --offer (default: generated)")
	flagSet.StringSliceVarP(&options.subscriptions, "subscribe", "s", nil, "address pattern to subscribe to over the session (repeatable)")
	flagSet.DurationVar(&options.timeout, "timeout", 30*time.Second, "how long to wait for a session to connect")
	flagSet.StringSliceVar(&iceServers, "ice-server", nil, "STUN or TURN URL (repeatable)")
	flagSet.StringVar(&iceUsername, "ice-username", "", "TURN username")
	flagSet.StringVar(&iceCredential, "ice-credential", "", "TURN credential")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log signaling and session detail")
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
		version.Print("patchbay-peer")
		return nil
	}
	if options.router == "" {
		return errors.New("--router is required")
	}
	if options.id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("--id not set and hostname unavailable: %w", err)
		}
		options.id = hostname
	}

	logger := process.NewLogger(verbose)
	options.logger = logger
	options.newEngine = signaling.PionFactory(signaling.PionConfig{
		ICEServers: signaling.ICEServers(iceServers, iceUsername, iceCredential),
		Logger:     logger,
	})
	options.input = os.Stdin
	options.output = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, address, err := transport.DialerFor(options.router)
	if err != nil {
		return err
	}
	client, err := transport.Dial(ctx, dialer, address, options.id, transport.ClientOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("linking to %s: %w", options.router, err)
	}
	defer client.Close()
	logger.Info("linked to router", "router", options.router, "peer", options.id)

	return runPeer(ctx, client, options)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `patchbay-peer - open peer-to-peer sessions through a patchbay router

Usage:
  patchbay-peer --router ADDRESS [--id NAME] [--offer PEER] [flags]

Examples:
  # Answer sessions as "stage" and echo what arrives
  patchbay-peer --router ws://10.0.0.2:7001/link --id stage

  # Link straight into the router "main" and watch the faders
  patchbay-peer --router 10.0.0.2:7000 --id desk --offer main --subscribe '/fader/*'

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
