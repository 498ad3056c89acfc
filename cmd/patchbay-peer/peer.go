// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/signaling"
	"github.com/patchbay-dev/patchbay/transport"
)

type peerOptions struct {
	router        string
	id            string
	offer         string
	correlationID string
	subscriptions []string
	timeout       time.Duration

	logger    *slog.Logger
	newEngine signaling.EngineFactory
	input     io.Reader
	output    io.Writer
}

// runPeer runs a signaling manager over client until ctx is done or
// the offered session ends.
func runPeer(ctx context.Context, client *transport.Client, options peerOptions) error {
	manager, err := signaling.NewManager(signaling.Config{
		PeerID:         options.id,
		Signaler:       client,
		NewEngine:      options.newEngine,
		ConnectTimeout: options.timeout,
		Logger:         options.logger,
	})
	if err != nil {
		return err
	}
	client.OnSignal(manager.DeliverSignal)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(closeCtx)
	}()

	if options.offer != "" {
		return offer(ctx, manager, options)
	}
	return answer(ctx, client, manager, options.logger)
}

// offer opens a session and speaks the client protocol over it.
func offer(ctx context.Context, manager *signaling.Manager, options peerOptions) error {
	session, err := manager.StartSession(ctx, options.offer, options.correlationID)
	if err != nil {
		return err
	}
	options.logger.Info("offered session", "session", session.ID(), "peer", options.offer)

	select {
	case <-session.Established():
	case <-session.Done():
		return fmt.Errorf("session %s ended before connecting: %w", session.ID(), session.Err())
	case <-ctx.Done():
		return nil
	}
	options.logger.Info("session connected", "session", session.ID())

	client := transport.NewClient(transport.NewSessionConn(manager, session), options.id, transport.ClientOptions{Logger: options.logger})
	defer client.Close()
	for _, pattern := range options.subscriptions {
		if err := client.Subscribe(ctx, pattern); err != nil {
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
	}

	go publishLines(ctx, client, options.input, options.logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			if err := client.Err(); err != nil && !errors.Is(err, transport.ErrClientClosed) {
				return err
			}
			return nil
		case received, ok := <-client.Messages():
			if !ok {
				return nil
			}
			fmt.Fprintln(options.output, formatMessage(received))
		}
	}
}

func publishLines(ctx context.Context, client *transport.Client, input io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		outbound, err := parseLine(line)
		if err != nil {
			logger.Warn("skipping input line", "line", line, "error", err)
			continue
		}
		if err := client.Publish(ctx, outbound); err != nil {
			logger.Warn("publishing", "address", outbound.Address(), "error", err)
			return
		}
	}
}

// answer echoes every session offered to this peer until ctx is done
// or the router link drops.
func answer(ctx context.Context, client *transport.Client, manager *signaling.Manager, logger *slog.Logger) error {
	var sessions sync.WaitGroup
	defer sessions.Wait()
	logger.Info("waiting for sessions")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return client.Err()
		case session, ok := <-manager.Incoming():
			if !ok {
				return nil
			}
			logger.Info("answering session", "session", session.ID(), "peer", session.Peer())
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				echo(ctx, session, logger)
			}()
		}
	}
}

func echo(ctx context.Context, session *signaling.Session, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			logger.Info("session ended", "session", session.ID(), "error", session.Err())
			return
		case data, ok := <-session.Data():
			if !ok {
				return
			}
			if err := session.SendData(data); err != nil {
				logger.Warn("echo failed", "session", session.ID(), "error", err)
				return
			}
		}
	}
}

// parseLine reads "ADDRESS VALUE". VALUE is JSON when it parses as
// JSON, otherwise a string; a missing value is null.
func parseLine(line string) (message.Message, error) {
	address, raw, _ := strings.Cut(line, " ")
	if !strings.HasPrefix(address, "/") {
		return message.Message{}, fmt.Errorf("address %q must start with /", address)
	}
	raw = strings.TrimSpace(raw)
	value := message.Null()
	if raw != "" {
		parsed, err := message.ParseJSON([]byte(raw))
		if err != nil {
			parsed = message.String(raw)
		}
		value = parsed
	}
	return message.New(message.Link, address, value), nil
}

func formatMessage(m message.Message) string {
	encoded, err := m.Value().MarshalJSON()
	if err != nil {
		return m.Address() + " " + m.Value().String()
	}
	return m.Address() + " " + string(encoded)
}
