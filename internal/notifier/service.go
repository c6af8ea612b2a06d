/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/telemetry"
)

// hostName identifies this service in the daemon envelope.
const hostName = "server"

// Message is the envelope the playback daemon accepts. Data carries the full
// playlist for "setlist" and an {"index_at": i} delta for "unqueue".
type Message struct {
	Host    string `json:"host"`
	Target  string `json:"target"`
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// Config contains notifier configuration.
type Config struct {
	DaemonURL    string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// Service delivers queue changes to the playback daemon. It consumes
// queue-change events from the bus, so mutators never wait on the daemon and
// never learn whether delivery worked. State is already persisted when a
// notification goes out; a lost one is repaired by the daemon's next
// callback, so failures are logged and swallowed.
type Service struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger
	client *http.Client
}

// NewService creates a daemon notifier.
func NewService(cfg Config, bus *events.Bus, logger zerolog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Service{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "notifier").Logger(),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Start consumes queue-change events until ctx is canceled. Without a daemon
// URL there is nothing to notify and the dispatcher stays idle.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.DaemonURL == "" {
		s.logger.Warn().Msg("no daemon url configured, queue notifications disabled")
		return
	}

	sub := s.bus.Subscribe(events.EventQueueUpdated)
	defer s.bus.Unsubscribe(events.EventQueueUpdated, sub)

	s.logger.Info().Str("daemon_url", s.cfg.DaemonURL).Msg("daemon notifier started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("daemon notifier stopping")
			return
		case payload := <-sub:
			s.handleQueueEvent(ctx, payload)
		}
	}
}

func (s *Service) handleQueueEvent(ctx context.Context, payload events.Payload) {
	channel, _ := payload["channel"].(string)
	command, _ := payload["command"].(string)
	if channel == "" || command == "" {
		s.logger.Error().Interface("payload", payload).Msg("queue event missing channel or command")
		return
	}
	s.Notify(ctx, channel, command, payload["data"])
}

// Notify posts one command to the daemon, retrying transient failures with a
// flat backoff. The error never reaches the caller; the mutation this
// notification describes is already persisted.
func (s *Service) Notify(ctx context.Context, channel, command string, data any) {
	body, err := json.Marshal(Message{
		Host:    hostName,
		Target:  channel,
		Command: command,
		Data:    data,
	})
	if err != nil {
		telemetry.NotifierDeliveriesTotal.WithLabelValues(command, "error").Inc()
		s.logger.Error().Err(err).Str("channel", channel).Str("command", command).Msg("encode daemon message failed")
		return
	}

	attempts := s.cfg.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.post(ctx, body)
		if err == nil {
			telemetry.NotifierDeliveriesTotal.WithLabelValues(command, "ok").Inc()
			s.logger.Debug().
				Str("channel", channel).
				Str("command", command).
				Int("attempt", attempt).
				Msg("daemon notified")
			return
		}
		if attempt == attempts {
			break
		}

		telemetry.NotifierRetriesTotal.Inc()
		s.logger.Warn().Err(err).
			Str("channel", channel).
			Str("command", command).
			Int("attempt", attempt).
			Msg("daemon notify failed, retrying")

		select {
		case <-ctx.Done():
			telemetry.NotifierDeliveriesTotal.WithLabelValues(command, "canceled").Inc()
			return
		case <-time.After(s.cfg.RetryBackoff):
		}
	}

	telemetry.NotifierDeliveriesTotal.WithLabelValues(command, "failed").Inc()
	s.logger.Error().Err(err).
		Str("channel", channel).
		Str("command", command).
		Int("attempts", attempts).
		Msg("daemon notify abandoned")
}

func (s *Service) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.DaemonURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bragi-Notifier/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return nil
}
