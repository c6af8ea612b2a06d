/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges in-process engine events onto NATS so external
// consumers can follow queue and playback activity without polling the API.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/events"
)

// bridgedEvents is every engine event republished to NATS.
var bridgedEvents = []events.EventType{
	events.EventQueueUpdated,
	events.EventPlaybackStarted,
	events.EventPlaybackStopped,
	events.EventTrackDeleted,
	events.EventTrackReserved,
	events.EventReconcileCompleted,
}

// Config controls the NATS bridge.
type Config struct {
	URL           string
	SubjectPrefix string
	Instance      string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Bridge republishes engine events to NATS subjects named
// <prefix>.<event type>. Publishing is best effort: the in-process bus
// already delivered the event to local consumers, so a NATS outage costs
// external visibility, never correctness.
type Bridge struct {
	cfg    Config
	bus    *events.Bus
	conn   *nats.Conn
	logger zerolog.Logger
}

// envelope is the wire format external consumers receive.
type envelope struct {
	Type      events.EventType `json:"type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	Instance  string           `json:"instance,omitempty"`
}

// NewBridge connects to NATS and prepares the republisher. The connection
// reconnects indefinitely by default; events raised while disconnected are
// dropped, not buffered.
func NewBridge(cfg Config, bus *events.Bus, logger zerolog.Logger) (*Bridge, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "bragi.events"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	log := logger.With().Str("component", "eventbus").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("bragi-engine"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		conn:   conn,
		logger: log,
	}, nil
}

// Run consumes bus events and republishes them until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) {
	subs := make(map[events.EventType]events.Subscriber, len(bridgedEvents))
	for _, eventType := range bridgedEvents {
		subs[eventType] = b.bus.Subscribe(eventType)
	}
	defer func() {
		for eventType, sub := range subs {
			b.bus.Unsubscribe(eventType, sub)
		}
	}()

	b.logger.Info().
		Str("url", b.cfg.URL).
		Str("subject_prefix", b.cfg.SubjectPrefix).
		Msg("nats event bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("nats event bridge stopping")
			return
		case payload := <-subs[events.EventQueueUpdated]:
			b.publish(events.EventQueueUpdated, payload)
		case payload := <-subs[events.EventPlaybackStarted]:
			b.publish(events.EventPlaybackStarted, payload)
		case payload := <-subs[events.EventPlaybackStopped]:
			b.publish(events.EventPlaybackStopped, payload)
		case payload := <-subs[events.EventTrackDeleted]:
			b.publish(events.EventTrackDeleted, payload)
		case payload := <-subs[events.EventTrackReserved]:
			b.publish(events.EventTrackReserved, payload)
		case payload := <-subs[events.EventReconcileCompleted]:
			b.publish(events.EventReconcileCompleted, payload)
		}
	}
}

func (b *Bridge) publish(eventType events.EventType, payload events.Payload) {
	data, err := json.Marshal(envelope{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Instance:  b.cfg.Instance,
	})
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(eventType)).Msg("encode nats envelope failed")
		return
	}

	subject := b.cfg.SubjectPrefix + "." + string(eventType)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}

// Close drains the connection so queued publishes flush before shutdown.
func (b *Bridge) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
