/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/models"
	"github.com/friendsincode/bragi/internal/queue"
	"github.com/friendsincode/bragi/internal/telemetry"
)

// Outcome describes what a delete request did.
type Outcome string

const (
	// OutcomeDeleted means the track was purged immediately.
	OutcomeDeleted Outcome = "deleted"
	// OutcomeReserved means the track is airing, so deletion was deferred to
	// the pending-removal list.
	OutcomeReserved Outcome = "reserved"
	// OutcomeAlreadyReserved means a prior delete request already reserved it.
	OutcomeAlreadyReserved Outcome = "already_reserved"
)

// Service arbitrates track deletion against live playback. A track that is
// some channel's now_playing is never hard-deleted on request; its id goes to
// the pending-removal list and a later ReconcilePending pass purges it once
// playback has moved on.
type Service struct {
	store   *channelstate.Store
	catalog *catalog.Gateway
	queue   *queue.Mutator
	bus     *events.Bus
	logger  zerolog.Logger
}

// NewService creates a deletion reconciler.
func NewService(store *channelstate.Store, gateway *catalog.Gateway, mutator *queue.Mutator, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: gateway,
		queue:   mutator,
		bus:     bus,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// RequestDelete deletes trackID now if it is not airing anywhere: the track
// is filtered out of every playlist of its channels and its blob and catalog
// rows are purged. If it IS airing, the id is reserved on the pending-removal
// list instead, and a repeat request reports the existing reservation.
func (s *Service) RequestDelete(ctx context.Context, trackID string) (Outcome, error) {
	track, err := s.catalog.GetByID(ctx, trackID)
	if err != nil {
		return "", err
	}

	airing := ""
	for _, channel := range track.ChannelNames() {
		state, err := s.store.Get(ctx, channel)
		if err != nil {
			return "", err
		}
		if state.NowPlaying != nil && state.NowPlaying.ID == track.ID {
			airing = channel
			break
		}
	}

	if airing != "" {
		return s.reserve(ctx, track, airing)
	}

	if err := s.purge(ctx, track); err != nil {
		return "", err
	}
	return OutcomeDeleted, nil
}

// IsPendingRemoval reports whether trackID holds a deletion reservation.
// Every other track operation consults this to reject edits of a track that
// is already on its way out.
func (s *Service) IsPendingRemoval(ctx context.Context, trackID string) (bool, error) {
	list, err := s.store.PendingRemoval(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range list {
		if id == trackID {
			return true, nil
		}
	}
	return false, nil
}

// ReconcilePending drains the pending-removal list newest-first, force
// purging each track that still exists and skipping ids whose tracks are
// already gone. The drained list is persisted; an empty list is a no-op.
// Runs on every stop callback, on the configured interval, and on demand
// from the CLI; trigger labels the run for metrics and the completion event.
func (s *Service) ReconcilePending(ctx context.Context, trigger string) (int, error) {
	if trigger == "" {
		trigger = "manual"
	}
	telemetry.ReconcileRunsTotal.WithLabelValues(trigger).Inc()

	processed := 0
	var purgeErr error

	// The whole drain runs under the pending-removal lock so a concurrent
	// delete request cannot reserve into a list we are about to overwrite.
	remaining, err := s.store.UpdatePendingRemoval(ctx, func(list []string) ([]string, error) {
		pending := append([]string(nil), list...)
		for len(pending) > 0 {
			id := pending[len(pending)-1]
			pending = pending[:len(pending)-1]

			track, err := s.catalog.GetByID(ctx, id)
			if errors.Is(err, catalog.ErrNotFound) {
				s.logger.Debug().Str("track_id", id).Msg("pending track already gone, dropping reservation")
				continue
			}
			if err != nil {
				purgeErr = err
				pending = append(pending, id)
				break
			}

			if err := s.purge(ctx, track); err != nil {
				purgeErr = err
				pending = append(pending, id)
				break
			}
			processed++
			telemetry.ReconcilePurgedTotal.Inc()
		}
		return pending, nil
	})
	if err != nil {
		return processed, err
	}

	telemetry.PendingRemovalDepth.Set(float64(len(remaining)))

	if purgeErr != nil {
		s.logger.Error().Err(purgeErr).
			Int("processed", processed).
			Int("remaining", len(remaining)).
			Str("trigger", trigger).
			Msg("reconcile pass aborted")
		return processed, purgeErr
	}

	if processed > 0 {
		s.logger.Info().
			Int("processed", processed).
			Str("trigger", trigger).
			Msg("pending removals reconciled")
		s.publish(events.EventReconcileCompleted, events.Payload{
			"processed": processed,
			"trigger":   trigger,
		})
	}
	return processed, nil
}

// RunInterval reconciles on a fixed cadence until ctx is canceled. The
// on-stop trigger keeps working regardless; this catches reservations on
// channels whose daemon never reports a stop.
func (s *Service) RunInterval(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.logger.Info().Dur("every", every).Msg("reconcile interval worker started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reconcile interval worker stopped")
			return
		case <-ticker.C:
			if _, err := s.ReconcilePending(ctx, "interval"); err != nil {
				s.logger.Error().Err(err).Msg("interval reconcile failed")
			}
		}
	}
}

// reserve adds the track to the pending-removal list, reporting an existing
// reservation distinctly. The check and append run under the list's lock.
func (s *Service) reserve(ctx context.Context, track models.Track, airing string) (Outcome, error) {
	already := false
	list, err := s.store.UpdatePendingRemoval(ctx, func(list []string) ([]string, error) {
		for _, id := range list {
			if id == track.ID {
				already = true
				return list, nil
			}
		}
		return append(list, track.ID), nil
	})
	if err != nil {
		return "", err
	}
	if already {
		return OutcomeAlreadyReserved, nil
	}

	telemetry.PendingRemovalDepth.Set(float64(len(list)))
	s.logger.Info().
		Str("track_id", track.ID).
		Str("artist", track.Artist).
		Str("title", track.Title).
		Str("channel", airing).
		Msg("delete deferred, track is airing")
	s.publish(events.EventTrackReserved, events.Payload{
		"track_id": track.ID,
		"artist":   track.Artist,
		"title":    track.Title,
		"channel":  airing,
	})
	return OutcomeReserved, nil
}

// purge filters the track from every playlist of its channels, then deletes
// the blob and catalog rows. Affected channels each get a setlist push via
// the queue mutator's event.
func (s *Service) purge(ctx context.Context, track models.Track) error {
	for _, channel := range track.ChannelNames() {
		if _, err := s.queue.RemoveTrack(ctx, channel, track.ID); err != nil {
			return err
		}
	}
	if err := s.catalog.DeleteByID(ctx, track.ID); err != nil {
		return err
	}

	s.publish(events.EventTrackDeleted, events.Payload{
		"track_id": track.ID,
		"artist":   track.Artist,
		"title":    track.Title,
	})
	return nil
}

func (s *Service) publish(eventType events.EventType, payload events.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventType, payload)
}
