/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package rotation selects tracks for channel playback under the
// no-repeat policy: a track that aired within the repeat window is
// not eligible again, except when the channel catalog is too small to
// honor that, in which case availability wins and the window is waived.
package rotation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/clock"
	"github.com/friendsincode/bragi/internal/models"
	"github.com/friendsincode/bragi/internal/telemetry"
)

// Catalog is the track source the selector samples from.
type Catalog interface {
	QueryByChannelAndRecency(ctx context.Context, channel string, cutoff, recencyWindow time.Time, excludeIDs []string) ([]models.Track, error)
	QueryByChannel(ctx context.Context, channel string, excludeIDs []string) ([]models.Track, error)
}

// StateSource exposes the channel state the selector needs to build
// its exclusion set.
type StateSource interface {
	Get(ctx context.Context, channel string) (channelstate.ChannelState, error)
	PendingRemoval(ctx context.Context) ([]string, error)
}

// Config tunes the selection windows.
type Config struct {
	// NoRepeatWindow is how long a played track stays out of rotation.
	NoRepeatWindow time.Duration
	// RecencyWindow is how fresh a never-played upload must be to
	// surface immediately.
	RecencyWindow time.Duration
}

// Selector implements no-repeat-window random sampling for a channel.
type Selector struct {
	catalog Catalog
	state   StateSource
	cfg     Config
	logger  zerolog.Logger

	clock  clock.Clock
	seedFn func() int64
}

// NewSelector creates a rotation selector.
func NewSelector(catalog Catalog, state StateSource, cfg Config, logger zerolog.Logger) *Selector {
	if cfg.NoRepeatWindow <= 0 {
		cfg.NoRepeatWindow = 3 * time.Hour
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 10 * time.Minute
	}
	return &Selector{
		catalog: catalog,
		state:   state,
		cfg:     cfg,
		logger:  logger.With().Str("component", "rotation").Logger(),
		clock:   clock.System(),
		seedFn:  func() int64 { return time.Now().UnixNano() },
	}
}

// SelectRandomTracks draws up to sampleSize eligible tracks for the
// channel, uniformly without replacement, returned in draw order.
//
// The exclusion set is the channel's current now-playing track, the
// last playlist entry (the track that would otherwise repeat
// back-to-back), and every track reserved for removal.
func (s *Selector) SelectRandomTracks(ctx context.Context, channel string, sampleSize int) ([]models.Track, error) {
	if sampleSize <= 0 {
		return nil, nil
	}

	excludeIDs, err := s.exclusionSet(ctx, channel)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.NoRepeatWindow)
	recencyWindow := now.Add(-s.cfg.RecencyWindow)

	mode := "windowed"
	candidates, err := s.catalog.QueryByChannelAndRecency(ctx, channel, cutoff, recencyWindow, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("query rotation candidates: %w", err)
	}

	if len(candidates) == 0 {
		// The catalog cannot satisfy the no-repeat window. Waive it
		// rather than starve the channel.
		mode = "fallback"
		candidates, err = s.catalog.QueryByChannel(ctx, channel, excludeIDs)
		if err != nil {
			return nil, fmt.Errorf("query fallback candidates: %w", err)
		}
		s.logger.Debug().
			Str("channel", channel).
			Int("candidates", len(candidates)).
			Msg("no-repeat window waived, sampling full channel catalog")
	}

	if len(candidates) == 0 {
		telemetry.RotationSelectionsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}

	telemetry.RotationSelectionsTotal.WithLabelValues(mode).Inc()
	return sample(candidates, sampleSize, rand.New(rand.NewSource(s.seedFn()))), nil
}

// exclusionSet collects the track ids that must not be sampled:
// now-playing, the playlist tail, and reservations pending removal.
func (s *Selector) exclusionSet(ctx context.Context, channel string) ([]string, error) {
	state, err := s.state.Get(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("read channel state: %w", err)
	}

	var excludeIDs []string
	if state.NowPlaying != nil && state.NowPlaying.ID != "" {
		excludeIDs = append(excludeIDs, state.NowPlaying.ID)
	}
	if n := len(state.Playlist); n > 0 {
		last := state.Playlist[n-1].ID
		if last != "" && !containsID(excludeIDs, last) {
			excludeIDs = append(excludeIDs, last)
		}
	}

	pending, err := s.state.PendingRemoval(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending removals: %w", err)
	}
	for _, id := range pending {
		if id != "" && !containsID(excludeIDs, id) {
			excludeIDs = append(excludeIDs, id)
		}
	}

	return excludeIDs, nil
}

// sample draws min(n, len(candidates)) tracks uniformly without
// replacement, preserving draw order.
func sample(candidates []models.Track, n int, rng *rand.Rand) []models.Track {
	if n > len(candidates) {
		n = len(candidates)
	}

	picked := make([]models.Track, 0, n)
	for _, idx := range rng.Perm(len(candidates))[:n] {
		picked = append(picked, candidates[idx])
	}
	return picked
}

func containsID(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
