/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package integrity cross-checks the places a track can live (catalog
// rows, media blobs, shared channel state) and reports drift between
// them.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/models"
	"github.com/friendsincode/bragi/internal/queue"
)

type FindingType string

const (
	FindingTrackBlobMissing       FindingType = "track_blob_missing"
	FindingTrackWithoutChannel    FindingType = "track_without_channel"
	FindingStalePendingRemoval    FindingType = "stale_pending_removal"
	FindingQueuedTrackMissing     FindingType = "queued_track_missing"
	FindingNowPlayingNotInCatalog FindingType = "now_playing_not_in_catalog"
)

type Finding struct {
	ID         string
	Type       FindingType
	Severity   string
	Summary    string
	Channel    *string
	ResourceID string
	Repairable bool
	Details    map[string]any
}

type Report struct {
	GeneratedAt time.Time
	Total       int
	ByType      map[FindingType]int
	Findings    []Finding
}

type RepairInput struct {
	Type       FindingType
	Channel    string
	ResourceID string
}

type RepairResult struct {
	Changed bool
	Message string
	Details map[string]any
}

// BlobChecker answers whether a stored media object exists.
type BlobChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

type Service struct {
	db       *gorm.DB
	store    *channelstate.Store
	catalog  *catalog.Gateway
	queue    *queue.Mutator
	blobs    BlobChecker
	channels []string
	logger   zerolog.Logger
}

// NewService creates an integrity scanner over the given channels.
func NewService(db *gorm.DB, store *channelstate.Store, cat *catalog.Gateway, q *queue.Mutator, blobs BlobChecker, channels []string, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		store:    store,
		catalog:  cat,
		queue:    q,
		blobs:    blobs,
		channels: channels,
		logger:   logger.With().Str("component", "integrity").Logger(),
	}
}

func (s *Service) Scan(ctx context.Context) (*Report, error) {
	findings := make([]Finding, 0, 32)

	added, err := s.scanTracksWithoutChannel(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanMissingBlobs(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanStalePendingRemovals(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanChannelState(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	byType := make(map[FindingType]int)
	for _, f := range findings {
		byType[f.Type]++
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Total:       len(findings),
		ByType:      byType,
		Findings:    findings,
	}

	if report.Total > 0 {
		s.logger.Warn().Int("total_findings", report.Total).Interface("by_type", byType).Msg("integrity scan completed with findings")
	} else {
		s.logger.Info().Msg("integrity scan completed with no findings")
	}

	return report, nil
}

func (s *Service) Repair(ctx context.Context, input RepairInput) (RepairResult, error) {
	switch input.Type {
	case FindingTrackWithoutChannel:
		return s.repairTrackWithoutChannel(ctx, input)
	case FindingStalePendingRemoval:
		return s.repairStalePendingRemoval(ctx, input)
	case FindingQueuedTrackMissing:
		return s.repairQueuedTrackMissing(ctx, input)
	default:
		return RepairResult{}, fmt.Errorf("unsupported finding type: %s", input.Type)
	}
}

// scanTracksWithoutChannel finds catalog rows no channel links to. The
// rotation selector can never pick them, so they rot in storage.
func (s *Service) scanTracksWithoutChannel(ctx context.Context) ([]Finding, error) {
	type row struct {
		ID     string
		Artist string
		Title  string
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Table("tracks").
		Select("tracks.id, tracks.artist, tracks.title").
		Joins("LEFT JOIN track_channels ON track_channels.track_id = tracks.id").
		Where("track_channels.track_id IS NULL").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		findings = append(findings, Finding{
			ID:         findingID(FindingTrackWithoutChannel, "", r.ID),
			Type:       FindingTrackWithoutChannel,
			Severity:   "medium",
			Summary:    "Track is not linked to any channel",
			ResourceID: r.ID,
			Repairable: true,
			Details: map[string]any{
				"artist": r.Artist,
				"title":  r.Title,
			},
		})
	}
	return findings, nil
}

// scanMissingBlobs finds catalog rows whose media object is gone. The
// daemon would fail mid-rotation the moment one of these is selected.
func (s *Service) scanMissingBlobs(ctx context.Context) ([]Finding, error) {
	type row struct {
		ID       string
		Location string
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&models.Track{}).
		Select("id, location").
		Where("location <> ''").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	findings := make([]Finding, 0)
	for _, r := range rows {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		exists, err := s.blobs.Exists(ctx, r.Location)
		if err != nil {
			return nil, fmt.Errorf("check blob %q: %w", r.Location, err)
		}
		if exists {
			continue
		}
		findings = append(findings, Finding{
			ID:         findingID(FindingTrackBlobMissing, "", r.ID),
			Type:       FindingTrackBlobMissing,
			Severity:   "high",
			Summary:    "Catalog row references a missing media blob",
			ResourceID: r.ID,
			Repairable: false,
			Details: map[string]any{
				"location": r.Location,
			},
		})
	}
	return findings, nil
}

// scanStalePendingRemovals finds reservation ids whose catalog row is
// already gone. Reconcile skips them, but they inflate the pending
// depth gauge until something drains the list.
func (s *Service) scanStalePendingRemovals(ctx context.Context) ([]Finding, error) {
	pending, err := s.store.PendingRemoval(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	known, err := s.existingTrackIDs(ctx, pending)
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0)
	for _, id := range pending {
		if _, ok := known[id]; ok {
			continue
		}
		findings = append(findings, Finding{
			ID:         findingID(FindingStalePendingRemoval, "", id),
			Type:       FindingStalePendingRemoval,
			Severity:   "low",
			Summary:    "Pending-removal reservation references a deleted track",
			ResourceID: id,
			Repairable: true,
		})
	}
	return findings, nil
}

// scanChannelState checks every configured channel's live document:
// queued entries and now_playing must point at catalog rows.
func (s *Service) scanChannelState(ctx context.Context) ([]Finding, error) {
	findings := make([]Finding, 0)

	for _, channel := range s.channels {
		state, err := s.store.Get(ctx, channel)
		if err != nil {
			return nil, fmt.Errorf("load state for %q: %w", channel, err)
		}

		ids := make([]string, 0, len(state.Playlist)+1)
		for _, entry := range state.Playlist {
			ids = append(ids, entry.ID)
		}
		if state.NowPlaying != nil {
			ids = append(ids, state.NowPlaying.ID)
		}
		if len(ids) == 0 {
			continue
		}

		known, err := s.existingTrackIDs(ctx, ids)
		if err != nil {
			return nil, err
		}

		channelName := channel
		seen := make(map[string]struct{})
		for _, entry := range state.Playlist {
			if _, ok := known[entry.ID]; ok {
				continue
			}
			if _, dup := seen[entry.ID]; dup {
				continue
			}
			seen[entry.ID] = struct{}{}
			findings = append(findings, Finding{
				ID:         findingID(FindingQueuedTrackMissing, channel, entry.ID),
				Type:       FindingQueuedTrackMissing,
				Severity:   "high",
				Summary:    "Queued entry references a track missing from the catalog",
				Channel:    &channelName,
				ResourceID: entry.ID,
				Repairable: true,
				Details: map[string]any{
					"artist": entry.Artist,
					"title":  entry.Title,
				},
			})
		}

		if state.NowPlaying != nil {
			if _, ok := known[state.NowPlaying.ID]; !ok {
				findings = append(findings, Finding{
					ID:         findingID(FindingNowPlayingNotInCatalog, channel, state.NowPlaying.ID),
					Type:       FindingNowPlayingNotInCatalog,
					Severity:   "low",
					Summary:    "Now-playing entry references a track missing from the catalog",
					Channel:    &channelName,
					ResourceID: state.NowPlaying.ID,
					Repairable: false,
					Details: map[string]any{
						"artist": state.NowPlaying.Artist,
						"title":  state.NowPlaying.Title,
					},
				})
			}
		}
	}
	return findings, nil
}

func (s *Service) repairTrackWithoutChannel(ctx context.Context, input RepairInput) (RepairResult, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.TrackChannel{}).
		Where("track_id = ?", input.ResourceID).
		Count(&count).Error; err != nil {
		return RepairResult{}, err
	}
	if count > 0 {
		return RepairResult{Changed: false, Message: "track has channel links again; finding already resolved"}, nil
	}

	err := s.catalog.DeleteByID(ctx, input.ResourceID)
	if errors.Is(err, catalog.ErrNotFound) {
		return RepairResult{Changed: false, Message: "track already removed"}, nil
	}
	if err != nil {
		return RepairResult{}, err
	}
	return RepairResult{Changed: true, Message: "deleted unreachable track"}, nil
}

func (s *Service) repairStalePendingRemoval(ctx context.Context, input RepairInput) (RepairResult, error) {
	known, err := s.existingTrackIDs(ctx, []string{input.ResourceID})
	if err != nil {
		return RepairResult{}, err
	}
	if _, ok := known[input.ResourceID]; ok {
		return RepairResult{Changed: false, Message: "track exists; reconcile will handle it"}, nil
	}

	changed := false
	_, err = s.store.UpdatePendingRemoval(ctx, func(pending []string) ([]string, error) {
		kept := make([]string, 0, len(pending))
		for _, id := range pending {
			if id == input.ResourceID {
				changed = true
				continue
			}
			kept = append(kept, id)
		}
		return kept, nil
	})
	if err != nil {
		return RepairResult{}, err
	}
	if !changed {
		return RepairResult{Changed: false, Message: "reservation already removed"}, nil
	}
	return RepairResult{Changed: true, Message: "dropped stale reservation"}, nil
}

func (s *Service) repairQueuedTrackMissing(ctx context.Context, input RepairInput) (RepairResult, error) {
	known, err := s.existingTrackIDs(ctx, []string{input.ResourceID})
	if err != nil {
		return RepairResult{}, err
	}
	if _, ok := known[input.ResourceID]; ok {
		return RepairResult{Changed: false, Message: "track exists; finding already resolved"}, nil
	}

	removed, err := s.queue.RemoveTrack(ctx, input.Channel, input.ResourceID)
	if err != nil {
		return RepairResult{}, err
	}
	if !removed {
		return RepairResult{Changed: false, Message: "entry already gone from queue"}, nil
	}
	return RepairResult{
		Changed: true,
		Message: "filtered missing track from queue",
		Details: map[string]any{"channel": input.Channel},
	}, nil
}

func (s *Service) existingTrackIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	var found []string
	if err := s.db.WithContext(ctx).
		Model(&models.Track{}).
		Where("id IN ?", ids).
		Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(found))
	for _, id := range found {
		known[id] = struct{}{}
	}
	return known, nil
}

func findingID(t FindingType, channel, resourceID string) string {
	return fmt.Sprintf("%s|%s|%s", t, channel, resourceID)
}
