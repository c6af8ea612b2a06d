/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog is the gateway over the relational track catalog:
// rotation queries, metadata writes, play bookkeeping, and the terminal
// delete that also purges the media blob.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/models"
)

// ErrNotFound indicates the track does not exist in the catalog.
var ErrNotFound = errors.New("track not found")

// BlobStore purges stored media objects.
type BlobStore interface {
	Delete(ctx context.Context, path string) error
}

// Gateway queries the catalog and performs hard deletes.
type Gateway struct {
	db      *gorm.DB
	storage BlobStore
	logger  zerolog.Logger
}

// New creates a catalog gateway.
func New(db *gorm.DB, storage BlobStore, logger zerolog.Logger) *Gateway {
	return &Gateway{
		db:      db,
		storage: storage,
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
}

// QueryByChannelAndRecency returns the channel's tracks eligible under the
// no-repeat rule: last played before cutoff, or never played but uploaded
// after recencyWindow. Tracks in excludeIDs are dropped.
func (g *Gateway) QueryByChannelAndRecency(ctx context.Context, channel string, cutoff, recencyWindow time.Time, excludeIDs []string) ([]models.Track, error) {
	query := g.channelQuery(ctx, channel).
		Where("tracks.last_played_at < ? OR (tracks.last_played_at IS NULL AND tracks.uploaded_at > ?)", cutoff, recencyWindow)
	query = excludeTracks(query, excludeIDs)

	var tracks []models.Track
	if err := query.Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("query channel %q by recency: %w", channel, err)
	}
	return tracks, nil
}

// QueryByChannel returns all of the channel's tracks minus excludeIDs. This
// is the fallback pool when the recency filter empties out.
func (g *Gateway) QueryByChannel(ctx context.Context, channel string, excludeIDs []string) ([]models.Track, error) {
	query := excludeTracks(g.channelQuery(ctx, channel), excludeIDs)

	var tracks []models.Track
	if err := query.Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("query channel %q: %w", channel, err)
	}
	return tracks, nil
}

// GetByID loads one track with its channel links.
func (g *Gateway) GetByID(ctx context.Context, id string) (models.Track, error) {
	var track models.Track
	err := g.db.WithContext(ctx).Preload("Channels").First(&track, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Track{}, ErrNotFound
	}
	if err != nil {
		return models.Track{}, fmt.Errorf("get track %q: %w", id, err)
	}
	return track, nil
}

// Search pages through the whole catalog, newest upload first. A non-empty
// keyword narrows the result to artist/title substring matches.
func (g *Gateway) Search(ctx context.Context, keyword string, offset, limit int) ([]models.Track, error) {
	query := g.db.WithContext(ctx).Model(&models.Track{}).Preload("Channels")
	if keyword != "" {
		pattern := "%" + keyword + "%"
		query = query.Where("tracks.artist LIKE ? OR tracks.title LIKE ?", pattern, pattern)
	}

	var tracks []models.Track
	err := query.Order("tracks.uploaded_at DESC").Offset(offset).Limit(limit).Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("search tracks: %w", err)
	}
	return tracks, nil
}

// ListByChannel pages through a channel's tracks, newest upload first.
func (g *Gateway) ListByChannel(ctx context.Context, channel string, offset, limit int) ([]models.Track, int64, error) {
	var total int64
	if err := g.channelQuery(ctx, channel).Model(&models.Track{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count channel %q: %w", channel, err)
	}

	var tracks []models.Track
	err := g.channelQuery(ctx, channel).
		Order("tracks.uploaded_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&tracks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list channel %q: %w", channel, err)
	}
	return tracks, total, nil
}

// DeleteByID purges the track's blob and then its catalog rows. A missing
// blob is logged and swallowed so a re-run can still drop the row. Play
// history rows are kept; they carry their own artist/title snapshots.
func (g *Gateway) DeleteByID(ctx context.Context, id string) error {
	track, err := g.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if track.Location != "" {
		if err := g.storage.Delete(ctx, track.Location); err != nil {
			g.logger.Warn().Err(err).
				Str("track_id", id).
				Str("location", track.Location).
				Msg("blob purge failed, deleting catalog row anyway")
		}
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", id).Delete(&models.TrackChannel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Track{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("delete track %q: %w", id, err)
	}

	g.logger.Info().Str("track_id", id).Str("artist", track.Artist).Str("title", track.Title).Msg("track deleted")
	return nil
}

// RecordPlay writes the play history row and stamps the track's play
// bookkeeping. Called from the daemon's on-play callback.
func (g *Gateway) RecordPlay(ctx context.Context, channel, trackID, artist, title string, playedAt time.Time) error {
	history := models.PlayHistory{
		ID:       uuid.NewString(),
		Channel:  channel,
		TrackID:  trackID,
		Artist:   artist,
		Title:    title,
		PlayedAt: playedAt,
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&history).Error; err != nil {
			return err
		}
		return tx.Model(&models.Track{}).
			Where("id = ?", trackID).
			UpdateColumns(map[string]any{
				"last_played_at": playedAt,
				"play_count":     gorm.Expr("play_count + 1"),
			}).Error
	})
	if err != nil {
		return fmt.Errorf("record play of %q on %q: %w", trackID, channel, err)
	}
	return nil
}

// HistoryByChannel returns the channel's most recent airings, newest first.
func (g *Gateway) HistoryByChannel(ctx context.Context, channel string, limit int) ([]models.PlayHistory, error) {
	var rows []models.PlayHistory
	err := g.db.WithContext(ctx).
		Where("channel = ?", channel).
		Order("played_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history for channel %q: %w", channel, err)
	}
	return rows, nil
}

// Create inserts a track row together with its channel links.
func (g *Gateway) Create(ctx context.Context, track *models.Track) error {
	if err := g.db.WithContext(ctx).Create(track).Error; err != nil {
		return fmt.Errorf("create track: %w", err)
	}
	return nil
}

// UpdateMetadata rewrites a track's editable fields. A nil channels slice
// leaves the channel links untouched; a non-nil one replaces them.
func (g *Gateway) UpdateMetadata(ctx context.Context, id, artist, title string, channels []string) (models.Track, error) {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Track{}).
			Where("id = ?", id).
			UpdateColumns(map[string]any{
				"artist":     artist,
				"title":      title,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		if channels == nil {
			return nil
		}
		if err := tx.Where("track_id = ?", id).Delete(&models.TrackChannel{}).Error; err != nil {
			return err
		}
		for _, channel := range channels {
			link := models.TrackChannel{TrackID: id, Channel: channel}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return models.Track{}, err
	}
	if err != nil {
		return models.Track{}, fmt.Errorf("update track %q: %w", id, err)
	}
	return g.GetByID(ctx, id)
}

// IncrementLike bumps the track's like counter and returns the new value.
func (g *Gateway) IncrementLike(ctx context.Context, id string) (int64, error) {
	res := g.db.WithContext(ctx).Model(&models.Track{}).
		Where("id = ?", id).
		UpdateColumn("like_count", gorm.Expr("like_count + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("like track %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}

	var track models.Track
	if err := g.db.WithContext(ctx).Select("like_count").First(&track, "id = ?", id).Error; err != nil {
		return 0, fmt.Errorf("like track %q: %w", id, err)
	}
	return track.LikeCount, nil
}

// CountByChannel returns the channel's catalog size.
func (g *Gateway) CountByChannel(ctx context.Context, channel string) (int64, error) {
	var total int64
	if err := g.channelQuery(ctx, channel).Model(&models.Track{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count channel %q: %w", channel, err)
	}
	return total, nil
}

func (g *Gateway) channelQuery(ctx context.Context, channel string) *gorm.DB {
	return g.db.WithContext(ctx).
		Joins("JOIN track_channels ON track_channels.track_id = tracks.id").
		Where("track_channels.channel = ?", channel)
}

func excludeTracks(query *gorm.DB, excludeIDs []string) *gorm.DB {
	if len(excludeIDs) == 0 {
		return query
	}
	return query.Where("tracks.id NOT IN ?", excludeIDs)
}

// Snapshot denormalizes a track into a queue entry. The location prefix maps
// the stored path onto the daemon's media mount.
func Snapshot(track models.Track, locationPrefix string) channelstate.Entry {
	return channelstate.Entry{
		ID:       track.ID,
		Location: daemonLocation(track.Location, locationPrefix),
		Artist:   track.Artist,
		Title:    track.Title,
	}
}

func daemonLocation(location, prefix string) string {
	if prefix == "" {
		return location
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(location, "/")
}
