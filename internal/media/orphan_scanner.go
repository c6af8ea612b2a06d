/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/models"
)

// OrphanScanner walks the media root and reports blobs no catalog
// track points at. Filesystem storage only; object storage
// deployments track their inventory in the bucket itself.
type OrphanScanner struct {
	db        *gorm.DB
	mediaRoot string
	logger    zerolog.Logger
}

// ScanResult summarizes one orphan scan.
type ScanResult struct {
	TotalFiles int
	Orphans    []string
	OrphanSize int64
	Errors     int
	Duration   time.Duration
}

// NewOrphanScanner creates a new orphan scanner.
func NewOrphanScanner(db *gorm.DB, mediaRoot string, logger zerolog.Logger) *OrphanScanner {
	return &OrphanScanner{
		db:        db,
		mediaRoot: mediaRoot,
		logger:    logger.With().Str("component", "orphan_scanner").Logger(),
	}
}

// Scan walks the media root and collects files the catalog does not know.
func (s *OrphanScanner) Scan(ctx context.Context) (*ScanResult, error) {
	startTime := time.Now()
	result := &ScanResult{}

	s.logger.Info().Str("media_root", s.mediaRoot).Msg("starting orphan scan")

	knownPaths, err := s.knownLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog locations: %w", err)
	}

	s.logger.Debug().Int("known_paths", len(knownPaths)).Msg("loaded catalog locations")

	err = filepath.Walk(s.mediaRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("error accessing path")
			result.Errors++
			return nil // Continue walking
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if info.IsDir() {
			return nil
		}
		if !isMediaFile(info.Name()) {
			return nil
		}

		result.TotalFiles++

		relPath, err := filepath.Rel(s.mediaRoot, path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to get relative path")
			result.Errors++
			return nil
		}

		if _, known := knownPaths[relPath]; known {
			return nil
		}

		result.Orphans = append(result.Orphans, relPath)
		result.OrphanSize += info.Size()

		s.logger.Debug().
			Str("path", relPath).
			Int64("size", info.Size()).
			Msg("orphan detected")

		return nil
	})

	if err != nil && err != context.Canceled {
		return nil, fmt.Errorf("walk media directory: %w", err)
	}

	result.Duration = time.Since(startTime)

	s.logger.Info().
		Int("total_files", result.TotalFiles).
		Int("orphans", len(result.Orphans)).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("orphan scan complete")

	return result, nil
}

// knownLocations loads every location the catalog references. A track
// row may store the location with or without a leading slash; both
// forms count as known.
func (s *OrphanScanner) knownLocations(ctx context.Context) (map[string]struct{}, error) {
	var locations []string
	if err := s.db.WithContext(ctx).
		Model(&models.Track{}).
		Pluck("location", &locations).Error; err != nil {
		return nil, err
	}

	result := make(map[string]struct{}, len(locations)*2)
	for _, loc := range locations {
		if loc == "" {
			continue
		}
		result[loc] = struct{}{}
		result[strings.TrimPrefix(loc, "/")] = struct{}{}
	}
	return result, nil
}

func isMediaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".audio", ".mp3", ".flac", ".ogg", ".m4a", ".aac", ".wav", ".wma", ".opus":
		return true
	default:
		return false
	}
}
