/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/config"
)

// Storage interface abstracts blob storage operations.
type Storage interface {
	Store(ctx context.Context, channel, trackID, extension string, file io.Reader) (string, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	URL(path string) string
	CheckAccess(ctx context.Context) error
}

// Service manages track blob storage.
type Service struct {
	storage Storage
	logger  zerolog.Logger
}

// NewService creates a media service using filesystem or S3 storage based on config.
func NewService(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	var storage Storage

	if cfg.S3Bucket != "" {
		s3cfg := S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			UsePathStyle:    cfg.S3UsePathStyle,
		}

		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			logger.Warn().Msg("S3 credentials not configured, relying on ambient AWS credentials")
		}

		s3Storage, err := NewS3Storage(context.Background(), s3cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		storage = s3Storage
	} else {
		storage = NewFilesystemStorage(cfg.MediaRoot, logger)
	}

	return &Service{
		storage: storage,
		logger:  logger,
	}, nil
}

// Store saves an uploaded track blob and returns the storage path.
func (s *Service) Store(ctx context.Context, channel, trackID, extension string, file io.Reader) (string, error) {
	path, err := s.storage.Store(ctx, channel, trackID, extension, file)
	if err != nil {
		s.logger.Error().Err(err).
			Str("channel", channel).
			Str("track_id", trackID).
			Msg("media store failed")
		return "", fmt.Errorf("store media: %w", err)
	}

	s.logger.Info().
		Str("channel", channel).
		Str("track_id", trackID).
		Str("path", path).
		Msg("media stored")

	return path, nil
}

// Delete removes a track blob from storage.
func (s *Service) Delete(ctx context.Context, path string) error {
	if err := s.storage.Delete(ctx, path); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("media delete failed")
		return fmt.Errorf("delete media: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("media deleted")
	return nil
}

// Exists reports whether a track blob is present in storage.
func (s *Service) Exists(ctx context.Context, path string) (bool, error) {
	return s.storage.Exists(ctx, path)
}

// URL returns the accessible URL for a stored track blob.
func (s *Service) URL(path string) string {
	return s.storage.URL(path)
}

// CheckStorageAccess verifies that the storage backend is accessible.
func (s *Service) CheckStorageAccess() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.storage.CheckAccess(ctx)
}

// buildBlobPath constructs a hierarchical storage path for a track blob.
func buildBlobPath(channel, trackID, extension string) string {
	// Structure: channel/track_id[0:2]/track_id[2:4]/track_id.ext
	// keeps directories balanced instead of one flat dir per channel.
	if len(trackID) < 4 {
		return filepath.Join(channel, trackID+extension)
	}
	return filepath.Join(channel, trackID[0:2], trackID[2:4], trackID+extension)
}
