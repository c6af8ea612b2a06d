/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilesystemStorage implements Storage using the local filesystem.
type FilesystemStorage struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStorage creates a filesystem-based storage backend.
func NewFilesystemStorage(rootDir string, logger zerolog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		rootDir: rootDir,
		logger:  logger,
	}
}

// Store saves a track blob to the local filesystem and returns the
// path relative to the media root. The relative path is what the
// catalog records, so relocating the root never invalidates rows.
func (fs *FilesystemStorage) Store(ctx context.Context, channel, trackID, extension string, file io.Reader) (string, error) {
	relativePath := buildBlobPath(channel, trackID, extension)
	fullPath := filepath.Join(fs.rootDir, relativePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, file); err != nil {
		os.Remove(fullPath) // Clean up on failure
		return "", fmt.Errorf("write file: %w", err)
	}

	fs.logger.Debug().
		Str("path", fullPath).
		Str("relative_path", relativePath).
		Str("channel", channel).
		Str("track_id", trackID).
		Msg("filesystem storage: file stored")

	return relativePath, nil
}

// Delete removes a blob from the filesystem. A missing file is not an
// error: the catalog row is the thing being purged and a blob that is
// already gone should not block it.
func (fs *FilesystemStorage) Delete(ctx context.Context, path string) error {
	fullPath := filepath.Join(fs.rootDir, path)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}

	fs.logger.Debug().Str("path", fullPath).Msg("filesystem storage: file deleted")
	return nil
}

// URL returns the local filesystem path.
func (fs *FilesystemStorage) URL(path string) string {
	return path
}

// Exists reports whether a blob is present on disk.
func (fs *FilesystemStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(fs.rootDir, path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	return true, nil
}

// CheckAccess verifies the storage directory exists and is accessible.
func (fs *FilesystemStorage) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("media root directory does not exist: %s", fs.rootDir)
		}
		return fmt.Errorf("cannot access media root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media root is not a directory: %s", fs.rootDir)
	}
	return nil
}
