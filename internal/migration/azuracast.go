/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package migration

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/bragi/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ImportAzuraCast imports tracks from an AzuraCast backup tarball (.tar.gz).
// The backup carries a SQLite snapshot at db.db and the station media tree
// under media/.
func (i *Importer) ImportAzuraCast(ctx context.Context, backupPath string) (*Stats, error) {
	i.logger.Info().
		Str("backup", backupPath).
		Bool("dry_run", i.options.DryRun).
		Msg("starting AzuraCast import")

	tempDir, err := os.MkdirTemp("", "azuracast-import-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := i.extractBackup(backupPath, tempDir); err != nil {
		return nil, fmt.Errorf("extract backup: %w", err)
	}

	legacyDB, err := sql.Open("sqlite3", filepath.Join(tempDir, "db.db"))
	if err != nil {
		return nil, fmt.Errorf("open backup database: %w", err)
	}
	defer legacyDB.Close()

	stationChannels, err := i.matchStations(ctx, legacyDB)
	if err != nil {
		return nil, fmt.Errorf("match stations: %w", err)
	}

	if err := i.importMedia(ctx, legacyDB, stationChannels, filepath.Join(tempDir, "media")); err != nil {
		return nil, fmt.Errorf("import media: %w", err)
	}

	i.logger.Info().
		Int("stations", i.stats.StationsMatched).
		Int("imported", i.stats.TracksImported).
		Int("skipped", i.stats.TracksSkipped).
		Int("errors", i.stats.Errors).
		Msg("AzuraCast import completed")

	return &i.stats, nil
}

// matchStations maps legacy station IDs to Bragi channels via the short
// name. Stations without a ChannelMap entry are reported and skipped.
func (i *Importer) matchStations(ctx context.Context, legacyDB *sql.DB) (map[int]string, error) {
	rows, err := legacyDB.QueryContext(ctx, `SELECT id, short_name FROM station`)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	stationChannels := make(map[int]string)
	for rows.Next() {
		var id int
		var shortName string
		if err := rows.Scan(&id, &shortName); err != nil {
			i.logger.Error().Err(err).Msg("scan station")
			i.stats.Errors++
			continue
		}

		channel, ok := i.options.ChannelMap[shortName]
		if !ok {
			i.logger.Warn().Str("station", shortName).Msg("no channel mapping, station skipped")
			continue
		}

		stationChannels[id] = channel
		i.stats.StationsMatched++
		i.logger.Info().Str("station", shortName).Str("channel", channel).Msg("station matched")
	}

	return stationChannels, rows.Err()
}

func (i *Importer) importMedia(ctx context.Context, legacyDB *sql.DB, stationChannels map[int]string, mediaDir string) error {
	rows, err := legacyDB.QueryContext(ctx, `
		SELECT id, storage_location_id, title, artist, length, path
		FROM station_media
	`)
	if err != nil {
		return fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var legacyID, storageID int
		var title, artist, path sql.NullString
		var length sql.NullFloat64
		if err := rows.Scan(&legacyID, &storageID, &title, &artist, &length, &path); err != nil {
			i.logger.Error().Err(err).Msg("scan media")
			i.stats.Errors++
			continue
		}

		// AzuraCast keys media by storage location, which maps onto the
		// station in single-storage setups.
		channel, ok := stationChannels[storageID]
		if !ok {
			i.stats.TracksSkipped++
			continue
		}

		if err := i.importTrack(ctx, channel, mediaDir, title.String, artist.String, length.Float64, path.String); err != nil {
			i.logger.Error().Err(err).Int("legacy_id", legacyID).Msg("import track")
			i.stats.Errors++
		}
	}

	return rows.Err()
}

func (i *Importer) importTrack(ctx context.Context, channel, mediaDir, title, artist string, length float64, legacyPath string) error {
	extension := strings.ToLower(filepath.Ext(legacyPath))
	if extension == "" {
		i.logger.Warn().Str("path", legacyPath).Msg("no file extension, track skipped")
		i.stats.TracksSkipped++
		return nil
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(legacyPath), filepath.Ext(legacyPath))
	}

	srcPath := filepath.Join(mediaDir, filepath.FromSlash(legacyPath))
	file, err := os.Open(srcPath)
	if err != nil {
		i.logger.Warn().Str("path", legacyPath).Msg("media file not in backup, track skipped")
		i.stats.TracksSkipped++
		return nil
	}
	defer file.Close()

	if i.options.DryRun {
		i.stats.TracksImported++
		return nil
	}

	trackID := uuid.NewString()
	storedPath, err := i.media.Store(ctx, channel, trackID, extension, file)
	if err != nil {
		return fmt.Errorf("store media: %w", err)
	}

	track := models.Track{
		ID:              trackID,
		Location:        storedPath,
		Artist:          artist,
		Title:           title,
		Format:          strings.TrimPrefix(extension, "."),
		DurationSeconds: length,
		Uploader:        "import",
		Channels:        []models.TrackChannel{{TrackID: trackID, Channel: channel}},
		UploadedAt:      time.Now().UTC(),
	}
	if err := i.catalog.Create(ctx, &track); err != nil {
		if delErr := i.media.Delete(ctx, storedPath); delErr != nil {
			i.logger.Warn().Err(delErr).Str("path", storedPath).Msg("orphaned blob after failed insert")
		}
		return err
	}

	i.stats.TracksImported++
	i.logger.Debug().
		Str("track_id", trackID).
		Str("channel", channel).
		Str("title", title).
		Msg("track imported")
	return nil
}

// extractBackup extracts a tar.gz backup to a directory.
func (i *Importer) extractBackup(backupPath, destDir string) error {
	file, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeExtractPath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			outFile, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("write file: %w", err)
			}
			outFile.Close()
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("unsupported archive entry type for %q", header.Name)
		}
	}

	return nil
}

// safeExtractPath joins an archive entry name under destDir and rejects
// entries that would land outside it.
func safeExtractPath(destDir, entryName string) (string, error) {
	clean := filepath.Clean(entryName)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("invalid archive entry path %q", entryName)
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute archive entry path %q is not allowed", entryName)
	}

	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("resolve extraction root: %w", err)
	}
	targetAbs, err := filepath.Abs(filepath.Join(destAbs, clean))
	if err != nil {
		return "", fmt.Errorf("resolve archive entry path: %w", err)
	}
	rel, err := filepath.Rel(destAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("verify archive entry path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", entryName)
	}
	return targetAbs, nil
}
