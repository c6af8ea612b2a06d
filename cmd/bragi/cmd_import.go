/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/db"
	"github.com/friendsincode/bragi/internal/media"
	"github.com/friendsincode/bragi/internal/migration"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a track catalog from another radio automation system",
	Long:  "Import tracks and media files from legacy systems into the Bragi catalog",
}

var importAzuracastCmd = &cobra.Command{
	Use:   "azuracast",
	Short: "Import from an AzuraCast backup",
	Long: `Import tracks and media files from an AzuraCast backup tarball (.tar.gz).

Each legacy station is mapped onto a configured Bragi channel by its short
name. Without --map flags, stations are matched to channels of the same
name; stations with no mapping are skipped.

Examples:
  # Stations named like the configured channels
  bragi import azuracast --backup /backups/azuracast.tar.gz

  # Explicit station-to-channel mapping
  bragi import azuracast --backup azuracast.tar.gz --map trance_fm=trance --map deep_house=house

  # Count what would be imported without writing anything
  bragi import azuracast --backup azuracast.tar.gz --dry-run
`,
	RunE: runImportAzuracast,
}

var (
	azuracastBackupPath string
	azuracastMappings   []string
	azuracastDryRun     bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importAzuracastCmd)

	importAzuracastCmd.Flags().StringVar(&azuracastBackupPath, "backup", "", "Path to AzuraCast backup tarball (.tar.gz) (required)")
	importAzuracastCmd.Flags().StringArrayVar(&azuracastMappings, "map", nil, "Station-to-channel mapping as station=channel (repeatable)")
	importAzuracastCmd.Flags().BoolVar(&azuracastDryRun, "dry-run", false, "Analyze the backup without importing")
	importAzuracastCmd.MarkFlagRequired("backup")
}

func runImportAzuracast(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	channelMap, err := buildChannelMap(azuracastMappings)
	if err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Warn().Err(err).Msg("close database")
		}
	}()

	mediaSvc, err := media.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize media storage: %w", err)
	}
	gateway := catalog.New(database, mediaSvc, logger)

	importer := migration.NewImporter(gateway, mediaSvc, logger, migration.Options{
		ChannelMap: channelMap,
		DryRun:     azuracastDryRun,
	})

	stats, err := importer.ImportAzuraCast(context.Background(), azuracastBackupPath)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if azuracastDryRun {
		fmt.Println("Dry run - nothing was written.")
	}
	fmt.Printf("Stations matched: %d\n", stats.StationsMatched)
	fmt.Printf("Tracks imported:  %d\n", stats.TracksImported)
	fmt.Printf("Tracks skipped:   %d\n", stats.TracksSkipped)
	fmt.Printf("Errors:           %d\n", stats.Errors)
	return nil
}

// buildChannelMap parses --map station=channel pairs; with none given every
// configured channel maps a station of the same name. Targets must be
// configured channels.
func buildChannelMap(mappings []string) (map[string]string, error) {
	channelMap := make(map[string]string)
	if len(mappings) == 0 {
		for _, channel := range cfg.Channels {
			channelMap[channel] = channel
		}
		return channelMap, nil
	}

	configured := make(map[string]struct{}, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		configured[channel] = struct{}{}
	}

	for _, mapping := range mappings {
		station, channel, ok := strings.Cut(mapping, "=")
		if !ok || station == "" || channel == "" {
			return nil, fmt.Errorf("invalid --map %q, expected station=channel", mapping)
		}
		if _, ok := configured[channel]; !ok {
			return nil, fmt.Errorf("--map %q targets unknown channel %q", mapping, channel)
		}
		channelMap[station] = channel
	}
	return channelMap, nil
}
