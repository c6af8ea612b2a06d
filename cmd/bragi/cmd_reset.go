/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/db"
	"github.com/friendsincode/bragi/internal/models"
)

var (
	resetForce       bool
	resetDeleteMedia bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the catalog and channel state, optionally deleting media",
	Long: `Reset Bragi to a fresh state.

This command will:
- Drop all catalog tables from the database and re-create them empty
- Clear every configured channel's queue and now-playing slot
- Clear the pending-removal list
- Optionally delete all uploaded media files

WARNING: This action is irreversible! All data will be lost.

Examples:
  # Interactive reset (will prompt for confirmation)
  bragi reset

  # Force reset without confirmation
  bragi reset --force

  # Reset and delete all media files
  bragi reset --force --delete-media
`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	resetCmd.Flags().BoolVar(&resetDeleteMedia, "delete-media", false, "Also delete all uploaded media files")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	// Confirmation prompt
	if !resetForce {
		fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
		fmt.Println("║                        WARNING                               ║")
		fmt.Println("╠══════════════════════════════════════════════════════════════╣")
		fmt.Println("║  This will DELETE ALL DATA from Bragi:                       ║")
		fmt.Println("║                                                              ║")
		fmt.Println("║  • All catalog tracks and play history                       ║")
		fmt.Println("║  • All channel queues and now-playing state                  ║")
		fmt.Println("║  • The pending-removal list                                  ║")
		if resetDeleteMedia {
			fmt.Println("║  • ALL UPLOADED MEDIA FILES                                  ║")
		}
		fmt.Println("║                                                              ║")
		fmt.Println("║  This action CANNOT be undone!                               ║")
		fmt.Println("╚══════════════════════════════════════════════════════════════╝")
		fmt.Println()

		fmt.Print("Type 'yes' to confirm reset: ")
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	logger.Info().
		Bool("delete_media", resetDeleteMedia).
		Msg("Starting reset")

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Warn().Err(err).Msg("close database")
		}
	}()

	// Drop tables in reverse order of dependencies
	tables := []interface{}{
		&models.PlayHistory{},
		&models.TrackChannel{},
		&models.Track{},
	}

	logger.Info().Msg("Dropping catalog tables")
	for _, table := range tables {
		if err := database.Migrator().DropTable(table); err != nil {
			// Log but continue - table might not exist
			logger.Debug().Err(err).Msgf("drop table (may not exist)")
		}
	}

	// Clear shared channel state
	store, err := channelstate.New(channelstate.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to state store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info().Msg("Clearing channel state")
	for _, channel := range cfg.Channels {
		_, err := store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
			state.NowPlaying = nil
			state.Playlist = nil
			return nil
		})
		if err != nil {
			return fmt.Errorf("clear channel %s: %w", channel, err)
		}
	}
	if err := store.SetPendingRemoval(ctx, nil); err != nil {
		return fmt.Errorf("clear pending removals: %w", err)
	}

	// Delete media files if requested
	if resetDeleteMedia {
		if cfg.S3Bucket != "" {
			logger.Warn().Str("bucket", cfg.S3Bucket).Msg("media deletion only walks local storage; S3 objects were left in place")
		} else if cfg.MediaRoot != "" {
			logger.Info().Str("path", cfg.MediaRoot).Msg("Deleting media files...")

			err := filepath.Walk(cfg.MediaRoot, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				// Don't delete the root directory itself
				if path == cfg.MediaRoot {
					return nil
				}
				if !info.IsDir() {
					if err := os.Remove(path); err != nil {
						logger.Warn().Err(err).Str("path", path).Msg("failed to delete file")
					}
				}
				return nil
			})
			if err != nil {
				logger.Warn().Err(err).Msg("error walking media directory")
			}

			cleanEmptyDirs(cfg.MediaRoot)
			logger.Info().Msg("Media files deleted")
		}
	}

	// Re-create tables
	logger.Info().Msg("Creating fresh database schema")
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	logger.Info().Msg("Reset complete")
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Reset Complete!                           ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Bragi has been reset to a fresh state.                      ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Next steps:                                                 ║")
	fmt.Println("║  1. Start the server: bragi serve                            ║")
	fmt.Println("║  2. Upload tracks via POST /api/v1/tracks                    ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	return nil
}

// cleanEmptyDirs removes empty directories recursively
func cleanEmptyDirs(root string) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == root {
			return nil
		}

		// Check if directory is empty
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}

		if len(entries) == 0 {
			os.Remove(path)
		}
		return nil
	})
}
