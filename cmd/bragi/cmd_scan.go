/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/db"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/integrity"
	"github.com/friendsincode/bragi/internal/media"
	"github.com/friendsincode/bragi/internal/queue"
)

var (
	scanOrphans bool
	scanRepair  bool
	scanTimeout time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for drift between catalog, media store, and channel state",
	Long: `Cross-check the catalog database, the media store, and the shared
channel state, and report anything that disagrees: queued tracks that no
longer exist, catalog rows whose media blob is gone, stale pending
removals, and tracks assigned to no channel.

Examples:
  # Report findings
  bragi scan

  # Also list media files the catalog does not know about
  bragi scan --orphans

  # Apply every repairable fix
  bragi scan --repair
`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanOrphans, "orphans", false, "Also scan the media root for orphaned files")
	scanCmd.Flags().BoolVar(&scanRepair, "repair", false, "Apply repairable fixes after scanning")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute, "Maximum duration for the scan")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if scanOrphans && cfg.S3Bucket != "" {
		return fmt.Errorf("orphan scan walks local storage and is unavailable with S3-backed media")
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

	store, err := channelstate.New(channelstate.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to state store: %w", err)
	}
	defer store.Close()

	mediaSvc, err := media.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize media storage: %w", err)
	}

	bus := events.NewBus()
	gateway := catalog.New(database, mediaSvc, logger)
	mutator := queue.NewMutator(store, bus, logger)
	integ := integrity.NewService(database, store, gateway, mutator, mediaSvc, cfg.Channels, logger)

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	report, err := integ.Scan(ctx)
	if err != nil {
		return fmt.Errorf("integrity scan: %w", err)
	}

	fmt.Printf("Integrity scan: %d finding(s)\n", report.Total)
	for findingType, count := range report.ByType {
		fmt.Printf("  %-28s %d\n", findingType, count)
	}
	for _, finding := range report.Findings {
		channel := "-"
		if finding.Channel != nil {
			channel = *finding.Channel
		}
		marker := " "
		if finding.Repairable {
			marker = "*"
		}
		fmt.Printf("%s [%s] %s channel=%s resource=%s: %s\n",
			marker, finding.Severity, finding.Type, channel, finding.ResourceID, finding.Summary)
	}
	if report.Total > 0 && !scanRepair {
		fmt.Println("Findings marked * are repairable; re-run with --repair to fix them.")
	}

	if scanRepair {
		repaired := 0
		for _, finding := range report.Findings {
			if !finding.Repairable {
				continue
			}
			input := integrity.RepairInput{
				Type:       finding.Type,
				ResourceID: finding.ResourceID,
			}
			if finding.Channel != nil {
				input.Channel = *finding.Channel
			}
			result, err := integ.Repair(ctx, input)
			if err != nil {
				logger.Error().Err(err).
					Str("type", string(finding.Type)).
					Str("resource_id", finding.ResourceID).
					Msg("repair failed")
				continue
			}
			if result.Changed {
				repaired++
			}
			fmt.Printf("repair %s %s: %s\n", finding.Type, finding.ResourceID, result.Message)
		}
		fmt.Printf("Repaired %d finding(s)\n", repaired)
	}

	if scanOrphans {
		scanner := media.NewOrphanScanner(database, cfg.MediaRoot, logger)
		result, err := scanner.Scan(ctx)
		if err != nil {
			return fmt.Errorf("orphan scan: %w", err)
		}

		fmt.Printf("Orphan scan: %d file(s) checked, %d orphan(s), %d byte(s) reclaimable\n",
			result.TotalFiles, len(result.Orphans), result.OrphanSize)
		for _, path := range result.Orphans {
			fmt.Printf("  %s\n", path)
		}
	}

	return nil
}
