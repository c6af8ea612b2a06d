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
	"github.com/friendsincode/bragi/internal/media"
	"github.com/friendsincode/bragi/internal/queue"
	"github.com/friendsincode/bragi/internal/reconciler"
)

var reconcileTimeout time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one deletion reconciliation pass",
	Long: `Process the pending-removal list once and exit.

Tracks whose deletion was deferred because they were airing stay reserved
until a reconciliation pass finds them off air, then they are purged from
the catalog, the media store, and every channel queue. The running server
schedules these passes itself; this command is for operators who want to
force one, for example after restoring a state store backup.

Examples:
  # One reconciliation pass
  bragi reconcile

  # Allow more time for a large backlog
  bragi reconcile --timeout 2m
`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileTimeout, "timeout", 30*time.Second, "Maximum duration for the pass")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
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
	rec := reconciler.NewService(store, gateway, mutator, bus, logger)

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	processed, err := rec.ReconcilePending(ctx, "cli")
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fmt.Printf("Processed %d pending removal(s)\n", processed)
	return nil
}
