/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Track{},
		&models.TrackChannel{},
		&models.PlayHistory{},
		&models.AuditEntry{},
	); err != nil {
		return err
	}

	if err := backfillUploadedAt(database); err != nil {
		return err
	}

	return nil
}

// backfillUploadedAt fills missing upload timestamps on catalog rows imported
// from older schemas. A zero uploaded_at would keep a never-played track out
// of the new-upload window forever.
func backfillUploadedAt(database *gorm.DB) error {
	if err := database.Model(&models.Track{}).
		Where("uploaded_at IS NULL OR uploaded_at = ?", time.Time{}).
		Update("uploaded_at", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("backfill uploaded_at: %w", err)
	}
	return nil
}
