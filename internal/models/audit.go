/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants, one per engine event.
const (
	AuditActionQueueUpdate       AuditAction = "queue.update"
	AuditActionPlaybackStart     AuditAction = "playback.start"
	AuditActionPlaybackStop      AuditAction = "playback.stop"
	AuditActionTrackReserve      AuditAction = "track.reserve"
	AuditActionTrackDelete       AuditAction = "track.delete"
	AuditActionReconcileComplete AuditAction = "reconcile.complete"
)

// AuditEntry records one engine action for operational review: what the
// queue did, what played, and what the reconciler removed. Channel and
// track ID are extracted for indexing; everything else an event carried
// stays in Details.
type AuditEntry struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	Timestamp time.Time      `gorm:"index:idx_audit_timestamp;not null"`
	Action    AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null"`
	Channel   string         `gorm:"type:varchar(64);index:idx_audit_channel"` // empty for cross-channel actions
	TrackID   string         `gorm:"type:uuid;index:idx_audit_track"`
	Details   map[string]any `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time
}

// TableName returns the table name for GORM.
func (AuditEntry) TableName() string {
	return "audit_entries"
}
