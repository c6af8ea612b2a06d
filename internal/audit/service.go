/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit persists engine events as a reviewable trail. Logs answer
// "what is the engine doing now"; the audit table answers "what did it do
// to this track last Tuesday".
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/models"
)

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to engine events and records them until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	queueUpdated := s.bus.Subscribe(events.EventQueueUpdated)
	playbackStarted := s.bus.Subscribe(events.EventPlaybackStarted)
	playbackStopped := s.bus.Subscribe(events.EventPlaybackStopped)
	trackReserved := s.bus.Subscribe(events.EventTrackReserved)
	trackDeleted := s.bus.Subscribe(events.EventTrackDeleted)
	reconcileCompleted := s.bus.Subscribe(events.EventReconcileCompleted)

	defer func() {
		s.bus.Unsubscribe(events.EventQueueUpdated, queueUpdated)
		s.bus.Unsubscribe(events.EventPlaybackStarted, playbackStarted)
		s.bus.Unsubscribe(events.EventPlaybackStopped, playbackStopped)
		s.bus.Unsubscribe(events.EventTrackReserved, trackReserved)
		s.bus.Unsubscribe(events.EventTrackDeleted, trackDeleted)
		s.bus.Unsubscribe(events.EventReconcileCompleted, reconcileCompleted)
	}()

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case payload := <-queueUpdated:
			s.logEntry(ctx, models.AuditActionQueueUpdate, payload)

		case payload := <-playbackStarted:
			s.logEntry(ctx, models.AuditActionPlaybackStart, payload)

		case payload := <-playbackStopped:
			s.logEntry(ctx, models.AuditActionPlaybackStop, payload)

		case payload := <-trackReserved:
			s.logEntry(ctx, models.AuditActionTrackReserve, payload)

		case payload := <-trackDeleted:
			s.logEntry(ctx, models.AuditActionTrackDelete, payload)

		case payload := <-reconcileCompleted:
			s.logEntry(ctx, models.AuditActionReconcileComplete, payload)
		}
	}
}

// logEntry creates an audit entry from an event payload.
func (s *Service) logEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditEntry{
		Action:  action,
		Details: make(map[string]any),
	}

	if channel, ok := payload["channel"].(string); ok {
		entry.Channel = channel
	}
	if trackID, ok := payload["track_id"].(string); ok {
		entry.TrackID = trackID
	}

	for k, v := range payload {
		switch k {
		case "channel", "track_id":
			// Already extracted
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly.
func (s *Service) Log(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit entries.
type QueryFilters struct {
	Action    *models.AuditAction
	Channel   *string
	TrackID   *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit entries, most recent first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditEntry, int64, error) {
	var entries []models.AuditEntry
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditEntry{})

	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.Channel != nil {
		query = query.Where("channel = ?", *filters.Channel)
	}
	if filters.TrackID != nil {
		query = query.Where("track_id = ?", *filters.TrackID)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}
