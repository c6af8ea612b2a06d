/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/friendsincode/bragi/internal/audit"
	"github.com/friendsincode/bragi/internal/integrity"
	"github.com/friendsincode/bragi/internal/logbuffer"
	"github.com/friendsincode/bragi/internal/models"
)

type integrityFindingResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Summary    string         `json:"summary"`
	Channel    *string        `json:"channel,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Repairable bool           `json:"repairable"`
	Details    map[string]any `json:"details,omitempty"`
}

type repairRequest struct {
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	ResourceID string `json:"resource_id"`
}

// handleReconcile drains the pending-removal list on demand, without
// waiting for the next on-stop callback.
func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	processed, err := a.reconciler.ReconcilePending(r.Context(), "manual")
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	params := logbuffer.QueryParams{
		Level:      r.URL.Query().Get("level"),
		Component:  r.URL.Query().Get("component"),
		Channel:    r.URL.Query().Get("channel"),
		Search:     r.URL.Query().Get("search"),
		Descending: true,
	}

	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			params.Since = t
		}
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			params.Limit = n
		}
	} else {
		params.Limit = 500
	}

	if order := r.URL.Query().Get("order"); order == "asc" {
		params.Descending = false
	}

	entries := a.logBuffer.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (a *API) handleLogComponents(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"components": a.logBuffer.GetComponents(),
	})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.logBuffer.Stats())
}

func (a *API) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	a.logBuffer.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (a *API) handleIntegrityScan(w http.ResponseWriter, r *http.Request) {
	report, err := a.integrity.Scan(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("integrity scan failed")
		writeError(w, http.StatusInternalServerError, "scan_failed")
		return
	}

	findings := make([]integrityFindingResponse, len(report.Findings))
	for i, finding := range report.Findings {
		findings[i] = integrityFindingResponse{
			ID:         finding.ID,
			Type:       string(finding.Type),
			Severity:   finding.Severity,
			Summary:    finding.Summary,
			Channel:    finding.Channel,
			ResourceID: finding.ResourceID,
			Repairable: finding.Repairable,
			Details:    finding.Details,
		}
	}

	byType := make(map[string]int, len(report.ByType))
	for k, v := range report.ByType {
		byType[string(k)] = v
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": report.GeneratedAt,
		"total":        report.Total,
		"by_type":      byType,
		"findings":     findings,
	})
}

func (a *API) handleIntegrityRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Type == "" || req.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "type_and_resource_id_required")
		return
	}

	result, err := a.integrity.Repair(r.Context(), integrity.RepairInput{
		Type:       integrity.FindingType(req.Type),
		Channel:    req.Channel,
		ResourceID: req.ResourceID,
	})
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("type", req.Type).
			Str("resource_id", req.ResourceID).
			Msg("integrity repair failed")
		writeError(w, http.StatusInternalServerError, "repair_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"changed": result.Changed,
		"message": result.Message,
		"details": result.Details,
	})
}

type auditEntryResponse struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Channel   string         `json:"channel,omitempty"`
	TrackID   string         `json:"track_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleAudit lists recorded engine actions, newest first.
func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_unavailable")
		return
	}

	filters := audit.QueryFilters{Limit: 100}
	q := r.URL.Query()

	if action := q.Get("action"); action != "" {
		act := models.AuditAction(action)
		filters.Action = &act
	}
	if channel := q.Get("channel"); channel != "" {
		filters.Channel = &channel
	}
	if trackID := q.Get("track_id"); trackID != "" {
		filters.TrackID = &trackID
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filters.StartTime = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filters.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			filters.Offset = n
		}
	}

	entries, total, err := a.audit.Query(r.Context(), filters)
	if err != nil {
		a.logger.Error().Err(err).Msg("audit query failed")
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}

	views := make([]auditEntryResponse, len(entries))
	for i, entry := range entries {
		views[i] = auditEntryResponse{
			ID:        entry.ID,
			Timestamp: entry.Timestamp,
			Action:    string(entry.Action),
			Channel:   entry.Channel,
			TrackID:   entry.TrackID,
			Details:   entry.Details,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"total":   total,
	})
}

// handleOrphanScan reports media blobs the catalog no longer references.
// Filesystem storage only; the scanner is nil on object storage.
func (a *API) handleOrphanScan(w http.ResponseWriter, r *http.Request) {
	if a.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "orphan_scan_unavailable")
		return
	}

	result, err := a.scanner.Scan(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("orphan scan failed")
		writeError(w, http.StatusInternalServerError, "scan_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_files": result.TotalFiles,
		"orphans":     result.Orphans,
		"orphan_size": result.OrphanSize,
		"errors":      result.Errors,
		"duration_ms": result.Duration.Milliseconds(),
	})
}
