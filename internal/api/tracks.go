/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/friendsincode/bragi/internal/auth"
	"github.com/friendsincode/bragi/internal/models"
	"github.com/friendsincode/bragi/internal/reconciler"
)

type trackResponse struct {
	ID              string     `json:"id"`
	Artist          string     `json:"artist"`
	Title           string     `json:"title"`
	Format          string     `json:"format"`
	DurationSeconds float64    `json:"duration_seconds"`
	Uploader        string     `json:"uploader"`
	Channels        []string   `json:"channels"`
	PlayCount       int64      `json:"play_count"`
	LikeCount       int64      `json:"like_count"`
	LastPlayedAt    *time.Time `json:"last_played_at"`
	UploadedAt      time.Time  `json:"uploaded_at"`
	URL             string     `json:"url,omitempty"`
}

type trackUpdateRequest struct {
	Artist   *string  `json:"artist"`
	Title    *string  `json:"title"`
	Channels []string `json:"channels"`
}

func (a *API) trackView(track models.Track) trackResponse {
	view := trackResponse{
		ID:              track.ID,
		Artist:          track.Artist,
		Title:           track.Title,
		Format:          track.Format,
		DurationSeconds: track.DurationSeconds,
		Uploader:        track.Uploader,
		Channels:        track.ChannelNames(),
		PlayCount:       track.PlayCount,
		LikeCount:       track.LikeCount,
		LastPlayedAt:    track.LastPlayedAt,
		UploadedAt:      track.UploadedAt,
	}
	if track.Location != "" {
		view.URL = a.media.URL(track.Location)
	}
	return view
}

// handleTracksList searches the catalog. Reserved tracks are filtered
// out: to the public they are already gone.
func (a *API) handleTracksList(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")

	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			page = n
		}
	}
	limit := 30
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	ctx := r.Context()
	tracks, err := a.catalog.Search(ctx, keyword, page*limit, limit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	pending, err := a.store.PendingRemoval(ctx)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	reserved := make(map[string]struct{}, len(pending))
	for _, id := range pending {
		reserved[id] = struct{}{}
	}

	views := make([]trackResponse, 0, len(tracks))
	for _, track := range tracks {
		if _, ok := reserved[track.ID]; ok {
			continue
		}
		views = append(views, a.trackView(track))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": views})
}

func (a *API) handleTrackGet(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")
	ctx := r.Context()

	track, err := a.catalog.GetByID(ctx, trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	reserved, err := a.reconciler.IsPendingRemoval(ctx, trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if reserved {
		writeError(w, http.StatusConflict, "reserved_pending_remove")
		return
	}

	writeJSON(w, http.StatusOK, a.trackView(track))
}

func (a *API) handleTrackUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := r.ParseMultipartForm(128 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_multipart")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file_required")
		return
	}
	defer file.Close()

	extension := strings.ToLower(filepath.Ext(header.Filename))
	if extension == "" {
		writeError(w, http.StatusBadRequest, "missing_extension")
		return
	}

	channels := parseChannelList(r.Form["channels"])
	if len(channels) == 0 {
		writeError(w, http.StatusBadRequest, "channels_required")
		return
	}
	for _, channel := range channels {
		if !a.cfg.HasChannel(channel) {
			writeError(w, http.StatusBadRequest, "invalid_channel")
			return
		}
	}

	artist := r.FormValue("artist")
	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(header.Filename, extension)
	}

	var duration float64
	if raw := r.FormValue("duration_seconds"); raw != "" {
		duration, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_duration")
			return
		}
	}

	ctx := r.Context()
	trackID := uuid.NewString()

	storedPath, err := a.media.Store(ctx, channels[0], trackID, extension, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "media_store_failed")
		return
	}
	success := false
	defer func() {
		if !success && storedPath != "" {
			_ = a.media.Delete(ctx, storedPath)
		}
	}()

	links := make([]models.TrackChannel, 0, len(channels))
	for _, channel := range channels {
		links = append(links, models.TrackChannel{TrackID: trackID, Channel: channel})
	}
	track := models.Track{
		ID:              trackID,
		Location:        storedPath,
		Artist:          artist,
		Title:           title,
		Format:          strings.TrimPrefix(extension, "."),
		DurationSeconds: duration,
		Uploader:        claims.Name,
		Channels:        links,
		UploadedAt:      time.Now().UTC(),
	}
	if track.Uploader == "" {
		track.Uploader = claims.UserID
	}

	if err := a.catalog.Create(ctx, &track); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	success = true
	writeJSON(w, http.StatusCreated, a.trackView(track))
}

func (a *API) handleTrackUpdate(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")

	var req trackUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	ctx := r.Context()
	track, err := a.catalog.GetByID(ctx, trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	reserved, err := a.reconciler.IsPendingRemoval(ctx, trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if reserved {
		writeError(w, http.StatusConflict, "reserved_pending_remove")
		return
	}

	// Partial update: absent fields keep their current value.
	artist := track.Artist
	if req.Artist != nil {
		artist = *req.Artist
	}
	title := track.Title
	if req.Title != nil {
		title = *req.Title
	}
	if req.Channels != nil {
		if len(req.Channels) == 0 {
			writeError(w, http.StatusBadRequest, "channels_required")
			return
		}
		for _, channel := range req.Channels {
			if !a.cfg.HasChannel(channel) {
				writeError(w, http.StatusBadRequest, "invalid_channel")
				return
			}
		}
	}

	updated, err := a.catalog.UpdateMetadata(ctx, trackID, artist, title, req.Channels)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.trackView(updated))
}

// handleTrackDelete purges an idle track immediately; an airing track
// is reserved and purged on the next reconcile.
func (a *API) handleTrackDelete(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")

	outcome, err := a.reconciler.RequestDelete(r.Context(), trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	switch outcome {
	case reconciler.OutcomeDeleted:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case reconciler.OutcomeReserved:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reserved"})
	case reconciler.OutcomeAlreadyReserved:
		writeError(w, http.StatusConflict, "already_reserved")
	default:
		a.logger.Error().Str("outcome", string(outcome)).Msg("unknown delete outcome")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (a *API) handleTrackLike(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")
	ctx := r.Context()

	reserved, err := a.reconciler.IsPendingRemoval(ctx, trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if reserved {
		writeError(w, http.StatusConflict, "reserved_pending_remove")
		return
	}

	count, err := a.catalog.IncrementLike(ctx, trackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"track_id":   trackID,
		"like_count": count,
	})
}

// parseChannelList flattens repeated form values and comma-separated
// entries into one channel list.
func parseChannelList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			channel := strings.TrimSpace(part)
			if channel == "" {
				continue
			}
			if _, dup := seen[channel]; dup {
				continue
			}
			seen[channel] = struct{}{}
			out = append(out, channel)
		}
	}
	return out
}
