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

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
)

type channelSummary struct {
	Name        string              `json:"name"`
	NowPlaying  *channelstate.Entry `json:"now_playing"`
	QueueLength int                 `json:"queue_length"`
}

type queueInRequest struct {
	TrackID string `json:"track_id"`
	Index   int    `json:"index"`
}

type queueMoveRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type historyEntry struct {
	TrackID  string    `json:"track_id"`
	Artist   string    `json:"artist"`
	Title    string    `json:"title"`
	PlayedAt time.Time `json:"played_at"`
}

func (a *API) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summaries := make([]channelSummary, 0, len(a.cfg.Channels))
	for _, channel := range a.cfg.Channels {
		state, err := a.store.Get(ctx, channel)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		summaries = append(summaries, channelSummary{
			Name:        channel,
			NowPlaying:  state.NowPlaying,
			QueueLength: len(state.Playlist),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"channels": summaries})
}

func (a *API) handleChannelState(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	state, err := a.store.Get(r.Context(), channel)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	state, err := a.store.Get(r.Context(), channel)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"now_playing": state.NowPlaying})
}

func (a *API) handleQueueList(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	state, err := a.store.Get(r.Context(), channel)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playlist": state.Playlist})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rows, err := a.catalog.HistoryByChannel(r.Context(), channel, limit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	history := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		history = append(history, historyEntry{
			TrackID:  row.TrackID,
			Artist:   row.Artist,
			Title:    row.Title,
			PlayedAt: row.PlayedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// handleQueueIn inserts a catalog track into the playlist. Reserved
// tracks are on their way out and cannot be queued again.
func (a *API) handleQueueIn(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	var req queueInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TrackID == "" {
		writeError(w, http.StatusBadRequest, "missing_track_id")
		return
	}

	ctx := r.Context()
	track, err := a.catalog.GetByID(ctx, req.TrackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	reserved, err := a.reconciler.IsPendingRemoval(ctx, req.TrackID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if reserved {
		writeError(w, http.StatusConflict, "reserved_pending_remove")
		return
	}

	entry := catalog.Snapshot(track, a.cfg.MediaLocationPrefix)
	if err := a.queue.EnqueueAt(ctx, channel, req.Index, entry); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "queued"})
}

func (a *API) handleQueueMove(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	var req queueMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := a.queue.Move(r.Context(), channel, req.From, req.To); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "moved"})
}

func (a *API) handleQueueOut(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index")
		return
	}

	if err := a.queue.RemoveAt(r.Context(), channel, index); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "removed"})
}

// handleQueueReset discards the playlist and rebuilds it from rotation.
func (a *API) handleQueueReset(w http.ResponseWriter, r *http.Request) {
	channel, ok := a.channelFromRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	tracks, err := a.selector.SelectRandomTracks(ctx, channel, a.cfg.RotationSampleSize)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	playlist := make([]channelstate.Entry, 0, len(tracks))
	for _, track := range tracks {
		playlist = append(playlist, catalog.Snapshot(track, a.cfg.MediaLocationPrefix))
	}
	if err := a.queue.Replace(ctx, channel, playlist); err != nil {
		a.writeDomainError(w, err)
		return
	}

	a.logger.Info().Str("channel", channel).Int("tracks", len(playlist)).Msg("queue reset")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"channel":  channel,
		"playlist": playlist,
	})
}
