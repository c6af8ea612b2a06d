/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/friendsincode/bragi/internal/catalog"
	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/events"
)

type callbackRequest struct {
	Channel string `json:"channel"`
	TrackID string `json:"track_id"`
	Artist  string `json:"artist"`
	Title   string `json:"title"`
}

func (a *API) decodeCallback(w http.ResponseWriter, r *http.Request) (callbackRequest, bool) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return callbackRequest{}, false
	}
	if !a.cfg.HasChannel(req.Channel) {
		writeError(w, http.StatusBadRequest, "invalid_channel")
		return callbackRequest{}, false
	}
	return req, true
}

// handleCallbackStartup seeds the channel's playlist when the daemon
// boots. An existing playlist is returned untouched so a daemon
// restart never discards queued state.
func (a *API) handleCallbackStartup(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCallback(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	state, err := a.store.Get(ctx, req.Channel)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	playlist := state.Playlist
	if len(playlist) == 0 {
		tracks, err := a.selector.SelectRandomTracks(ctx, req.Channel, a.cfg.RotationSampleSize)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		playlist = make([]channelstate.Entry, 0, len(tracks))
		for _, track := range tracks {
			playlist = append(playlist, catalog.Snapshot(track, a.cfg.MediaLocationPrefix))
		}
		if err := a.queue.Replace(ctx, req.Channel, playlist); err != nil {
			a.writeDomainError(w, err)
			return
		}
		a.logger.Info().Str("channel", req.Channel).Int("tracks", len(playlist)).Msg("startup seeded playlist")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  req.Channel,
		"playlist": playlist,
	})
}

// handleCallbackPlay records the airing and makes the track the
// channel's now_playing entry. The matching queue entry is popped
// without notifying the daemon, which already consumed it.
func (a *API) handleCallbackPlay(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCallback(w, r)
	if !ok {
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

	// History snapshots what actually aired; the daemon's metadata wins
	// over the catalog row when provided.
	artist := req.Artist
	if artist == "" {
		artist = track.Artist
	}
	title := req.Title
	if title == "" {
		title = track.Title
	}
	if err := a.catalog.RecordPlay(ctx, req.Channel, track.ID, artist, title, time.Now().UTC()); err != nil {
		a.writeDomainError(w, err)
		return
	}

	_, err = a.store.Update(ctx, req.Channel, func(state *channelstate.ChannelState) error {
		nowPlaying := catalog.Snapshot(track, a.cfg.MediaLocationPrefix)
		for i, entry := range state.Playlist {
			if entry.ID != track.ID {
				continue
			}
			nowPlaying = entry
			state.Playlist = append(state.Playlist[:i], state.Playlist[i+1:]...)
			break
		}
		state.NowPlaying = &nowPlaying
		return nil
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	a.publish(events.EventPlaybackStarted, events.Payload{
		"channel":  req.Channel,
		"track_id": track.ID,
		"artist":   artist,
		"title":    title,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCallbackStop clears now_playing, drains deferred deletions, and
// tops the queue back up with one rotation pick.
func (a *API) handleCallbackStop(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeCallback(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	var stopped string
	_, err := a.store.Update(ctx, req.Channel, func(state *channelstate.ChannelState) error {
		if state.NowPlaying != nil {
			stopped = state.NowPlaying.ID
		}
		state.NowPlaying = nil
		return nil
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	// The airing track just stopped, so any reservation on it is now
	// safe to act on.
	if _, err := a.reconciler.ReconcilePending(ctx, "stop"); err != nil {
		a.writeDomainError(w, err)
		return
	}

	var appended *channelstate.Entry
	tracks, err := a.selector.SelectRandomTracks(ctx, req.Channel, 1)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if len(tracks) > 0 {
		entry := catalog.Snapshot(tracks[0], a.cfg.MediaLocationPrefix)
		if err := a.queue.Append(ctx, req.Channel, entry); err != nil {
			a.writeDomainError(w, err)
			return
		}
		appended = &entry
	}

	a.publish(events.EventPlaybackStopped, events.Payload{
		"channel":  req.Channel,
		"track_id": stopped,
	})
	writeJSON(w, http.StatusOK, map[string]any{"appended": appended})
}

func (a *API) publish(eventType events.EventType, payload events.Payload) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventType, payload)
}
