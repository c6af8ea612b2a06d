/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/channelstate"
	"github.com/friendsincode/bragi/internal/events"
	"github.com/friendsincode/bragi/internal/telemetry"
)

// Daemon commands carried on queue-change events. The notifier forwards them
// verbatim to the playback daemon.
const (
	CommandSetlist = "setlist"
	CommandUnqueue = "unqueue"
)

// ErrIndexOutOfRange marks a playlist mutation whose index falls outside the
// current sequence. The index came from the caller, so this is a validation
// failure and is never retried.
var ErrIndexOutOfRange = errors.New("queue index out of range")

// Mutator applies index-based edits to channel playlists. Every mutation runs
// as a serialized read-modify-write against the channel state store; once the
// new sequence is persisted a queue-change event goes out on the bus.
// Delivery to the daemon is the notifier's problem and never rolls back a
// persisted edit.
type Mutator struct {
	store  *channelstate.Store
	bus    *events.Bus
	logger zerolog.Logger
}

// NewMutator creates a queue mutator.
func NewMutator(store *channelstate.Store, bus *events.Bus, logger zerolog.Logger) *Mutator {
	return &Mutator{
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// EnqueueAt inserts entry at index. Out-of-range indices clamp to the nearest
// end of the playlist, so negative means front and past-the-end means append.
func (m *Mutator) EnqueueAt(ctx context.Context, channel string, index int, entry channelstate.Entry) error {
	state, err := m.store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
		if index < 0 {
			index = 0
		}
		if index > len(state.Playlist) {
			index = len(state.Playlist)
		}
		state.Playlist = insertAt(state.Playlist, index, entry)
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.QueueMutationsTotal.WithLabelValues("enqueue").Inc()
	m.logger.Debug().
		Str("channel", channel).
		Str("track_id", entry.ID).
		Int("index", index).
		Msg("track enqueued")

	m.publishSetlist(channel, state.Playlist)
	return nil
}

// Append adds entry to the end of the playlist.
func (m *Mutator) Append(ctx context.Context, channel string, entry channelstate.Entry) error {
	state, err := m.store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
		state.Playlist = append(state.Playlist, entry)
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.QueueMutationsTotal.WithLabelValues("append").Inc()
	m.logger.Debug().
		Str("channel", channel).
		Str("track_id", entry.ID).
		Msg("track appended")

	m.publishSetlist(channel, state.Playlist)
	return nil
}

// Move removes the entry at from and reinserts it at to, where to addresses
// the already-shortened sequence. Either index out of bounds fails the whole
// operation and nothing is persisted.
func (m *Mutator) Move(ctx context.Context, channel string, from, to int) error {
	state, err := m.store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
		if from < 0 || from >= len(state.Playlist) {
			return fmt.Errorf("move from %d (len %d): %w", from, len(state.Playlist), ErrIndexOutOfRange)
		}
		entry := state.Playlist[from]
		shortened := removeAt(state.Playlist, from)
		if to < 0 || to > len(shortened) {
			return fmt.Errorf("move to %d (len %d): %w", to, len(shortened), ErrIndexOutOfRange)
		}
		state.Playlist = insertAt(shortened, to, entry)
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.QueueMutationsTotal.WithLabelValues("move").Inc()
	m.logger.Debug().
		Str("channel", channel).
		Int("from", from).
		Int("to", to).
		Msg("track moved")

	m.publishSetlist(channel, state.Playlist)
	return nil
}

// RemoveAt deletes the entry at index. Out of bounds fails; the daemon is
// told to unqueue the same index rather than being sent the full setlist.
func (m *Mutator) RemoveAt(ctx context.Context, channel string, index int) error {
	var removed channelstate.Entry
	_, err := m.store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
		if index < 0 || index >= len(state.Playlist) {
			return fmt.Errorf("remove at %d (len %d): %w", index, len(state.Playlist), ErrIndexOutOfRange)
		}
		removed = state.Playlist[index]
		state.Playlist = removeAt(state.Playlist, index)
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.QueueMutationsTotal.WithLabelValues("remove").Inc()
	m.logger.Debug().
		Str("channel", channel).
		Str("track_id", removed.ID).
		Int("index", index).
		Msg("track removed from queue")

	m.publish(channel, CommandUnqueue, map[string]any{"index_at": index})
	return nil
}

// Replace swaps the whole playlist for entries. Used by startup seeding and
// admin resets, where the daemon needs the complete new setlist anyway.
func (m *Mutator) Replace(ctx context.Context, channel string, entries []channelstate.Entry) error {
	if entries == nil {
		entries = []channelstate.Entry{}
	}
	state, err := m.store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
		state.Playlist = entries
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.QueueMutationsTotal.WithLabelValues("replace").Inc()
	m.logger.Info().
		Str("channel", channel).
		Int("count", len(entries)).
		Msg("playlist replaced")

	m.publishSetlist(channel, state.Playlist)
	return nil
}

// RemoveTrack filters every queued entry for trackID out of the channel's
// playlist. Reports whether the playlist changed; a no-op publishes nothing.
func (m *Mutator) RemoveTrack(ctx context.Context, channel, trackID string) (bool, error) {
	changed := false
	state, err := m.store.Update(ctx, channel, func(state *channelstate.ChannelState) error {
		filtered := make([]channelstate.Entry, 0, len(state.Playlist))
		for _, entry := range state.Playlist {
			if entry.ID == trackID {
				changed = true
				continue
			}
			filtered = append(filtered, entry)
		}
		state.Playlist = filtered
		return nil
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	telemetry.QueueMutationsTotal.WithLabelValues("filter").Inc()
	m.logger.Debug().
		Str("channel", channel).
		Str("track_id", trackID).
		Msg("track filtered from playlist")

	m.publishSetlist(channel, state.Playlist)
	return true, nil
}

func (m *Mutator) publishSetlist(channel string, playlist []channelstate.Entry) {
	m.publish(channel, CommandSetlist, playlist)
}

func (m *Mutator) publish(channel, command string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventQueueUpdated, events.Payload{
		"channel": channel,
		"command": command,
		"data":    data,
	})
}

func insertAt(playlist []channelstate.Entry, index int, entry channelstate.Entry) []channelstate.Entry {
	out := make([]channelstate.Entry, 0, len(playlist)+1)
	out = append(out, playlist[:index]...)
	out = append(out, entry)
	out = append(out, playlist[index:]...)
	return out
}

func removeAt(playlist []channelstate.Entry, index int) []channelstate.Entry {
	out := make([]channelstate.Entry, 0, len(playlist)-1)
	out = append(out, playlist[:index]...)
	out = append(out, playlist[index+1:]...)
	return out
}
