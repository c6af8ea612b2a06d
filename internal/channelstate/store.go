/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package channelstate owns the shared per-channel playback documents and the
// global pending-removal record in Redis. Unlike a cache, this store is
// authoritative: an unreachable Redis is surfaced as ErrUnavailable, never
// papered over with defaults.
package channelstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout in Redis.
const (
	KeyChannelPrefix  = "bragi:channel:" // + channel name
	KeyPendingRemoval = "bragi:pending_remove"
)

// ErrUnavailable marks a store round-trip that failed because Redis was
// unreachable. Callers must treat it as fatal to the operation.
var ErrUnavailable = errors.New("channel state store unavailable")

// Entry is a denormalized track snapshot queued on a channel. Catalog edits
// after queueing do not retroactively change an entry.
type Entry struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Artist   string `json:"artist"`
	Title    string `json:"title"`
}

// ChannelState is the per-channel document: what is airing and what is
// queued. A nil NowPlaying means the channel is idle.
type ChannelState struct {
	NowPlaying *Entry  `json:"now_playing"`
	Playlist   []Entry `json:"playlist"`
}

type pendingRemovalDoc struct {
	List []string `json:"list"`
}

// Config contains store configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Store provides serialized read-modify-write access to channel documents.
// All in-process mutations of one channel run under that channel's mutex, so
// concurrent mutators cannot lose each other's updates.
type Store struct {
	client *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New connects to Redis and verifies it is reachable. The store refuses to
// start degraded; channel documents have no other home.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.RedisAddr, ErrUnavailable)
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("channel state store initialized")

	return &Store{
		client: client,
		logger: logger.With().Str("component", "channelstate").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With().Str("component", "channelstate").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reports store reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", ErrUnavailable)
	}
	return nil
}

// lockFor returns the mutex serializing mutations of one key.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get returns the channel document, lazily creating and persisting the
// default {null, []} exactly once on genuine first access. A missing key is
// not an error; an unreachable store is.
func (s *Store) Get(ctx context.Context, channel string) (ChannelState, error) {
	key := KeyChannelPrefix + channel

	state, found, err := s.read(ctx, key)
	if err != nil {
		return ChannelState{}, err
	}
	if found {
		return state, nil
	}

	return s.initDefault(ctx, channel)
}

// initDefault persists the default document with SET NX so two racing first
// readers cannot both write it, then re-reads whichever copy won.
func (s *Store) initDefault(ctx context.Context, channel string) (ChannelState, error) {
	key := KeyChannelPrefix + channel
	def := ChannelState{Playlist: []Entry{}}

	raw, err := json.Marshal(def)
	if err != nil {
		return ChannelState{}, fmt.Errorf("encode default channel state: %w", err)
	}

	created, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("channel", channel).Msg("init channel state failed")
		return ChannelState{}, fmt.Errorf("init channel state %q: %w", channel, ErrUnavailable)
	}
	if created {
		s.logger.Info().Str("channel", channel).Msg("initialized channel state")
		return def, nil
	}

	state, found, err := s.read(ctx, key)
	if err != nil {
		return ChannelState{}, err
	}
	if !found {
		return ChannelState{}, fmt.Errorf("read channel state %q after init: %w", channel, ErrUnavailable)
	}
	return state, nil
}

// Update applies fn to the channel document under the channel's mutex and
// persists the result. It returns the state as written.
func (s *Store) Update(ctx context.Context, channel string, fn func(*ChannelState) error) (ChannelState, error) {
	key := KeyChannelPrefix + channel

	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	state, found, err := s.read(ctx, key)
	if err != nil {
		return ChannelState{}, err
	}
	if !found {
		state = ChannelState{Playlist: []Entry{}}
	}

	if err := fn(&state); err != nil {
		return ChannelState{}, err
	}

	if err := s.write(ctx, key, &state); err != nil {
		return ChannelState{}, err
	}
	return state, nil
}

// SetNowPlaying replaces the now_playing field, keeping the playlist as is.
func (s *Store) SetNowPlaying(ctx context.Context, channel string, entry *Entry) error {
	_, err := s.Update(ctx, channel, func(state *ChannelState) error {
		state.NowPlaying = entry
		return nil
	})
	return err
}

// SetPlaylist replaces the playlist field, keeping now_playing as is.
func (s *Store) SetPlaylist(ctx context.Context, channel string, playlist []Entry) error {
	_, err := s.Update(ctx, channel, func(state *ChannelState) error {
		state.Playlist = playlist
		return nil
	})
	return err
}

// PendingRemoval returns the global deferred-deletion list, initializing the
// record on first access.
func (s *Store) PendingRemoval(ctx context.Context) ([]string, error) {
	var doc pendingRemovalDoc
	found, err := s.readDoc(ctx, KeyPendingRemoval, &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		raw, err := json.Marshal(pendingRemovalDoc{List: []string{}})
		if err != nil {
			return nil, fmt.Errorf("encode pending removal: %w", err)
		}
		if err := s.client.SetNX(ctx, KeyPendingRemoval, raw, 0).Err(); err != nil {
			return nil, fmt.Errorf("init pending removal: %w", ErrUnavailable)
		}
		return []string{}, nil
	}
	if doc.List == nil {
		doc.List = []string{}
	}
	return doc.List, nil
}

// UpdatePendingRemoval applies fn to the pending-removal list under the
// global record's mutex and persists the result.
func (s *Store) UpdatePendingRemoval(ctx context.Context, fn func([]string) ([]string, error)) ([]string, error) {
	lock := s.lockFor(KeyPendingRemoval)
	lock.Lock()
	defer lock.Unlock()

	var doc pendingRemovalDoc
	found, err := s.readDoc(ctx, KeyPendingRemoval, &doc)
	if err != nil {
		return nil, err
	}
	if !found || doc.List == nil {
		doc.List = []string{}
	}

	list, err := fn(doc.List)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}

	raw, err := json.Marshal(pendingRemovalDoc{List: list})
	if err != nil {
		return nil, fmt.Errorf("encode pending removal: %w", err)
	}
	if err := s.client.Set(ctx, KeyPendingRemoval, raw, 0).Err(); err != nil {
		s.logger.Error().Err(err).Msg("write pending removal failed")
		return nil, fmt.Errorf("write pending removal: %w", ErrUnavailable)
	}
	return list, nil
}

// SetPendingRemoval replaces the pending-removal list.
func (s *Store) SetPendingRemoval(ctx context.Context, list []string) error {
	_, err := s.UpdatePendingRemoval(ctx, func([]string) ([]string, error) {
		return list, nil
	})
	return err
}

func (s *Store) read(ctx context.Context, key string) (ChannelState, bool, error) {
	var state ChannelState
	found, err := s.readDoc(ctx, key, &state)
	if err != nil {
		return ChannelState{}, false, err
	}
	if found && state.Playlist == nil {
		state.Playlist = []Entry{}
	}
	return state, found, nil
}

func (s *Store) readDoc(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("store read failed")
		return false, fmt.Errorf("read %s: %w", key, ErrUnavailable)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) write(ctx context.Context, key string, state *ChannelState) error {
	if state.Playlist == nil {
		state.Playlist = []Entry{}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("store write failed")
		return fmt.Errorf("write %s: %w", key, ErrUnavailable)
	}
	return nil
}
