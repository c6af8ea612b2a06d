/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects one engine instance to run singleton
// background work. All instances share the channel state store, so
// without a leader every replica would run the interval reconciler
// against the same pending-removal list.
package leadership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi/internal/telemetry"
)

const (
	defaultElectionKey = "bragi:leader:reconciler"

	// The leader must renew before the lease expires; followers retry
	// faster than the lease so a dead leader is replaced within one
	// lease duration.
	defaultLeaseDuration = 15 * time.Second
	defaultRetryInterval = 2 * time.Second
)

// Config configures an election.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey is the Redis key holding the current leader's ID.
	ElectionKey string
	// LeaseDuration is how long a held lease stays valid without renewal.
	LeaseDuration time.Duration
	// RetryInterval is how often instances try to acquire or renew.
	RetryInterval time.Duration
	// InstanceID identifies this instance; generated when empty.
	InstanceID string
}

// Election campaigns for the reconciler lease in Redis.
type Election struct {
	client     *redis.Client
	logger     zerolog.Logger
	cfg        Config
	instanceID string

	mu       sync.Mutex
	isLeader bool

	cancel   context.CancelFunc
	leaderCh chan bool
}

// NewElection connects to Redis and prepares an election. Start begins
// campaigning.
func NewElection(cfg Config, logger zerolog.Logger) (*Election, error) {
	if cfg.ElectionKey == "" {
		cfg.ElectionKey = defaultElectionKey
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Election{
		client:     client,
		logger:     logger.With().Str("component", "leadership").Logger(),
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		leaderCh:   make(chan bool, 1),
	}, nil
}

// Start begins campaigning in the background. The first attempt happens
// immediately so a single instance leads without waiting a retry interval.
func (e *Election) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info().
		Str("instance_id", e.instanceID).
		Dur("lease", e.cfg.LeaseDuration).
		Msg("starting leader election")

	go e.campaign(ctx)
}

// Stop ends the campaign, releases a held lease, and closes the Redis
// connection.
func (e *Election) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	if e.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.releaseLease(ctx); err != nil {
			e.logger.Error().Err(err).Msg("failed to release lease")
		}
		e.setLeader(false)
	}

	return e.client.Close()
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// LeaderCh delivers leadership changes. The channel holds one pending
// transition; intermediate flaps may be dropped but the latest state is
// always delivered.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// CurrentLeader returns the instance ID holding the lease, or empty when
// no one leads.
func (e *Election) CurrentLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.cfg.ElectionKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

func (e *Election) campaign(ctx context.Context) {
	e.attempt(ctx)

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Election) attempt(ctx context.Context) {
	held, err := e.acquireOrRenew(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("lease attempt failed")
		e.setLeader(false)
		return
	}
	e.setLeader(held)
}

// acquireOrRenew takes the lease when free and renews it when already
// held by this instance.
func (e *Election) acquireOrRenew(ctx context.Context) (bool, error) {
	acquired, err := e.client.SetNX(ctx, e.cfg.ElectionKey, e.instanceID, e.cfg.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if acquired {
		return true, nil
	}

	holder, err := e.client.Get(ctx, e.cfg.ElectionKey).Result()
	if err == redis.Nil {
		// Lease expired between the SetNX and the Get; next attempt
		// races for it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease holder: %w", err)
	}

	if holder != e.instanceID {
		return false, nil
	}

	if err := e.client.Expire(ctx, e.cfg.ElectionKey, e.cfg.LeaseDuration).Err(); err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

// releaseLease deletes the lease only while this instance still owns it.
func (e *Election) releaseLease(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := e.client.Eval(ctx, script, []string{e.cfg.ElectionKey}, e.instanceID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	e.logger.Info().Str("instance_id", e.instanceID).Msg("lease released")
	return nil
}

func (e *Election) setLeader(isLeader bool) {
	e.mu.Lock()
	changed := e.isLeader != isLeader
	e.isLeader = isLeader
	e.mu.Unlock()
	if !changed {
		return
	}

	if isLeader {
		e.logger.Info().Str("instance_id", e.instanceID).Msg("acquired leadership")
		telemetry.LeaderStatus.WithLabelValues(e.instanceID).Set(1)
		telemetry.LeaderTransitionsTotal.WithLabelValues(e.instanceID, "acquired").Inc()
	} else {
		e.logger.Warn().Str("instance_id", e.instanceID).Msg("lost leadership")
		telemetry.LeaderStatus.WithLabelValues(e.instanceID).Set(0)
		telemetry.LeaderTransitionsTotal.WithLabelValues(e.instanceID, "lost").Inc()
	}

	// Collapse unread transitions so the watcher always sees the latest
	// state.
	select {
	case e.leaderCh <- isLeader:
	default:
		select {
		case <-e.leaderCh:
		default:
		}
		select {
		case e.leaderCh <- isLeader:
		default:
		}
	}
}
