/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL (e.g., http://192.168.195.6:8080)
	DBBackend   DatabaseBackend
	DBDSN       string

	// Shared channel state store (Redis).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Channels are static configuration: a channel exists if and only if it
	// is listed here. Loaded from BRAGI_CHANNELS (comma separated) or, when
	// set, from the YAML file at BRAGI_CHANNELS_FILE (which wins).
	Channels     []string
	ChannelsFile string

	// Playback daemon callback target.
	DaemonURL          string
	DaemonTimeout      time.Duration
	DaemonRetries      int
	DaemonRetryBackoff time.Duration

	// Rotation policy.
	RotationSampleSize int
	NoRepeatWindow     time.Duration
	RecencyWindow      time.Duration

	// Deletion reconciliation. Zero disables the background pass; the
	// on-stop callback still reconciles opportunistically.
	ReconcileInterval time.Duration

	// Media storage.
	MediaRoot           string
	MediaLocationPrefix string // prefix prepended to stored paths in daemon payloads

	// S3 Object Storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3PublicBaseURL   string // Optional CDN or proxy base for object URLs
	S3UsePathStyle    bool   // Required for MinIO

	JWTSigningKey string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Optional NATS fan-out of engine events. Empty URL disables it.
	NATSURL           string
	NATSSubjectPrefix string

	InstanceID        string
	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"BRAGI_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"BRAGI_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"BRAGI_HTTP_PORT"}, 8080),
		BaseURL:     getEnvAny([]string{"BRAGI_BASE_URL"}, ""),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"BRAGI_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:       getEnvAny([]string{"BRAGI_DB_DSN"}, ""),

		RedisAddr:     getEnvAny([]string{"BRAGI_REDIS_ADDR", "REDIS_URL"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"BRAGI_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"BRAGI_REDIS_DB", "REDIS_DB"}, 0),

		Channels:     splitList(getEnvAny([]string{"BRAGI_CHANNELS"}, "trance")),
		ChannelsFile: getEnvAny([]string{"BRAGI_CHANNELS_FILE"}, ""),

		DaemonURL:          getEnvAny([]string{"BRAGI_DAEMON_URL", "MUSICDAEMON_URL"}, ""),
		DaemonTimeout:      getEnvDurationAny([]string{"BRAGI_DAEMON_TIMEOUT"}, 10*time.Second),
		DaemonRetries:      getEnvIntAny([]string{"BRAGI_DAEMON_RETRIES"}, 3),
		DaemonRetryBackoff: getEnvDurationAny([]string{"BRAGI_DAEMON_RETRY_BACKOFF"}, 2*time.Second),

		RotationSampleSize: getEnvIntAny([]string{"BRAGI_ROTATION_SAMPLE_SIZE"}, 21),
		NoRepeatWindow:     getEnvDurationAny([]string{"BRAGI_NO_REPEAT_WINDOW"}, 3*time.Hour),
		RecencyWindow:      getEnvDurationAny([]string{"BRAGI_RECENCY_WINDOW"}, 10*time.Minute),

		ReconcileInterval: getEnvDurationAny([]string{"BRAGI_RECONCILE_INTERVAL"}, 0),

		MediaRoot:           getEnvAny([]string{"BRAGI_MEDIA_ROOT"}, "./media"),
		MediaLocationPrefix: getEnvAny([]string{"BRAGI_MEDIA_LOCATION_PREFIX"}, "/srv/media"),

		// S3 Object Storage configuration
		S3AccessKeyID:     getEnvAny([]string{"BRAGI_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"BRAGI_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"BRAGI_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"BRAGI_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"BRAGI_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL:   getEnvAny([]string{"BRAGI_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"BRAGI_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		JWTSigningKey: getEnvAny([]string{"BRAGI_JWT_SIGNING_KEY"}, ""),

		// Tracing configuration
		TracingEnabled:    getEnvBoolAny([]string{"BRAGI_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"BRAGI_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"BRAGI_TRACING_SAMPLE_RATE"}, 1.0),

		NATSURL:           getEnvAny([]string{"BRAGI_NATS_URL"}, ""),
		NATSSubjectPrefix: getEnvAny([]string{"BRAGI_NATS_SUBJECT_PREFIX"}, "bragi.events"),

		InstanceID: getEnvAny([]string{"BRAGI_INSTANCE_ID"}, ""),
	}

	if cfg.ChannelsFile != "" {
		channels, err := loadChannelsFile(cfg.ChannelsFile)
		if err != nil {
			return nil, fmt.Errorf("load channels file: %w", err)
		}
		cfg.Channels = channels
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("BRAGI_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("BRAGI_JWT_SIGNING_KEY must be provided")
	}

	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel must be configured via BRAGI_CHANNELS or BRAGI_CHANNELS_FILE")
	}

	if cfg.RotationSampleSize <= 0 {
		return nil, fmt.Errorf("BRAGI_ROTATION_SAMPLE_SIZE must be positive")
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.DaemonURL == "" {
		return nil, fmt.Errorf("BRAGI_DAEMON_URL must be provided in production")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// HasChannel reports whether name is a configured channel.
func (c *Config) HasChannel(name string) bool {
	for _, ch := range c.Channels {
		if ch == name {
			return true
		}
	}
	return false
}

type channelsFile struct {
	Channels []string `yaml:"channels"`
}

func loadChannelsFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var parsed channelsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	channels := make([]string, 0, len(parsed.Channels))
	for _, ch := range parsed.Channels {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"REDIS_URL":       "use BRAGI_REDIS_ADDR",
		"REDIS_PORT":      "fold the port into BRAGI_REDIS_ADDR (host:port)",
		"REDIS_DB":        "use BRAGI_REDIS_DB",
		"MUSICDAEMON_URL": "use BRAGI_DAEMON_URL",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny returns the first parseable duration environment variable value from keys, or def.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
		}
	}
	return def
}
