// Package config loads server settings from an optional TOML file overlaid
// by SWITCHBOARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTPAddr     string `toml:"http_addr"`     // SWITCHBOARD_HTTP_ADDR (default ":8080")
	GRPCAddr     string `toml:"grpc_addr"`     // SWITCHBOARD_GRPC_ADDR (default ":9090", health only)
	RedisURL     string `toml:"redis_url"`     // SWITCHBOARD_REDIS_URL (empty = in-memory stores)
	NATSURL      string `toml:"nats_url"`      // SWITCHBOARD_NATS_URL (empty = in-process fanout)
	DatabaseURL  string `toml:"database_url"`  // SWITCHBOARD_DATABASE_URL (empty = static directory)
	JWTSecret    string `toml:"jwt_secret"`    // SWITCHBOARD_JWT_SECRET (required)
	ServiceToken string `toml:"service_token"` // SWITCHBOARD_SERVICE_TOKEN (empty = no publish endpoint)
	LegacyFrames bool   `toml:"legacy_frames"` // SWITCHBOARD_LEGACY_FRAMES

	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // SWITCHBOARD_HEARTBEAT_INTERVAL (30s)
	SessionTTL        time.Duration `toml:"session_ttl"`        // SWITCHBOARD_SESSION_TTL (5m)
	LogCapacity       int           `toml:"log_capacity"`       // SWITCHBOARD_LOG_CAPACITY (500)
	LogMaxAge         time.Duration `toml:"log_max_age"`        // SWITCHBOARD_LOG_MAX_AGE (0 = none)
	ResyncLimit       int           `toml:"resync_limit"`       // SWITCHBOARD_RESYNC_LIMIT (200)
	IdempotencyTTL    time.Duration `toml:"idempotency_ttl"`    // SWITCHBOARD_IDEMPOTENCY_TTL (5m)
	PresenceWindow    time.Duration `toml:"presence_window"`    // SWITCHBOARD_PRESENCE_WINDOW (2s)
	TypingTimeout     time.Duration `toml:"typing_timeout"`     // SWITCHBOARD_TYPING_TIMEOUT (8s)
	SSEHeartbeat      time.Duration `toml:"sse_heartbeat"`      // SWITCHBOARD_SSE_HEARTBEAT (15s)

	// Archive settings
	ArchiveInterval   time.Duration `toml:"archive_interval"`    // SWITCHBOARD_ARCHIVE_INTERVAL (0 = disabled)
	ArchiveS3Bucket   string        `toml:"archive_s3_bucket"`   // SWITCHBOARD_ARCHIVE_S3_BUCKET
	ArchiveS3Endpoint string        `toml:"archive_s3_endpoint"` // SWITCHBOARD_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        `toml:"archive_s3_region"`   // SWITCHBOARD_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        `toml:"archive_s3_prefix"`   // SWITCHBOARD_ARCHIVE_S3_PREFIX (default "switchboard/log")

	// Members seeds the static directory when no database is configured.
	// File only.
	Members []Member `toml:"members"`
}

// Member is one [[members]] table.
type Member struct {
	UserID   string   `toml:"user_id"`
	Servers  []string `toml:"servers"`
	Channels []string `toml:"channels"`
	DMs      []string `toml:"dms"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		HeartbeatInterval: 30 * time.Second,
		SessionTTL:        5 * time.Minute,
		LogCapacity:       500,
		ResyncLimit:       200,
		IdempotencyTTL:    5 * time.Minute,
		PresenceWindow:    2 * time.Second,
		TypingTimeout:     8 * time.Second,
		SSEHeartbeat:      15 * time.Second,
		ArchiveS3Region:   "us-east-1",
		ArchiveS3Prefix:   "switchboard/log",
	}
}

// Load reads configuration from the environment only.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads path (when non-empty) as TOML over the defaults, then
// applies environment overrides.
func LoadFile(path string) (*Config, error) {
	c := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c.HTTPAddr = envOrDefault("SWITCHBOARD_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("SWITCHBOARD_GRPC_ADDR", c.GRPCAddr)
	c.RedisURL = envOrDefault("SWITCHBOARD_REDIS_URL", c.RedisURL)
	c.NATSURL = envOrDefault("SWITCHBOARD_NATS_URL", c.NATSURL)
	c.DatabaseURL = envOrDefault("SWITCHBOARD_DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = envOrDefault("SWITCHBOARD_JWT_SECRET", c.JWTSecret)
	c.ServiceToken = envOrDefault("SWITCHBOARD_SERVICE_TOKEN", c.ServiceToken)
	c.ArchiveS3Bucket = envOrDefault("SWITCHBOARD_ARCHIVE_S3_BUCKET", c.ArchiveS3Bucket)
	c.ArchiveS3Endpoint = envOrDefault("SWITCHBOARD_ARCHIVE_S3_ENDPOINT", c.ArchiveS3Endpoint)
	c.ArchiveS3Region = envOrDefault("SWITCHBOARD_ARCHIVE_S3_REGION", c.ArchiveS3Region)
	c.ArchiveS3Prefix = envOrDefault("SWITCHBOARD_ARCHIVE_S3_PREFIX", c.ArchiveS3Prefix)

	if v := os.Getenv("SWITCHBOARD_LEGACY_FRAMES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("SWITCHBOARD_LEGACY_FRAMES: %w", err)
		}
		c.LegacyFrames = b
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"SWITCHBOARD_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"SWITCHBOARD_SESSION_TTL", &c.SessionTTL},
		{"SWITCHBOARD_LOG_MAX_AGE", &c.LogMaxAge},
		{"SWITCHBOARD_IDEMPOTENCY_TTL", &c.IdempotencyTTL},
		{"SWITCHBOARD_PRESENCE_WINDOW", &c.PresenceWindow},
		{"SWITCHBOARD_TYPING_TIMEOUT", &c.TypingTimeout},
		{"SWITCHBOARD_SSE_HEARTBEAT", &c.SSEHeartbeat},
		{"SWITCHBOARD_ARCHIVE_INTERVAL", &c.ArchiveInterval},
	} {
		if err := envDuration(d.key, d.dst); err != nil {
			return nil, err
		}
	}
	if err := envInt("SWITCHBOARD_LOG_CAPACITY", &c.LogCapacity); err != nil {
		return nil, err
	}
	if err := envInt("SWITCHBOARD_RESYNC_LIMIT", &c.ResyncLimit); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("SWITCHBOARD_JWT_SECRET is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.LogCapacity <= 0 {
		return fmt.Errorf("log capacity must be positive, got %d", c.LogCapacity)
	}
	if c.ResyncLimit <= 0 || c.ResyncLimit > 200 {
		return fmt.Errorf("resync limit must be in 1..200, got %d", c.ResyncLimit)
	}
	if c.LogMaxAge < 0 || c.ArchiveInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	for i, m := range c.Members {
		if m.UserID == "" {
			return fmt.Errorf("members[%d]: user_id is required", i)
		}
	}
	if c.ArchiveInterval > 0 && c.ArchiveS3Bucket == "" {
		return fmt.Errorf("SWITCHBOARD_ARCHIVE_S3_BUCKET is required when archiving is enabled")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
