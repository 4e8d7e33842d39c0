// Package config builds runtime configuration from environment variables so
// main stays lean. All variables use the MSGVAULT_ prefix. Defaults target
// local development; Validate enforces what production actually requires.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "msgvault/pkg/platform/strings"
)

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr             string
	ShutdownTimeout  time.Duration
	AllowedWSOrigins []string
	// PlatformToken authenticates server-to-server calls from the platform
	// backend (thread and session management routes).
	PlatformToken string
}

// PostgresConfig captures the message/epoch/outbox store connection.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig captures the realtime session/cursor/rate-limit store connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig captures the audit event broker.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
	Disabled   bool
}

// VaultConfig captures key-derivation material and key cache sizing.
type VaultConfig struct {
	// MasterKey is the 32-byte root key, base64-encoded in the environment.
	// Per-thread keys are derived from it and never persisted.
	MasterKey    []byte
	KeyCacheSize int
}

// SessionConfig captures realtime session issuance parameters.
type SessionConfig struct {
	TTL         time.Duration
	IdleTimeout time.Duration
	SigningKey  string
	Issuer      string
}

// LimitsConfig captures rate limits and resource bounds.
type LimitsConfig struct {
	SendLimit       int
	SendWindow      time.Duration
	AttachLimit     int
	AttachWindow    time.Duration
	SubscriberQueue int
	MaxPayloadBytes int
}

// DeliveryConfig captures replay and WebSocket write behavior.
type DeliveryConfig struct {
	ReplayBatchSize int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
}

// Config is the root configuration assembled by FromEnv.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Vault    VaultConfig
	Session  SessionConfig
	Limits   LimitsConfig
	Delivery DeliveryConfig
}

// devMasterKey is the well-known development key. Validate rejects it when
// MSGVAULT_ENV=production.
var devMasterKey = []byte("msgvault-dev-master-key-32-byte!")

// FromEnv builds a Config from environment variables.
func FromEnv() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:             envString("MSGVAULT_ADDR", ":8080"),
			ShutdownTimeout:  envDuration("MSGVAULT_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedWSOrigins: envList("MSGVAULT_WS_ALLOWED_ORIGINS"),
			PlatformToken:    envString("MSGVAULT_PLATFORM_TOKEN", "dev-platform-token"),
		},
		Postgres: PostgresConfig{
			DSN:             os.Getenv("MSGVAULT_POSTGRES_DSN"),
			MaxOpenConns:    envInt("MSGVAULT_POSTGRES_MAX_OPEN", 20),
			MaxIdleConns:    envInt("MSGVAULT_POSTGRES_MAX_IDLE", 10),
			ConnMaxLifetime: envDuration("MSGVAULT_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("MSGVAULT_REDIS_URL"),
			PoolSize:     envInt("MSGVAULT_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("MSGVAULT_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("MSGVAULT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("MSGVAULT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("MSGVAULT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    envList("MSGVAULT_KAFKA_BROKERS"),
			AuditTopic: envString("MSGVAULT_KAFKA_AUDIT_TOPIC", "msgvault.audit"),
			Disabled:   os.Getenv("MSGVAULT_KAFKA_DISABLED") == "true",
		},
		Vault: VaultConfig{
			KeyCacheSize: envInt("MSGVAULT_KEY_CACHE_SIZE", 1024),
		},
		Session: SessionConfig{
			TTL:         envDuration("MSGVAULT_SESSION_TTL", 12*time.Hour),
			IdleTimeout: envDuration("MSGVAULT_SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SigningKey:  envString("MSGVAULT_SESSION_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:      envString("MSGVAULT_SESSION_ISSUER", "msgvault"),
		},
		Limits: LimitsConfig{
			SendLimit:       envInt("MSGVAULT_SEND_LIMIT", 30),
			SendWindow:      envDuration("MSGVAULT_SEND_WINDOW", time.Minute),
			AttachLimit:     envInt("MSGVAULT_ATTACH_LIMIT", 10),
			AttachWindow:    envDuration("MSGVAULT_ATTACH_WINDOW", time.Minute),
			SubscriberQueue: envInt("MSGVAULT_SUBSCRIBER_QUEUE", 256),
			MaxPayloadBytes: envInt("MSGVAULT_MAX_PAYLOAD_BYTES", 64*1024),
		},
		Delivery: DeliveryConfig{
			ReplayBatchSize: envInt("MSGVAULT_REPLAY_BATCH_SIZE", 200),
			WriteTimeout:    envDuration("MSGVAULT_WS_WRITE_TIMEOUT", 5*time.Second),
			PingInterval:    envDuration("MSGVAULT_WS_PING_INTERVAL", 30*time.Second),
		},
	}

	if raw := os.Getenv("MSGVAULT_MASTER_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("decode MSGVAULT_MASTER_KEY: %w", err)
		}
		cfg.Vault.MasterKey = key
	} else {
		cfg.Vault.MasterKey = devMasterKey
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces fail-fast startup checks. Values with development
// defaults are only rejected when MSGVAULT_ENV=production.
func (c Config) Validate() error {
	if len(c.Vault.MasterKey) != 32 {
		return fmt.Errorf("master key must be 32 bytes, got %d", len(c.Vault.MasterKey))
	}
	if c.Limits.SubscriberQueue <= 0 {
		return fmt.Errorf("subscriber queue capacity must be positive")
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max payload bytes must be positive")
	}
	if os.Getenv("MSGVAULT_ENV") == "production" {
		if string(c.Vault.MasterKey) == string(devMasterKey) {
			return fmt.Errorf("MSGVAULT_MASTER_KEY is required in production")
		}
		if c.Session.SigningKey == "dev-secret-key-change-in-production" {
			return fmt.Errorf("MSGVAULT_SESSION_SIGNING_KEY is required in production")
		}
		if c.Server.PlatformToken == "dev-platform-token" {
			return fmt.Errorf("MSGVAULT_PLATFORM_TOKEN is required in production")
		}
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	out := platformstrings.DedupeAndTrim(strings.Split(raw, ","))
	if len(out) == 0 {
		return nil
	}
	return out
}
