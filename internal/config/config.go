// Package config reads the engine configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/cashubtc/eNuts-sub000/internal/batcher"
	"github.com/cashubtc/eNuts-sub000/internal/cache"
	"github.com/cashubtc/eNuts-sub000/internal/relay"
	"github.com/cashubtc/eNuts-sub000/internal/store"
)

// Cache backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// SyncConfig tunes the orchestration layer
type SyncConfig struct {
	// MaxFailures excludes an identity from automatic backlog selection
	MaxFailures int `env:"SYNC_MAX_FAILURES" envDefault:"25"`
	// SyncedThreshold is the number of unresolved contacts below which the user counts as synced
	SyncedThreshold     int           `env:"SYNC_SYNCED_THRESHOLD" envDefault:"2"`
	BootstrapTimeout    time.Duration `env:"SYNC_BOOTSTRAP_TIMEOUT" envDefault:"10s"`
	SearchTimeout       time.Duration `env:"SYNC_SEARCH_TIMEOUT" envDefault:"5s"`
	MaxRelaysPerRequest int           `env:"SYNC_MAX_RELAYS_PER_REQUEST" envDefault:"6"`
}

// Config is the complete engine configuration
type Config struct {
	Relay relay.Config
	Cache cache.Config
	Batch batcher.Config
	Sync  SyncConfig

	CacheBackend string `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"profilesync.db"`
	// MemoryCacheSize caps the in-memory backend; 0 disables eviction
	MemoryCacheSize int `env:"CACHE_MEMORY_SIZE" envDefault:"10000"`

	RelaysConfig string `env:"RELAYS_CONFIG" envDefault:"config/relays.json"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	Relays Relays `env:"-"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Relay: relay.DefaultConfig(),
		Cache: cache.DefaultConfig(),
		Batch: batcher.Config{
			ChunkSize:    batcher.DefaultChunkSize,
			BatchTimeout: 10 * time.Second,
			StreamBuffer: 64,
		},
		Sync: SyncConfig{
			MaxFailures:         store.DefaultMaxFailures,
			SyncedThreshold:     2,
			BootstrapTimeout:    10 * time.Second,
			SearchTimeout:       5 * time.Second,
			MaxRelaysPerRequest: 6,
		},
		CacheBackend:    BackendMemory,
		SQLitePath:      "profilesync.db",
		MemoryCacheSize: 10000,
		RelaysConfig:    "config/relays.json",
		LogLevel:        "info",
		Relays:          DefaultRelays(),
	}
}

// Load parses the environment and reads the relay sets from RelaysConfig
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Relays = LoadRelays(cfg.RelaysConfig)
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c Config) Validate() error {
	switch c.CacheBackend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: CACHE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.Batch.ChunkSize < 0 {
		return fmt.Errorf("config: SYNC_CHUNK_SIZE must not be negative")
	}
	if c.Sync.MaxFailures < 0 {
		return fmt.Errorf("config: SYNC_MAX_FAILURES must not be negative")
	}
	return nil
}
