// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from the environment.
// Unknown environment keys are ignored; every knob has a default that is
// safe for local development.
package config

import (
	"fmt"
	"time"
)

// Config holds all runtime configuration for the daemon.
type Config struct {
	// HTTP surface
	Host           string
	Port           int
	RequestTimeout time.Duration
	RateLimit      int           // requests per window per client
	RateWindow     time.Duration // rate limiting window

	// Store
	DBPath          string
	PoolSize        int
	CheckoutTimeout time.Duration

	// Cache
	RedisAddr     string // empty disables the L2 tier
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
	L1Capacity    int

	// Tools
	ToolTimeout      time.Duration
	ToolBackendURL   string
	MaxFramesPerVid  int
	FrameInterval    float64 // seconds between extracted frames
	BreakerThreshold int
	BreakerCooloff   time.Duration

	// Queue
	Workers         int
	ShutdownTimeout time.Duration

	// Integrity
	DeadLetterMaxAttempts int

	// Logging
	LogLevel string
	DataDir  string
}

// FromEnv builds a Config from environment variables with defaults.
func FromEnv() Config {
	return Config{
		Host:           ParseString("VIDEOFORGE_HOST", "0.0.0.0"),
		Port:           ParseInt("VIDEOFORGE_PORT", 8090),
		RequestTimeout: ParseDuration("VIDEOFORGE_REQUEST_TIMEOUT", 30*time.Second),
		RateLimit:      ParseInt("VIDEOFORGE_RATE_LIMIT", 120),
		RateWindow:     ParseDuration("VIDEOFORGE_RATE_WINDOW", time.Minute),

		DBPath:          ParseString("VIDEOFORGE_DB_PATH", "data/videoforge.db"),
		PoolSize:        ParseInt("VIDEOFORGE_DB_POOL_SIZE", 5),
		CheckoutTimeout: ParseDuration("VIDEOFORGE_DB_CHECKOUT_TIMEOUT", 5*time.Second),

		RedisAddr:     ParseString("VIDEOFORGE_REDIS_ADDR", ""),
		RedisPassword: ParseString("VIDEOFORGE_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("VIDEOFORGE_REDIS_DB", 0),
		CacheTTL:      ParseDuration("VIDEOFORGE_CACHE_TTL", time.Hour),
		L1Capacity:    ParseInt("VIDEOFORGE_L1_CAPACITY", 100),

		ToolTimeout:      ParseDuration("VIDEOFORGE_TOOL_TIMEOUT", 600*time.Second),
		ToolBackendURL:   ParseString("VIDEOFORGE_TOOL_BACKEND_URL", "http://127.0.0.1:9090"),
		MaxFramesPerVid:  ParseInt("VIDEOFORGE_MAX_FRAMES", 30),
		FrameInterval:    ParseFloat("VIDEOFORGE_FRAME_INTERVAL", 2.0),
		BreakerThreshold: ParseInt("VIDEOFORGE_BREAKER_THRESHOLD", 5),
		BreakerCooloff:   ParseDuration("VIDEOFORGE_BREAKER_COOLOFF", 60*time.Second),

		Workers:         ParseInt("VIDEOFORGE_WORKERS", 2),
		ShutdownTimeout: ParseDuration("VIDEOFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),

		DeadLetterMaxAttempts: ParseInt("VIDEOFORGE_DLQ_MAX_ATTEMPTS", 3),

		LogLevel: ParseString("LOG_LEVEL", "info"),
		DataDir:  ParseString("VIDEOFORGE_DATA_DIR", "data"),
	}
}

// Validate rejects configurations that cannot work at all.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("config: pool size must be positive, got %d", c.PoolSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: worker count must be positive, got %d", c.Workers)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("config: tool timeout must be positive")
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("config: frame interval must be positive")
	}
	return nil
}

// Addr returns the host:port pair for the HTTP listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
