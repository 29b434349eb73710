// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	AllowedOrigin    string // dashboard origin allowed on CORS and websocket upgrades
	SQLitePath       string
	PostgresURL      string // non-empty selects Postgres over SQLite
	NatsURL          string // empty runs the hub without a bus
	NatsToken        string
	SessionTTL       time.Duration // idle time before the janitor abandons a session
	TranscriptRing   int           // caption lines buffered per live call
	LogLevel         string
	JournalRetention time.Duration // zero keeps journal entries forever
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", ""),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/callpilot.db"),
		PostgresURL:      getEnv("POSTGRES_URL", ""),
		NatsURL:          getEnv("NATS_URL", ""),
		NatsToken:        getEnv("NATS_TOKEN", ""),
		SessionTTL:       time.Duration(getEnvInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		TranscriptRing:   getEnvInt("TRANSCRIPT_RING", 200),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		JournalRetention: time.Duration(getEnvInt("JOURNAL_RETENTION_DAYS", 30)) * 24 * time.Hour,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.PostgresURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH cannot be empty without POSTGRES_URL")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be > 0")
	}
	if c.TranscriptRing <= 0 {
		return fmt.Errorf("TRANSCRIPT_RING must be > 0")
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("JOURNAL_RETENTION_DAYS must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

// UsesPostgres reports whether the session store runs on Postgres.
func (c *Config) UsesPostgres() bool {
	return c.PostgresURL != ""
}

// BusEnabled reports whether a message bus is configured.
func (c *Config) BusEnabled() bool {
	return c.NatsURL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
