// Package config loads leaderboard service settings from the environment.
// Backend credentials are optional as a unit: when they are incomplete the
// service runs without authentication or leaderboard persistence.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Firebase holds the backend client credentials and endpoints.
type Firebase struct {
	APIKey            string `env:"FIREBASE_API_KEY"`
	AuthDomain        string `env:"FIREBASE_AUTH_DOMAIN"`
	ProjectID         string `env:"FIREBASE_PROJECT_ID"`
	StorageBucket     string `env:"FIREBASE_STORAGE_BUCKET"`
	MessagingSenderID string `env:"FIREBASE_MESSAGING_SENDER_ID"`
	AppID             string `env:"FIREBASE_APP_ID"`

	// AuthEmulatorHost points the identity client at a local emulator
	// (host:port) instead of the production endpoints.
	AuthEmulatorHost string `env:"FIREBASE_AUTH_EMULATOR_HOST"`
}

// Complete reports whether enough of the configuration is present to
// construct a backend client. Storage bucket and sender id are not needed
// for authentication and are not checked.
func (f Firebase) Complete() bool {
	return f.APIKey != "" && f.AuthDomain != "" && f.ProjectID != "" && f.AppID != ""
}

// Config is the full service configuration.
type Config struct {
	Firebase Firebase

	RedisAddr   string `env:"REDIS_ADDR"`   // empty: in-memory session persistence
	NATSURL     string `env:"NATS_URL"`     // empty: no auth state events
	DatabaseURL string `env:"DATABASE_URL"` // empty: no score persistence

	ListenAddr    string        `env:"LISTEN_ADDR" envDefault:":8080"`
	DeviceIDFile  string        `env:"DEVICE_ID_FILE" envDefault:".leaderboard-device"`
	EnsureTimeout time.Duration `env:"ENSURE_TIMEOUT" envDefault:"15s"`
	SignUpLimit   int           `env:"SIGNUP_LIMIT" envDefault:"5"`
}

// Load parses the process environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.SignUpLimit < 0 {
		return Config{}, fmt.Errorf("config: SIGNUP_LIMIT must not be negative, got %d", cfg.SignUpLimit)
	}
	return cfg, nil
}
