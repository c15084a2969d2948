// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`
	// DatabaseURL empty means the in-memory store: fine for local dev,
	// nothing survives a restart.
	DatabaseURL string `env:"DATABASE_URL"`

	DiagnosticsDelay       time.Duration `env:"DIAGNOSTICS_DELAY" envDefault:"3s"`
	DiagnosticsSuccessRate float64       `env:"DIAGNOSTICS_SUCCESS_RATE" envDefault:"0.9"`

	SessionPollInterval time.Duration `env:"SESSION_POLL_INTERVAL" envDefault:"2s"`
	LobbyPollInterval   time.Duration `env:"LOBBY_POLL_INTERVAL" envDefault:"5s"`
	PresenceWindow      time.Duration `env:"PRESENCE_WINDOW" envDefault:"10s"`

	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

func Load() (Config, error) {
	_ = godotenv.Load() // missing .env is not an error
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
