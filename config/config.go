// Package config loads server configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the server.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DBPath       string `env:"DB_PATH" envDefault:"./data/cycles.db"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`
	ProgramsFile string `env:"PROGRAMS_FILE"`

	SchedulerEnabled bool   `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerSpec    string `env:"SCHEDULER_SPEC" envDefault:"0 1 * * *"` // 01:00 daily

	ImportAsyncThreshold      int `env:"IMPORT_ASYNC_THRESHOLD" envDefault:"1000"`
	EntitlementAsyncThreshold int `env:"ENTITLEMENT_ASYNC_THRESHOLD" envDefault:"200"`
	ChunkSize                 int `env:"CHUNK_SIZE" envDefault:"2000"`
	Workers                   int `env:"WORKERS" envDefault:"4"`
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*Config, error) {
	// A missing .env file is fine; existing variables are not overridden.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("PORT must not be empty")
	case c.ChunkSize <= 0:
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	case c.Workers <= 0:
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	case c.ImportAsyncThreshold <= 0:
		return fmt.Errorf("IMPORT_ASYNC_THRESHOLD must be positive, got %d", c.ImportAsyncThreshold)
	case c.EntitlementAsyncThreshold <= 0:
		return fmt.Errorf("ENTITLEMENT_ASYNC_THRESHOLD must be positive, got %d", c.EntitlementAsyncThreshold)
	}
	return nil
}
