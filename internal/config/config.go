// Package config loads the settings of the shylock command.
//
// Values come from an optional YAML file and are then overridden by
// environment variables prefixed with SHYLOCK_. Nested keys use "." in
// koanf and "_" after the section name in the environment:
//
//	SHYLOCK_DATABASE_DSN        -> database.dsn
//	SHYLOCK_DATABASE_MAX_PARAMS -> database.max_params
//	SHYLOCK_LOG_LEVEL           -> log.level
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/gandaldf/shylock"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const envPrefix = "SHYLOCK_"

// Config is the root configuration of the command.
type Config struct {
	Database DatabaseConfig `koanf:"database" validate:"required"`
	Log      LogConfig      `koanf:"log"`
}

// DatabaseConfig identifies the database statements run against.
type DatabaseConfig struct {
	Driver    string `koanf:"driver" validate:"required"`
	DSN       string `koanf:"dsn" validate:"required"`
	Dialect   string `koanf:"dialect" validate:"omitempty,oneof=auto postgres mysql sqlite sqlserver"`
	MaxParams int    `koanf:"max_params"`
}

// LogConfig selects the level and output format of the command logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

// Default returns the configuration used for keys no source sets.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Dialect: "auto"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (skipped when empty), applies SHYLOCK_* environment
// variables and then the non-empty overrides on top, and validates the
// result. Override keys use koanf paths such as "database.dsn".
func Load(path string, overrides map[string]string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", envKey), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}
	for key, val := range overrides {
		if val == "" {
			continue
		}
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("config: set %s: %w", key, err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of c.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// envKey maps SHYLOCK_DATABASE_MAX_PARAMS to database.max_params.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Repository returns a repository for the configured database.
func (c *Config) Repository(log zerolog.Logger) *shylock.Repository {
	return shylock.New(c.Database.Driver, c.Database.DSN, shylock.Config{
		Dialect:   shylock.DialectOf(c.Database.Dialect),
		MaxParams: c.Database.MaxParams,
		Logger:    log,
	})
}

// Logger builds the command logger writing to w.
func (c LogConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("config: log level: %w", err)
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
