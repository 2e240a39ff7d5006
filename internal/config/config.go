package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the client
type Config struct {
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// APIConfig holds REST backend configuration
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RealtimeConfig holds pub/sub transport configuration
type RealtimeConfig struct {
	WSURL           string        `yaml:"ws_url"`
	AppKey          string        `yaml:"app_key"`
	AuthPath        string        `yaml:"auth_path"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	ActivityTimeout time.Duration `yaml:"activity_timeout"`
}

// StorageConfig holds durable client storage configuration
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 15 * time.Second,
		},
		Realtime: RealtimeConfig{
			WSURL:           "ws://localhost:8000",
			AppKey:          "homeswipe",
			AuthPath:        "/broadcasting/auth",
			ReconnectDelay:  2 * time.Second,
			ActivityTimeout: 120 * time.Second,
		},
		Storage: StorageConfig{
			Path: "homeswipe.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, then applies .env and
// HOMESWIPE_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the client cannot run without
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.API.BaseURL, "HOMESWIPE_API_URL")
	setString(&c.Realtime.WSURL, "HOMESWIPE_WS_URL")
	setString(&c.Realtime.AppKey, "HOMESWIPE_APP_KEY")
	setString(&c.Realtime.AuthPath, "HOMESWIPE_AUTH_PATH")
	setString(&c.Storage.Path, "HOMESWIPE_STORAGE_PATH")
	setString(&c.Log.Level, "HOMESWIPE_LOG_LEVEL")

	if err := setDuration(&c.API.Timeout, "HOMESWIPE_API_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Realtime.ReconnectDelay, "HOMESWIPE_RECONNECT_DELAY"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	// plain seconds
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid duration in %s: %q", key, v)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}
