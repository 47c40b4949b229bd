package node

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the node's runtime settings. Values come from a YAML
// file; environment variables override file values.
type Config struct {
	// Storage is the SQLite database path. Empty means an in-memory
	// database that is lost on shutdown.
	Storage string `yaml:"storage" env:"KARST_STORAGE"`

	// APIListen is the address the aggregated HTTP API binds to.
	APIListen string `yaml:"api_listen" env:"KARST_API_LISTEN"`

	// Keys is the path to the node's signing key file.
	Keys string `yaml:"keys" env:"KARST_KEYS"`

	// RequestCapacity and EventCapacity size the scheduler channels.
	RequestCapacity int `yaml:"request_capacity" env:"KARST_REQUEST_CAPACITY"`
	EventCapacity   int `yaml:"event_capacity" env:"KARST_EVENT_CAPACITY"`
}

// DefaultConfig returns the settings used when a field is absent from
// both the config file and the environment.
func DefaultConfig() Config {
	return Config{
		APIListen:       "127.0.0.1:8200",
		RequestCapacity: 128,
		EventCapacity:   128,
	}
}

// LoadConfig reads a YAML config file and applies environment
// overrides on top of it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIListen == "" {
		return errors.New("api_listen must not be empty")
	}
	if c.RequestCapacity <= 0 {
		return fmt.Errorf("request_capacity must be positive, got %d", c.RequestCapacity)
	}
	if c.EventCapacity <= 0 {
		return fmt.Errorf("event_capacity must be positive, got %d", c.EventCapacity)
	}
	return nil
}
