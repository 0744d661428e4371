// Package config resolves process configuration from a YAML file and the
// environment injected by a process supervisor.
//
// Precedence, highest first: environment, file, defaults. The resolved
// configuration is validated against an embedded CUE schema.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfig = "COMMONPLACE_CONFIG"
	EnvAnchor = "COMMONPLACE_ANCHOR"
	EnvBroker = "COMMONPLACE_BROKER"
	EnvServer = "COMMONPLACE_SERVER"
	EnvDB     = "COMMONPLACE_DB"
)

// Config is the resolved configuration of one process.
type Config struct {
	// Anchor is the document-tree anchor path prefixed to every topic.
	Anchor string `yaml:"anchor"`
	// Broker is the transport endpoint, e.g. redis://localhost:6379/0.
	Broker string `yaml:"broker"`
	// Server is an auxiliary service URL. It is passed through untouched.
	Server string `yaml:"server"`
	// Database is the commit log file.
	Database string `yaml:"database"`
	// Replica is the CRDT replica id. Empty means generated at startup.
	Replica string `yaml:"replica"`

	Log       LogConfig       `yaml:"log"`
	Sync      SyncConfig      `yaml:"sync"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SyncConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	HealthyAfter   time.Duration `yaml:"healthy_after"`
}

type ReconcileConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   uint64        `yaml:"max_retries"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Broker:   "memory://",
		Database: "commonplace.db",
		Log:      LogConfig{Level: "info", Format: "text"},
		Sync: SyncConfig{
			Timeout:        3 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			HealthyAfter:   10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			PollInterval: 500 * time.Millisecond,
			MaxRetries:   4,
		},
	}
}

// Load resolves the configuration. path names a YAML file; when empty,
// COMMONPLACE_CONFIG is used, and with neither only defaults and the
// environment apply. getenv is os.Getenv outside tests.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if path == "" {
		path = getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config file not found: %s", path)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	applyEnv(&cfg, getenv)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg. Fields absent from data keep their value.
// Unknown fields are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for env, field := range map[string]*string{
		EnvAnchor: &cfg.Anchor,
		EnvBroker: &cfg.Broker,
		EnvServer: &cfg.Server,
		EnvDB:     &cfg.Database,
	} {
		if v := getenv(env); v != "" {
			*field = v
		}
	}
}
