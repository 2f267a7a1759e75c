// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// envConfigPath overrides the default config location.
const envConfigPath = "NERVE_CONFIG"

// Config is the daemon configuration.
type Config struct {
	// Name is the daemon instance name, used in socket/pid file paths.
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`

	Transport Transport `toml:"transport"`
	History   History   `toml:"history"`
	Store     Store     `toml:"store"`
	Tracing   Tracing   `toml:"tracing"`
	LLM       LLM       `toml:"llm"`
}

// Transport selects which command-plane listeners the daemon opens.
type Transport struct {
	// Unix enables the newline-JSON unix socket listener.
	Unix bool `toml:"unix"`
	// TCPAddr enables the TCP listener when non-empty (host:port).
	TCPAddr string `toml:"tcp_addr"`
	// HTTPAddr enables the HTTP listener when non-empty (host:port).
	HTTPAddr string `toml:"http_addr"`
	// ExecuteTimeout bounds one execute command. Zero keeps the default.
	ExecuteTimeout duration `toml:"execute_timeout"`
	// ExtendedTimeout applies to nodes hosting long-running sessions.
	ExtendedTimeout duration `toml:"extended_timeout"`
}

// History configures per-node JSONL operation logs.
type History struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Store configures the optional run archive.
type Store struct {
	// Driver is "", "sqlite", or "postgres".
	Driver string `toml:"driver"`
	// Path is the sqlite database file.
	Path string `toml:"path"`
	// DSN is the postgres connection string.
	DSN string `toml:"dsn"`
}

// Tracing configures the OTLP trace exporter.
type Tracing struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Service  string `toml:"service"`
}

// LLM holds provider credentials used by CREATE_NODE when the request
// omits an api_key.
type LLM struct {
	OpenRouterAPIKey string `toml:"openrouter_api_key"`
	GLMAPIKey        string `toml:"glm_api_key"`
}

// duration wraps time.Duration for TOML strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file exists: unix
// transport only, history off, no store, no tracing.
func Default() *Config {
	return &Config{
		Name:     "default",
		LogLevel: "info",
		Transport: Transport{
			Unix: true,
		},
		History: History{
			Dir: filepath.Join(homeDir(), ".nerve", "history"),
		},
		Tracing: Tracing{
			Service: "nerve",
		},
	}
}

// Load reads the config at path. An empty path falls back to the
// NERVE_CONFIG env var, then ~/.nerve/config.toml. A missing file
// yields the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		path = filepath.Join(homeDir(), ".nerve", "config.toml")
	}

	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return cfg, nil
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}
