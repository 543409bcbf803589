package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Storage     StorageConfig             `json:"storage"`
	Redis       RedisConfig               `json:"redis"`
	Completion  CompletionConfig          `json:"completion"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" env:"GPTUIDEMO_ADDR"`
	LogLevel          string `json:"log_level" env:"GPTUIDEMO_LOG_LEVEL"`
	Development       bool   `json:"development" env:"GPTUIDEMO_DEV"`
	LogFile           string `json:"log_file" env:"GPTUIDEMO_LOG_FILE"`
	MinWorkers        int    `json:"min_workers" env:"GPTUIDEMO_MIN_WORKERS"`
	MaxWorkers        int    `json:"max_workers" env:"GPTUIDEMO_MAX_WORKERS"`
	QueueSize         int    `json:"queue_size" env:"GPTUIDEMO_QUEUE_SIZE"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	HandoffTTL        int    `json:"handoff_ttl"`         // minutes
	HandoffStore      string `json:"handoff_store" env:"GPTUIDEMO_HANDOFF_STORE"`
	SessionIdle       int    `json:"session_idle_timeout"` // minutes
}

type StorageConfig struct {
	Driver    string                    `json:"driver" env:"GPTUIDEMO_DB"`
	Databases map[string]DatabaseConfig `json:"databases"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" env:"GPTUIDEMO_REDIS_ENABLED"`
	Host     string `json:"host" env:"GPTUIDEMO_REDIS_HOST"`
	Port     int    `json:"port" env:"GPTUIDEMO_REDIS_PORT"`
	Username string `json:"username"`
	Password string `json:"password" env:"GPTUIDEMO_REDIS_PASSWORD"`
	DB       int    `json:"db"`
}

// CompletionConfig selects how completion requests leave the process.
type CompletionConfig struct {
	Backend      string       `json:"backend" env:"GPTUIDEMO_COMPLETION_BACKEND"` // "http" or "provider"
	Endpoint     string       `json:"endpoint" env:"GPTUIDEMO_COMPLETION_ENDPOINT"`
	Timeout      int          `json:"timeout"` // seconds
	DefaultModel string       `json:"default_model" env:"GPTUIDEMO_DEFAULT_MODEL"`
	Models       []ModelEntry `json:"models"`
}

// ModelEntry describes one selectable model.
type ModelEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

const (
	DefaultServerAddress = ":8090"
	DefaultModel         = "deepseek-ai/deepseek-r1-0528"
	DefaultHandoffTTL    = 10 * time.Minute
	DefaultTimeout       = 2 * time.Minute
	DefaultSessionIdle   = 30 * time.Minute
)

// Load reads configuration from the provided path (defaults to config.json)
// and applies environment overrides on top of it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// relative sqlite paths are resolved next to the config file
	if db, ok := cfg.Storage.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" &&
		!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Storage.Databases["sqlite3"] = db
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultServerAddress
	}
	if c.BasicConfig.LogLevel == "" {
		c.BasicConfig.LogLevel = "info"
	}
	if c.BasicConfig.HandoffStore == "" {
		c.BasicConfig.HandoffStore = "memory"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Completion.Backend == "" {
		c.Completion.Backend = "http"
	}
	if c.Completion.DefaultModel == "" {
		if len(c.Completion.Models) > 0 {
			c.Completion.DefaultModel = c.Completion.Models[0].ID
		} else {
			c.Completion.DefaultModel = DefaultModel
		}
	}
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Completion.Backend) {
	case "http":
		if c.Completion.Endpoint == "" {
			return fmt.Errorf("completion endpoint must be configured")
		}
	case "provider":
		if len(c.Providers) == 0 {
			return fmt.Errorf("provider backend needs at least one provider")
		}
	default:
		return fmt.Errorf("unsupported completion backend: %s", c.Completion.Backend)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "sqlite", "sqlite3", "mysql":
		if _, ok := c.Storage.Databases[strings.ToLower(c.Storage.Driver)]; !ok {
			return fmt.Errorf("database config for %s not found", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}

// HandoffTTL returns the lifetime of pending landing handoffs.
func (c *Config) HandoffTTL() time.Duration {
	if c.BasicConfig.HandoffTTL <= 0 {
		return DefaultHandoffTTL
	}
	return time.Duration(c.BasicConfig.HandoffTTL) * time.Minute
}

// SessionIdleTimeout returns how long an unused chat view stays mounted.
func (c *Config) SessionIdleTimeout() time.Duration {
	if c.BasicConfig.SessionIdle <= 0 {
		return DefaultSessionIdle
	}
	return time.Duration(c.BasicConfig.SessionIdle) * time.Minute
}

// CompletionTimeout returns the transport timeout for completion calls.
func (c *Config) CompletionTimeout() time.Duration {
	if c.Completion.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.Completion.Timeout) * time.Second
}

// FindModel looks up a catalog entry by id.
func (c *Config) FindModel(id string) (ModelEntry, bool) {
	for _, m := range c.Completion.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelEntry{}, false
}
