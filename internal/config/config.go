// Package config loads and hot-reloads the orchestrator's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one accepted API key for the operator/UI HTTP API.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	Admin bool   `yaml:"admin"` // may call /admin/* endpoints
}

// AuthConfig gates the operator/UI HTTP API behind API keys.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin access to the operator/UI HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// OtelConfig controls tracing/metrics export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp-http" | "stdout" | "none"
	Endpoint string `yaml:"endpoint"`
}

// Config holds every orchestrator configuration key.
type Config struct {
	HomeDir string `yaml:"-"`

	// task.*
	HandlerTimeoutSeconds     int `yaml:"task_handler_timeout_seconds"`
	CancelDeadlineSeconds     int `yaml:"task_cancel_deadline_seconds"`
	StuckThresholdSeconds     int `yaml:"task_stuck_threshold_seconds"`
	ArchiveRetentionHours     int `yaml:"task_archive_retention_hours"`
	MaxConcurrentItemsDefault int `yaml:"task_max_concurrent_items_default"`

	// bus.*
	QueueName      string `yaml:"bus_queue_name"`
	EventRingSize  int    `yaml:"bus_event_ring_size"`
	RedisAddr      string `yaml:"bus_redis_addr"`

	// worker.*
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// project.*
	ProjectRoot string `yaml:"project_root"`

	// store.*
	SQLitePath string `yaml:"store_sqlite_path"`

	// http.*
	HTTPListenAddr string `yaml:"http_listen_addr"`

	// stage.*
	StagePluginDir string `yaml:"stage_plugin_dir"`

	// log.*
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`

	// reaper.*
	ReaperCronExpr string `yaml:"reaper_cron_expr"`

	Otel OtelConfig `yaml:"otel"`
	Auth AuthConfig `yaml:"auth"`
	CORS CORSConfig `yaml:"cors"`
}

func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

func (c Config) CancelDeadline() time.Duration {
	return time.Duration(c.CancelDeadlineSeconds) * time.Second
}

func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSeconds) * time.Second
}

func (c Config) ArchiveRetention() time.Duration {
	return time.Duration(c.ArchiveRetentionHours) * time.Hour
}

func defaultConfig() Config {
	return Config{
		HandlerTimeoutSeconds:     int((2 * time.Hour).Seconds()),
		CancelDeadlineSeconds:     30,
		StuckThresholdSeconds:     int((10 * time.Minute).Seconds()),
		ArchiveRetentionHours:     int((30 * 24 * time.Hour).Hours()),
		MaxConcurrentItemsDefault: 1,
		QueueName:                 "orchestrator.tasks",
		EventRingSize:             256,
		WorkerConcurrency:         1,
		ProjectRoot:               ".",
		LogLevel:                  "info",
		ReaperCronExpr:            "* * * * *",
	}
}

// HomeDir returns the directory holding config.yaml, logs, and the sqlite file.
func HomeDir() string {
	if override := os.Getenv("ORCHESTRATOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

// ConfigPath returns the path to config.yaml under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (if present), applies environment overrides, and
// normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orchestrator home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.HandlerTimeoutSeconds <= 0 {
		cfg.HandlerTimeoutSeconds = int((2 * time.Hour).Seconds())
	}
	if cfg.CancelDeadlineSeconds <= 0 {
		cfg.CancelDeadlineSeconds = 30
	}
	if cfg.StuckThresholdSeconds <= 0 {
		cfg.StuckThresholdSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.MaxConcurrentItemsDefault <= 0 {
		cfg.MaxConcurrentItemsDefault = 1
	}
	if strings.TrimSpace(cfg.QueueName) == "" {
		cfg.QueueName = "orchestrator.tasks"
	}
	if cfg.EventRingSize <= 0 {
		cfg.EventRingSize = 256
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if strings.TrimSpace(cfg.ProjectRoot) == "" {
		cfg.ProjectRoot = "."
	}
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		cfg.SQLitePath = filepath.Join(cfg.HomeDir, "orchestrator.db")
	}
	if strings.TrimSpace(cfg.HTTPListenAddr) == "" {
		cfg.HTTPListenAddr = ":8085"
	}
	if strings.TrimSpace(cfg.StagePluginDir) == "" {
		cfg.StagePluginDir = filepath.Join(cfg.HomeDir, "plugins")
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.LogPath) == "" {
		cfg.LogPath = cfg.HomeDir
	}
	if strings.TrimSpace(cfg.ReaperCronExpr) == "" {
		cfg.ReaperCronExpr = "* * * * *"
	}
	if strings.TrimSpace(cfg.Otel.Exporter) == "" {
		cfg.Otel.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCHESTRATOR_WORKER_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerConcurrency = v
		}
	}
	if raw := os.Getenv("ORCHESTRATOR_HANDLER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HandlerTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_SQLITE_PATH"); raw != "" {
		cfg.SQLitePath = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_REDIS_ADDR"); raw != "" {
		cfg.RedisAddr = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_PROJECT_ROOT"); raw != "" {
		cfg.ProjectRoot = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}
