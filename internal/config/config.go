// Package config loads tasksync settings from config.yaml under the
// tasksync home directory, layering defaults, file values, and TASKSYNC_*
// environment overrides, then validating the result against an embedded
// JSON schema.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/harborline/tasksync/internal/otel"
)

//go:embed schema.json
var schemaJSON []byte

// RemoteConfig points at the task service.
type RemoteConfig struct {
	BaseURL               string `yaml:"base_url" json:"base_url"`
	Token                 string `yaml:"token" json:"token"`
	NotifyURL             string `yaml:"notify_url" json:"notify_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds" json:"interval_seconds"`
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds" json:"probe_interval_seconds"`
}

// RetentionConfig controls the scheduled purge.
type RetentionConfig struct {
	Schedule      string `yaml:"schedule" json:"schedule"`
	TombstoneDays int    `yaml:"tombstone_days" json:"tombstone_days"`
	SyncEventDays int    `yaml:"sync_event_days" json:"sync_event_days"`
}

type Config struct {
	HomeDir string `yaml:"-" json:"-"`

	DBPath     string `yaml:"db_path" json:"db_path"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	StatusAddr string `yaml:"status_addr" json:"status_addr"`

	Remote    RemoteConfig    `yaml:"remote" json:"remote"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Otel      otel.Config     `yaml:"otel" json:"-"`
}

// SyncInterval returns the cycle cadence as a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// ProbeInterval returns the connectivity probe cadence as a duration.
func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.Sync.ProbeIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-request bound for remote calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Remote.RequestTimeoutSeconds) * time.Second
}

// HealthURL is the endpoint the connectivity prober polls.
func (c Config) HealthURL() string {
	return strings.TrimSuffix(c.Remote.BaseURL, "/") + "/healthz"
}

// Fingerprint returns a stable hash of the active config, logged at start
// so support can tell which settings a log file was produced under.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|status=%s|base=%s|notify=%s|interval=%d|probe=%d|sched=%s",
		c.DBPath, c.LogLevel, c.StatusAddr, c.Remote.BaseURL, c.Remote.NotifyURL,
		c.Sync.IntervalSeconds, c.Sync.ProbeIntervalSeconds, c.Retention.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		StatusAddr: "127.0.0.1:18590",
		Remote: RemoteConfig{
			RequestTimeoutSeconds: 15,
		},
		Sync: SyncConfig{
			IntervalSeconds:      30,
			ProbeIntervalSeconds: 10,
		},
		Retention: RetentionConfig{
			Schedule:      "0 3 * * *",
			TombstoneDays: 30,
			SyncEventDays: 14,
		},
	}
}

// HomeDir returns the tasksync home directory, honoring TASKSYNC_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasksync")
}

// Load reads config.yaml from the tasksync home directory. A missing file
// is not an error; defaults plus env overrides apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at homeDir.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tasksync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "tasksync.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:18590"
	}
	if cfg.Remote.RequestTimeoutSeconds <= 0 {
		cfg.Remote.RequestTimeoutSeconds = 15
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 30
	}
	if cfg.Sync.ProbeIntervalSeconds <= 0 {
		cfg.Sync.ProbeIntervalSeconds = 10
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Retention.TombstoneDays <= 0 {
		cfg.Retention.TombstoneDays = 30
	}
	if cfg.Retention.SyncEventDays <= 0 {
		cfg.Retention.SyncEventDays = 14
	}
	cfg.Remote.BaseURL = strings.TrimSuffix(cfg.Remote.BaseURL, "/")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKSYNC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKSYNC_STATUS_ADDR"); raw != "" {
		cfg.StatusAddr = raw
	}
	if raw := os.Getenv("TASKSYNC_REMOTE_URL"); raw != "" {
		cfg.Remote.BaseURL = raw
	}
	if raw := os.Getenv("TASKSYNC_TOKEN"); raw != "" {
		cfg.Remote.Token = raw
	}
	if raw := os.Getenv("TASKSYNC_NOTIFY_URL"); raw != "" {
		cfg.Remote.NotifyURL = raw
	}
	if raw := os.Getenv("TASKSYNC_SYNC_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("TASKSYNC_RETENTION_SCHEDULE"); raw != "" {
		cfg.Retention.Schedule = raw
	}
}

// validate checks the normalized config against the embedded JSON schema.
// The yaml struct already constrains types; the schema adds range and
// format rules in one auditable place.
func validate(cfg Config) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return fmt.Errorf("add config schema: %w", err)
	}
	schema, err := c.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
