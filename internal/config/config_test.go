package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harborline/tasksync/internal/config"
)

func writeConfig(t *testing.T, homeDir, contents string) {
	t.Helper()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_FileValues(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
log_level: debug
remote:
  base_url: https://api.example.test/
  token: secret-token
sync:
  interval_seconds: 60
retention:
  tombstone_days: 7
`)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.Remote.BaseURL != "https://api.example.test" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Remote.BaseURL)
	}
	if cfg.Sync.IntervalSeconds != 60 {
		t.Fatalf("expected interval 60, got %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Retention.TombstoneDays != 7 {
		t.Fatalf("expected tombstone_days 7, got %d", cfg.Retention.TombstoneDays)
	}
	// Untouched fields keep defaults.
	if cfg.Retention.SyncEventDays != 14 {
		t.Fatalf("expected default sync_event_days 14, got %d", cfg.Retention.SyncEventDays)
	}
	if cfg.DBPath != filepath.Join(home, "tasksync.db") {
		t.Fatalf("unexpected default db path %q", cfg.DBPath)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.IntervalSeconds != 30 || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retention.Schedule != "0 3 * * *" {
		t.Fatalf("unexpected default schedule %q", cfg.Retention.Schedule)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	t.Setenv("TASKSYNC_LOG_LEVEL", "warn")
	t.Setenv("TASKSYNC_REMOTE_URL", "https://other.example.test")
	t.Setenv("TASKSYNC_SYNC_INTERVAL_SECONDS", "45")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override lost for log level: %q", cfg.LogLevel)
	}
	if cfg.Remote.BaseURL != "https://other.example.test" {
		t.Fatalf("env override lost for remote url: %q", cfg.Remote.BaseURL)
	}
	if cfg.Sync.IntervalSeconds != 45 {
		t.Fatalf("env override lost for interval: %d", cfg.Sync.IntervalSeconds)
	}
}

func TestLoadFrom_SchemaRejectsBadValues(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"bad log level", "log_level: loud\n"},
		{"non-http remote", "remote:\n  base_url: ftp://example.test\n"},
		{"non-ws notify", "remote:\n  notify_url: https://example.test/stream\n"},
		{"interval too small", "sync:\n  interval_seconds: 2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.contents)
			_, err := config.LoadFrom(home)
			if err == nil {
				t.Fatalf("expected validation error for %q", tc.contents)
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("expected schema error, got %v", err)
			}
		})
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("TASKSYNC_HOME", "/tmp/elsewhere")
	if got := config.HomeDir(); got != "/tmp/elsewhere" {
		t.Fatalf("expected TASKSYNC_HOME to win, got %q", got)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	writeConfig(t, home, "log_level: debug\n")
	c, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load c: %v", err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("fingerprint ignored a config change")
	}
}
