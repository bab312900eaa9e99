package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/watchforge/fswatch/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
roots:
  - /var/data/a
  - /var/data/b
darwin_latency_ms: 25
command_timeout_ms: 2000
log_level: debug
metrics_addr: "127.0.0.1:9100"
`

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Roots) != 2 || cfg.Roots[0] != "/var/data/a" {
		t.Errorf("Roots = %v", cfg.Roots)
	}
	if cfg.DarwinLatency() != 25*time.Millisecond {
		t.Errorf("DarwinLatency() = %v, want 25ms", cfg.DarwinLatency())
	}
	if cfg.CommandTimeout() != 2*time.Second {
		t.Errorf("CommandTimeout() = %v, want 2s", cfg.CommandTimeout())
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, "roots:\n  - /var/data/a\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DarwinLatency() != 10*time.Millisecond {
		t.Errorf("default DarwinLatency() = %v, want 10ms", cfg.DarwinLatency())
	}
	if cfg.CommandTimeout() != 5*time.Second {
		t.Errorf("default CommandTimeout() = %v, want 5s", cfg.CommandTimeout())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadMissingRoots(t *testing.T) {
	path := writeTemp(t, "log_level: info\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for missing roots, got nil")
	}
	if !strings.Contains(err.Error(), "roots") {
		t.Errorf("error %q does not mention roots", err.Error())
	}
}

func TestLoadEmptyRootEntry(t *testing.T) {
	path := writeTemp(t, "roots:\n  - /var/data/a\n  - \"\"\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for empty root entry, got nil")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	path := writeTemp(t, "roots:\n  - /var/data/a\nlog_level: verbose\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadNegativeTimeout(t *testing.T) {
	path := writeTemp(t, "roots:\n  - /var/data/a\ncommand_timeout_ms: -1\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for negative command_timeout_ms, got nil")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := config.Load(missing); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::not yaml:::")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
