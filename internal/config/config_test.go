package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "agentd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Agent.SweepInterval != time.Minute {
		t.Errorf("expected default sweep interval 1m, got %s", cfg.Agent.SweepInterval)
	}
	if cfg.Agent.CleanupAge != 30*24*time.Hour {
		t.Errorf("expected default cleanup age 720h, got %s", cfg.Agent.CleanupAge)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  addr: ":9090"
agent:
  sweep_interval: 30s
logging:
  level: debug
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Agent.SweepInterval != 30*time.Second {
		t.Errorf("expected sweep interval 30s, got %s", cfg.Agent.SweepInterval)
	}
	// Env beats file.
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected level warn, got %s", cfg.Logging.Level)
	}
}

func TestBuildLoggerLevelAdjustsAtRuntime(t *testing.T) {
	logger, level, err := BuildLogger(LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer logger.Sync()

	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug enabled at info level")
	}
	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug still disabled after SetLevel")
	}

	if _, _, err := BuildLogger(LoggingConfig{Level: "shouting"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWatcherFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")
	t.Setenv("CONFIG_PATH", path)

	w, err := NewWatcher(path, zap.NewNop())
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer w.Stop()

	changed := make(chan string, 1)
	w.OnChange(func(cfg *Config) error {
		select {
		case changed <- cfg.Logging.Level:
		default:
		}
		return nil
	})
	w.Start()

	writeConfig(t, dir, "logging:\n  level: debug\n")

	select {
	case level := <-changed:
		if level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change handler")
	}
}
