package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Database.Path != "backrooms.db" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Turn.Timeout != 2*time.Minute || cfg.Connection.TestTimeout != 15*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.Turn.Timeout, cfg.Connection.TestTimeout)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("redis enabled by default: %q", cfg.Redis.Addr)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
http:
  addr: ":9000"
database:
  path: /var/lib/backrooms.db
turn:
  timeout: 30s
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKROOMS_HTTP_ADDR", ":9100")
	t.Setenv("BACKROOMS_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Errorf("Addr = %q, env should win", cfg.HTTP.Addr)
	}
	if cfg.Database.Path != "/var/lib/backrooms.db" || cfg.Turn.Timeout != 30*time.Second {
		t.Errorf("file values = %+v", cfg)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if l, _ := cfg.Level(); l != slog.LevelDebug {
		t.Errorf("Level = %v", l)
	}
}

func TestLoadInvalidLevel(t *testing.T) {
	t.Setenv("BACKROOMS_LOG_LEVEL", "chatty")
	if _, err := Load(""); err == nil {
		t.Error("expected error for invalid log level")
	}
}
