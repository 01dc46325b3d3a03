package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Namespace != "norish" {
		t.Fatalf("default namespace")
	}
	if cfg.Jobs.WarmIdle.D() != 30*time.Second {
		t.Fatalf("warm idle default")
	}
	if cfg.Jobs.ColdShutdown.D() != 5*time.Minute {
		t.Fatalf("cold shutdown default")
	}
	if cfg.Shutdown.HardCeiling.D() <= cfg.Shutdown.StageTimeout.D() {
		t.Fatalf("hard ceiling should exceed stage timeout")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "norish.yaml")
	data := []byte("namespace: prod\nredis:\n  addr: redis:6379\n  db: 2\njobs:\n  warmIdle: 10s\n  concurrency:\n    imports: 4\n")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Namespace != "prod" {
		t.Fatalf("namespace: %q", cfg.Namespace)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis: %+v", cfg.Redis)
	}
	if cfg.Jobs.WarmIdle.D() != 10*time.Second {
		t.Fatalf("warm idle: %v", cfg.Jobs.WarmIdle.D())
	}
	if cfg.Jobs.Concurrency["imports"] != 4 {
		t.Fatalf("concurrency: %+v", cfg.Jobs.Concurrency)
	}
	// Untouched fields keep defaults.
	if cfg.Jobs.ColdShutdown.D() != 5*time.Minute {
		t.Fatalf("cold shutdown should keep default")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "norish.json")
	data := []byte(`{"httpAddr":":9090","jobs":{"warmIdle":"45s","coldShutdown":120000}}`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("http addr: %q", cfg.HTTPAddr)
	}
	if cfg.Jobs.WarmIdle.D() != 45*time.Second {
		t.Fatalf("warm idle: %v", cfg.Jobs.WarmIdle.D())
	}
	if cfg.Jobs.ColdShutdown.D() != 2*time.Minute {
		t.Fatalf("cold shutdown ms form: %v", cfg.Jobs.ColdShutdown.D())
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("NORISH_REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("NORISH_WARM_IDLE", "7s")
	t.Setenv("NORISH_JOB_CONCURRENCY", "imports=2, enrichment=3")
	t.Setenv("NORISH_DEV_MODE", "true")
	FromEnv(&cfg)
	if cfg.Redis.Addr != "10.0.0.1:6379" {
		t.Fatalf("redis addr override")
	}
	if cfg.Jobs.WarmIdle.D() != 7*time.Second {
		t.Fatalf("warm idle override")
	}
	if cfg.Jobs.Concurrency["imports"] != 2 || cfg.Jobs.Concurrency["enrichment"] != 3 {
		t.Fatalf("concurrency override: %+v", cfg.Jobs.Concurrency)
	}
	if !cfg.DevMode {
		t.Fatalf("dev mode override")
	}
}
