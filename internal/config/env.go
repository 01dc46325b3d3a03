package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays NORISH_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("NORISH_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("NORISH_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("NORISH_DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevMode = b
		}
	}
	if v := os.Getenv("NORISH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NORISH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("NORISH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("NORISH_WARM_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Jobs.WarmIdle = Duration(d)
		}
	}
	if v := os.Getenv("NORISH_COLD_SHUTDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Jobs.ColdShutdown = Duration(d)
		}
	}
	if v := os.Getenv("NORISH_JOB_DEFAULT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.DefaultConcurrency = n
		}
	}
	if v := os.Getenv("NORISH_JOB_CONCURRENCY"); v != "" {
		// Format: "imports=2,enrichment=1"
		if cfg.Jobs.Concurrency == nil {
			cfg.Jobs.Concurrency = map[string]int{}
		}
		for _, pair := range strings.Split(v, ",") {
			name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				cfg.Jobs.Concurrency[name] = n
			}
		}
	}
	if v := os.Getenv("NORISH_JOB_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.MaxAttempts = n
		}
	}
	if v := os.Getenv("NORISH_SHUTDOWN_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Shutdown.StageTimeout = Duration(d)
		}
	}
	if v := os.Getenv("NORISH_SHUTDOWN_HARD_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Shutdown.HardCeiling = Duration(d)
		}
	}
	if v := os.Getenv("NORISH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NORISH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
