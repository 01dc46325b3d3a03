package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "30s" or
// "5m" in JSON and YAML config files.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler (used by YAML).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts either a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// RedisConfig locates the shared pub/sub and job store.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// JobsConfig tunes queue workers and the lazy lifecycle manager.
type JobsConfig struct {
	// WarmIdle is how long a drained worker stays running before pausing.
	WarmIdle Duration `json:"warmIdle" yaml:"warmIdle"`
	// ColdShutdown is how long a paused worker stays resident before being
	// destroyed. Measured from the pause, not from the drain.
	ColdShutdown       Duration       `json:"coldShutdown" yaml:"coldShutdown"`
	DefaultConcurrency int            `json:"defaultConcurrency" yaml:"defaultConcurrency"`
	Concurrency        map[string]int `json:"concurrency" yaml:"concurrency"`
	MaxAttempts        int            `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffBase        Duration       `json:"backoffBase" yaml:"backoffBase"`
	BackoffMax         Duration       `json:"backoffMax" yaml:"backoffMax"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	// StageTimeout bounds each individual shutdown stage.
	StageTimeout Duration `json:"stageTimeout" yaml:"stageTimeout"`
	// HardCeiling is the total budget before the watchdog force-exits.
	HardCeiling Duration `json:"hardCeiling" yaml:"hardCeiling"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Namespace string         `json:"namespace" yaml:"namespace"`
	HTTPAddr  string         `json:"httpAddr" yaml:"httpAddr"`
	DevMode   bool           `json:"devMode" yaml:"devMode"`
	Redis     RedisConfig    `json:"redis" yaml:"redis"`
	Jobs      JobsConfig     `json:"jobs" yaml:"jobs"`
	Shutdown  ShutdownConfig `json:"shutdown" yaml:"shutdown"`
	Log       LogConfig      `json:"log" yaml:"log"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Namespace: "norish",
		HTTPAddr:  ":8080",
		Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		Jobs: JobsConfig{
			WarmIdle:           Duration(30 * time.Second),
			ColdShutdown:       Duration(5 * time.Minute),
			DefaultConcurrency: 1,
			MaxAttempts:        3,
			BackoffBase:        Duration(200 * time.Millisecond),
			BackoffMax:         Duration(30 * time.Second),
		},
		Shutdown: ShutdownConfig{
			StageTimeout: Duration(5 * time.Second),
			HardCeiling:  Duration(20 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
