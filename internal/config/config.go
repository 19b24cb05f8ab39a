// Package config manages the bfdd daemon's ambient configuration using
// koanf/v2 (YAML file + environment overrides), and the BFD instance
// keyword-DSL described in dsl.go.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete bfdd daemon configuration.
type Config struct {
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	BFD     BFDDefaults   `koanf:"bfd"`

	// InstancesPath is the path to the bfd_instance keyword-DSL file
	// (see dsl.go), loaded separately from this koanf document and
	// re-read on SIGHUP.
	InstancesPath string `koanf:"instances_path"`
}

// AdminConfig holds the plain HTTP/JSON admin interface configuration.
type AdminConfig struct {
	// Addr is the admin HTTP listen address (e.g., "127.0.0.1:8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BFDDefaults holds the fallback values the instance DSL parser applies
// to a bfd_instance block when a given keyword is omitted, grounded on
// keepalived's bfd.h BFD_*_DEFAULT constants.
type BFDDefaults struct {
	// MinRx is the fallback required min RX interval (BFD_MINRX_DEFAULT: 10ms).
	MinRx time.Duration `koanf:"min_rx"`
	// MinTx is the fallback desired min TX interval (BFD_MINTX_DEFAULT: 10ms).
	MinTx time.Duration `koanf:"min_tx"`
	// IdleTx is the fallback idle TX interval (BFD_IDLETX_DEFAULT: 1000ms).
	IdleTx time.Duration `koanf:"idle_tx"`
	// Multiplier is the fallback detection multiplier (BFD_MULTIPLIER_DEFAULT: 5).
	Multiplier uint8 `koanf:"multiplier"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BFD: BFDDefaults{
			MinRx:      10 * time.Millisecond,
			MinTx:      10 * time.Millisecond,
			IdleTx:     1000 * time.Millisecond,
			Multiplier: 5,
		},
		InstancesPath: "/etc/bfdd/instances.conf",
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for bfdd configuration.
// Variables are named BFDD_<section>_<key>, e.g., BFDD_ADMIN_ADDR.
const envPrefix = "BFDD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (BFDD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. Does not load InstancesPath's contents;
// callers pass that path to ParseInstances separately.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms BFDD_ADMIN_ADDR -> admin.addr.
// Strips the BFDD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":         defaults.Admin.Addr,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"bfd.min_rx":         defaults.BFD.MinRx.String(),
		"bfd.min_tx":         defaults.BFD.MinTx.String(),
		"bfd.idle_tx":        defaults.BFD.IdleTx.String(),
		"bfd.multiplier":     defaults.BFD.Multiplier,
		"instances_path":     defaults.InstancesPath,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidDefaultMultiplier indicates the default detect multiplier is out of range.
	ErrInvalidDefaultMultiplier = errors.New("bfd.multiplier must be 1..10")

	// ErrInvalidDefaultMinTx indicates the default min TX interval is invalid.
	ErrInvalidDefaultMinTx = errors.New("bfd.min_tx must be 1ms..1000ms")

	// ErrInvalidDefaultMinRx indicates the default min RX interval is invalid.
	ErrInvalidDefaultMinRx = errors.New("bfd.min_rx must be 1ms..1000ms")

	// ErrInvalidDefaultIdleTx indicates the default idle TX interval is invalid.
	ErrInvalidDefaultIdleTx = errors.New("bfd.idle_tx must be 1000ms..10000ms")

	// ErrEmptyInstancesPath indicates no instance file was configured.
	ErrEmptyInstancesPath = errors.New("instances_path must not be empty")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}
	if cfg.BFD.Multiplier < 1 || cfg.BFD.Multiplier > 10 {
		return ErrInvalidDefaultMultiplier
	}
	if cfg.BFD.MinTx < time.Millisecond || cfg.BFD.MinTx > 1000*time.Millisecond {
		return ErrInvalidDefaultMinTx
	}
	if cfg.BFD.MinRx < time.Millisecond || cfg.BFD.MinRx > 1000*time.Millisecond {
		return ErrInvalidDefaultMinRx
	}
	if cfg.BFD.IdleTx < 1000*time.Millisecond || cfg.BFD.IdleTx > 10000*time.Millisecond {
		return ErrInvalidDefaultIdleTx
	}
	if cfg.InstancesPath == "" {
		return ErrEmptyInstancesPath
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
