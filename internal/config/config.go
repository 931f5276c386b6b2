// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package config loads server settings from defaults, an optional TOML file
// and SCRIPTAPI_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCRIPTAPI_"

// Engine names accepted by the engine setting.
const (
	EngineGoja    = "goja"
	EngineQuickJS = "quickjs"
	EngineV8      = "v8"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every server setting.
type Config struct {
	APIDir          string   `toml:"api_dir"`          // Directory scanned for handler files
	ListenAddress   string   `toml:"listen_address"`   // host:port for the HTTP server
	Engine          string   `toml:"engine"`           // goja, quickjs or v8
	QueueSize       uint32   `toml:"queue_size"`       // Broker command queue capacity
	EnqueueTimeout  Duration `toml:"enqueue_timeout"`  // Max wait for queue space
	CallTimeout     Duration `toml:"call_timeout"`     // Per-request bound, 0 = none
	ScriptTimeout   Duration `toml:"script_timeout"`   // Engine interrupt per evaluation, 0 = none
	MaxBodyBytes    int64    `toml:"max_body_bytes"`   // Request body cap
	Console         bool     `toml:"console"`          // Expose console to goja scripts
	Watch           bool     `toml:"watch"`            // Reload handler files on change
	WatchDebounce   Duration `toml:"watch_debounce"`   // Quiet period before reloading
	Ignore          []string `toml:"ignore"`           // Extra doublestar ignore patterns
	LogDir          string   `toml:"log_dir"`          // Rolling log file directory, empty = stdout only
	LogLevel        string   `toml:"log_level"`        // debug, info, warn or error
	MetricsPath     string   `toml:"metrics_path"`     // Prometheus endpoint, empty = disabled
	ShutdownTimeout Duration `toml:"shutdown_timeout"` // Grace period for in-flight requests
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		APIDir:          "api",
		ListenAddress:   "127.0.0.1:3000",
		Engine:          EngineGoja,
		QueueSize:       1024,
		EnqueueTimeout:  Duration{30 * time.Second},
		CallTimeout:     Duration{60 * time.Second},
		MaxBodyBytes:    10 << 20,
		Console:         true,
		WatchDebounce:   Duration{300 * time.Millisecond},
		LogLevel:        "info",
		MetricsPath:     "/metrics",
		ShutdownTimeout: Duration{15 * time.Second},
	}
}

// Load applies the file at path (skipped when empty) and the environment on
// top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(b)).DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config %s: unknown keys:\n%s", path, strict.String())
		}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return fmt.Errorf("config %s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// envSetters maps environment suffixes to field setters.
var envSetters = map[string]func(c *Config, v string) error{
	"API_DIR":        func(c *Config, v string) error { c.APIDir = v; return nil },
	"LISTEN_ADDRESS": func(c *Config, v string) error { c.ListenAddress = v; return nil },
	"ENGINE":         func(c *Config, v string) error { c.Engine = v; return nil },
	"LOG_DIR":        func(c *Config, v string) error { c.LogDir = v; return nil },
	"LOG_LEVEL":      func(c *Config, v string) error { c.LogLevel = v; return nil },
	"METRICS_PATH":   func(c *Config, v string) error { c.MetricsPath = v; return nil },
	"QUEUE_SIZE": func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		c.QueueSize = uint32(n)
		return err
	},
	"MAX_BODY_BYTES": func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		c.MaxBodyBytes = n
		return err
	},
	"CONSOLE": func(c *Config, v string) (err error) {
		c.Console, err = strconv.ParseBool(v)
		return err
	},
	"WATCH": func(c *Config, v string) (err error) {
		c.Watch, err = strconv.ParseBool(v)
		return err
	},
	"IGNORE": func(c *Config, v string) error {
		c.Ignore = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Ignore = append(c.Ignore, p)
			}
		}
		return nil
	},
	"ENQUEUE_TIMEOUT":  durationSetter(func(c *Config) *Duration { return &c.EnqueueTimeout }),
	"CALL_TIMEOUT":     durationSetter(func(c *Config) *Duration { return &c.CallTimeout }),
	"SCRIPT_TIMEOUT":   durationSetter(func(c *Config) *Duration { return &c.ScriptTimeout }),
	"WATCH_DEBOUNCE":   durationSetter(func(c *Config) *Duration { return &c.WatchDebounce }),
	"SHUTDOWN_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.ShutdownTimeout }),
}

func durationSetter(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for suffix, set := range envSetters {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, suffix, v, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineGoja, EngineQuickJS, EngineV8:
	default:
		return fmt.Errorf("unknown engine %q (want %s, %s or %s)", c.Engine, EngineGoja, EngineQuickJS, EngineV8)
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address is required")
	}
	if strings.TrimSpace(c.APIDir) == "" {
		return errors.New("api_dir is required")
	}
	if c.QueueSize == 0 {
		return errors.New("queue_size must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	for name, d := range map[string]Duration{
		"enqueue_timeout":  c.EnqueueTimeout,
		"call_timeout":     c.CallTimeout,
		"script_timeout":   c.ScriptTimeout,
		"watch_debounce":   c.WatchDebounce,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with /", c.MetricsPath)
	}
	return nil
}
