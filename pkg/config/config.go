// Package config loads the process-level configuration from an optional
// config.yaml. Every field has a default: a missing file yields the default
// configuration, and out-of-range values fall back field by field rather
// than failing startup.
//
// Runtime tuning that operators change while the daemon runs (pool sizes,
// queue concurrency, retry pacing) lives in the catalogue settings instead;
// this file covers what must be known before the catalogue is open.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s" / "5m" style values in yaml; bare numbers are
// read as seconds.
type Duration time.Duration

// UnmarshalYAML implementa yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implementa yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTP holds the RPC server knobs.
type HTTP struct {
	// Addr is the listen address. Default: ":8317"
	Addr string `yaml:"addr"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 30 seconds
	ReadTimeout Duration `yaml:"readTimeout"`

	// WriteTimeout is the maximum duration before timing out a response.
	// SSE streams are exempted via per-route flush. Default: 0 (disabled,
	// the event stream must outlive any fixed write window)
	WriteTimeout Duration `yaml:"writeTimeout"`

	// IdleTimeout is the keep-alive window. Default: 120 seconds
	IdleTimeout Duration `yaml:"idleTimeout"`

	// BodyLimit caps request bodies in bytes. Default: 4MB
	BodyLimit int64 `yaml:"bodyLimit"`

	// RequestTimeout bounds each non-streaming handler. Default: 120 seconds
	RequestTimeout Duration `yaml:"requestTimeout"`

	// ShutdownTimeout is the graceful-shutdown window. Default: 15 seconds
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// Log holds the process logger knobs (the operator job log in logs/app.log
// is separate and always on).
type Log struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is json or console. Default: json
	Format string `yaml:"format"`
}

// Queue seeds the execution queue before the catalogue settings take over.
type Queue struct {
	// ShutdownTimeout is how long Shutdown waits for running units.
	// Default: 30 seconds
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// Buffer holds the streaming-buffer knobs.
type Buffer struct {
	// FlushInterval is the periodic flusher tick. Default: 10 seconds
	FlushInterval Duration `yaml:"flushInterval"`

	// SizeThreshold triggers an immediate flush at this many buffered rows.
	// Default: 150
	SizeThreshold int `yaml:"sizeThreshold"`

	// MaxAttempts bounds delivery attempts per flush (1 + retries).
	// Default: 3
	MaxAttempts int `yaml:"maxAttempts"`

	// InitialDelay is the wait before the first flush retry; it doubles per
	// attempt. Default: 1 second
	InitialDelay Duration `yaml:"initialDelay"`
}

// Config is the full process configuration.
type Config struct {
	// DataDir is where the catalogue, checkpoints, buffer backups, history
	// and the job log live. Default: "data"
	DataDir string `yaml:"dataDir"`

	HTTP   HTTP   `yaml:"http"`
	Log    Log    `yaml:"log"`
	Queue  Queue  `yaml:"queue"`
	Buffer Buffer `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: "data",
		HTTP: HTTP{
			Addr:            ":8317",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    0,
			IdleTimeout:     Duration(120 * time.Second),
			BodyLimit:       4 << 20,
			RequestTimeout:  Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Queue: Queue{
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Buffer: Buffer{
			FlushInterval: Duration(10 * time.Second),
			SizeThreshold: 150,
			MaxAttempts:   3,
			InitialDelay:  Duration(time.Second),
		},
	}
}

// Load reads the configuration at path. A missing file returns Default();
// a malformed one is an error. Individual invalid values fall back to their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize pushes invalid values back to their defaults so a typo in one
// knob never takes the daemon down.
func (c *Config) normalize() {
	def := Default()

	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ReadTimeout < 0 {
		c.HTTP.ReadTimeout = def.HTTP.ReadTimeout
	}
	if c.HTTP.WriteTimeout < 0 {
		c.HTTP.WriteTimeout = def.HTTP.WriteTimeout
	}
	if c.HTTP.IdleTimeout < 0 {
		c.HTTP.IdleTimeout = def.HTTP.IdleTimeout
	}
	if c.HTTP.BodyLimit <= 0 {
		c.HTTP.BodyLimit = def.HTTP.BodyLimit
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = def.HTTP.RequestTimeout
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = def.HTTP.ShutdownTimeout
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = def.Log.Level
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		c.Log.Format = def.Log.Format
	}

	if c.Queue.ShutdownTimeout <= 0 {
		c.Queue.ShutdownTimeout = def.Queue.ShutdownTimeout
	}

	if c.Buffer.FlushInterval <= 0 {
		c.Buffer.FlushInterval = def.Buffer.FlushInterval
	}
	if c.Buffer.SizeThreshold <= 0 {
		c.Buffer.SizeThreshold = def.Buffer.SizeThreshold
	}
	if c.Buffer.MaxAttempts <= 0 {
		c.Buffer.MaxAttempts = def.Buffer.MaxAttempts
	}
	if c.Buffer.InitialDelay <= 0 {
		c.Buffer.InitialDelay = def.Buffer.InitialDelay
	}
}

// CataloguePath resolves the catalogue file inside the data directory.
func (c Config) CataloguePath() string {
	return filepath.Join(c.DataDir, "catalog.json")
}

// CheckpointDir resolves the checkpoint directory.
func (c Config) CheckpointDir() string {
	return filepath.Join(c.DataDir, "checkpoints")
}

// BufferBackupDir resolves the buffer backup directory.
func (c Config) BufferBackupDir() string {
	return filepath.Join(c.DataDir, "buffer-backup")
}

// HistoryPath resolves the history file.
func (c Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.json")
}

// JobLogPath resolves the operator-facing job log file.
func (c Config) JobLogPath() string {
	return filepath.Join(c.DataDir, "logs", "app.log")
}
