// Package config loads the runtime configuration of codeindex.
//
// Values start from DefaultConfig, are overlaid by an optional YAML file
// (<root>/.julie/config.yaml unless --config names another) and then by
// CODEINDEX_* environment variables, where the first underscore separates
// the section from the key: CODEINDEX_INDEX_BATCH_SIZE sets index.batch_size.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/dshills/codeindex-mcp/internal/indexer"
	"github.com/dshills/codeindex-mcp/internal/registry"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "CODEINDEX_"

// FileName is the config file looked up inside the data directory
const FileName = "config.yaml"

// Config is the top-level configuration, corresponding to .julie/config.yaml
type Config struct {
	Index    IndexConfig    `yaml:"index" koanf:"index"`
	Registry RegistryConfig `yaml:"registry" koanf:"registry"`
	Eviction EvictionConfig `yaml:"eviction" koanf:"eviction"`
	Storage  StorageConfig  `yaml:"storage" koanf:"storage"`
	Log      LogConfig      `yaml:"log" koanf:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" koanf:"metrics"`
}

// IndexConfig tunes discovery and extraction
type IndexConfig struct {
	Workers       int           `yaml:"workers" koanf:"workers"`
	BatchSize     int           `yaml:"batch_size" koanf:"batch_size"`
	MaxFileSize   int64         `yaml:"max_file_size" koanf:"max_file_size"`
	Include       []string      `yaml:"include,omitempty" koanf:"include"`
	Exclude       []string      `yaml:"exclude" koanf:"exclude"`
	WatchDebounce time.Duration `yaml:"watch_debounce" koanf:"watch_debounce"`
}

// RegistryConfig tunes the in-memory registry cache
type RegistryConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl" koanf:"cache_ttl"`
	TouchBuffer int           `yaml:"touch_buffer" koanf:"touch_buffer"`
}

// EvictionConfig controls the background sweep of the serve command.
// A zero interval uses the interval persisted in the registry.
type EvictionConfig struct {
	Interval time.Duration `yaml:"interval" koanf:"interval"`
}

// StorageConfig tunes every per-workspace SQLite connection pool
type StorageConfig struct {
	MaxOpenConns int           `yaml:"max_open_conns" koanf:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" koanf:"busy_timeout"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr" koanf:"addr"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	idx := indexer.DefaultConfig()
	reg := registry.DefaultConfig()
	st := storage.DefaultOptions()
	return &Config{
		Index: IndexConfig{
			Workers:       idx.Workers,
			BatchSize:     idx.BatchSize,
			MaxFileSize:   idx.MaxFileSize,
			Include:       idx.Include,
			Exclude:       idx.Exclude,
			WatchDebounce: indexer.DefaultDebounce,
		},
		Registry: RegistryConfig{
			CacheTTL:    reg.CacheTTL,
			TouchBuffer: reg.TouchBuffer,
		},
		Storage: StorageConfig{
			MaxOpenConns: st.MaxOpenConns,
			BusyTimeout:  st.BusyTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file of a Primary root
func DefaultPath(root string) string {
	return filepath.Join(root, registry.DataDirName, FileName)
}

// Load reads configuration from the given YAML file, then overlays the
// CODEINDEX_* environment. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps CODEINDEX_INDEX_BATCH_SIZE to index.batch_size
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

var validLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Validate checks that the configuration contains usable values
func (c *Config) Validate() error {
	if c.Index.Workers < 0 {
		return fmt.Errorf("index.workers must be non-negative")
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be positive")
	}
	if c.Index.MaxFileSize <= 0 {
		return fmt.Errorf("index.max_file_size must be positive")
	}
	if c.Index.WatchDebounce < 0 {
		return fmt.Errorf("index.watch_debounce must be non-negative")
	}
	if c.Registry.CacheTTL < 0 {
		return fmt.Errorf("registry.cache_ttl must be non-negative")
	}
	if c.Registry.TouchBuffer <= 0 {
		return fmt.Errorf("registry.touch_buffer must be positive")
	}
	if c.Eviction.Interval < 0 {
		return fmt.Errorf("eviction.interval must be non-negative")
	}
	if c.Storage.MaxOpenConns < 0 {
		return fmt.Errorf("storage.max_open_conns must be non-negative")
	}
	if c.Storage.BusyTimeout < 0 {
		return fmt.Errorf("storage.busy_timeout must be non-negative")
	}
	if _, ok := validLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("invalid log.level %q: must be one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	return nil
}

// IndexerConfig returns the indexer settings
func (c *Config) IndexerConfig() indexer.Config {
	workers := c.Index.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return indexer.Config{
		Workers:     workers,
		BatchSize:   c.Index.BatchSize,
		MaxFileSize: c.Index.MaxFileSize,
		Include:     c.Index.Include,
		Exclude:     c.Index.Exclude,
	}
}

// RegistryOptions returns the registry cache settings
func (c *Config) RegistryOptions() registry.Config {
	return registry.Config{
		CacheTTL:    c.Registry.CacheTTL,
		TouchBuffer: c.Registry.TouchBuffer,
	}
}

// StorageOptions returns the store connection settings
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		MaxOpenConns: c.Storage.MaxOpenConns,
		BusyTimeout:  c.Storage.BusyTimeout,
	}
}

// NewLogger builds the slog logger described by the log section
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, ok := validLevels[strings.ToLower(c.Log.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return data, nil
}

// Save writes the configuration to the given YAML file path
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
