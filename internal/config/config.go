// Package config loads cache settings from an optional YAML file and
// applies environment overrides. The environment names match the ones the
// cache has always honored: DISK_CACHE_DIR, DISK_CACHE_FILENAME,
// DISK_CACHE_LOCK_MAX_WAIT and DEFAULT_CACHE_AGE.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds cache configuration.
type Config struct {
	// Dir is the directory holding payload files and the index.
	Dir string `yaml:"dir"`

	// IndexFile is the index database filename inside Dir.
	IndexFile string `yaml:"index_file"`

	// DefaultMaxAgeDays ages out entries that don't set their own max age.
	// 0 keeps entries forever.
	DefaultMaxAgeDays int `yaml:"default_max_age_days"`

	// LockMaxWait bounds how long index operations wait on a busy
	// database, e.g. "10s".
	LockMaxWait string `yaml:"lock_max_wait"`
}

// Default returns the built-in configuration.
func Default() Config {
	dir := "disk_cache"
	if base, err := os.UserCacheDir(); err == nil {
		dir = filepath.Join(base, "diskcache")
	}
	return Config{
		Dir:               dir,
		IndexFile:         "cache_index.db",
		DefaultMaxAgeDays: 15,
		LockMaxWait:       "10s",
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides and expands ~ and $VAR in
// paths.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	cfg.Dir = ExpandPath(cfg.Dir)
	cfg.IndexFile = os.ExpandEnv(cfg.IndexFile)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DISK_CACHE_DIR"); v != "" {
		c.Dir = v
	}
	if v := os.Getenv("DISK_CACHE_FILENAME"); v != "" {
		c.IndexFile = v
	}
	if v := os.Getenv("DEFAULT_CACHE_AGE"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			c.DefaultMaxAgeDays = days
		}
	}
	if v := os.Getenv("DISK_CACHE_LOCK_MAX_WAIT"); v != "" {
		// Historically a bare float of seconds; a duration string works too.
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			c.LockMaxWait = fmt.Sprintf("%gs", secs)
		} else if _, err := time.ParseDuration(v); err == nil {
			c.LockMaxWait = v
		}
	}
}

func (c Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("config: cache dir must not be empty")
	}
	if c.IndexFile == "" || strings.ContainsRune(c.IndexFile, os.PathSeparator) {
		return fmt.Errorf("config: index_file must be a bare filename, got %q", c.IndexFile)
	}
	if c.DefaultMaxAgeDays < 0 {
		return fmt.Errorf("config: default_max_age_days must not be negative")
	}
	if _, err := time.ParseDuration(c.LockMaxWait); err != nil {
		return fmt.Errorf("config: bad lock_max_wait %q: %w", c.LockMaxWait, err)
	}
	return nil
}

// DefaultMaxAge returns DefaultMaxAgeDays as a duration.
func (c Config) DefaultMaxAge() time.Duration {
	return time.Duration(c.DefaultMaxAgeDays) * 24 * time.Hour
}

// LockMaxWaitDuration returns LockMaxWait parsed; zero when unset.
func (c Config) LockMaxWaitDuration() time.Duration {
	d, err := time.ParseDuration(c.LockMaxWait)
	if err != nil {
		return 0
	}
	return d
}

// IndexPath returns the full path of the index database.
func (c Config) IndexPath() string {
	return filepath.Join(c.Dir, c.IndexFile)
}

// ExpandPath expands $VAR references and a leading ~ in p.
func ExpandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	return p
}
