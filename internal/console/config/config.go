// Package config loads console settings from defaults, an optional YAML file,
// ENIGMA_* environment variables and command-line flags, in rising priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved console configuration.
type Config struct {
	APIBase         string               `mapstructure:"api_base"`
	SessionPath     string               `mapstructure:"session_path"`
	Timeout         time.Duration        `mapstructure:"timeout"`
	CoalesceRefresh bool                 `mapstructure:"coalesce_refresh"`
	LogLevel        string               `mapstructure:"log_level"`
	ReferenceCache  ReferenceCacheConfig `mapstructure:"reference_cache"`
}

// ReferenceCacheConfig sizes the reference label cache.
type ReferenceCacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// DefaultConfigFile is read when present and no other file is named.
const DefaultConfigFile = "~/.enigma/config.yaml"

// New returns a viper instance with defaults and environment binding set up.
// Flags can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("api_base", "http://127.0.0.1:8787")
	v.SetDefault("session_path", "~/.enigma/session.json")
	v.SetDefault("timeout", "10s")
	v.SetDefault("coalesce_refresh", true)
	v.SetDefault("log_level", "warn")
	v.SetDefault("reference_cache.size", 256)
	v.SetDefault("reference_cache.ttl", "1m")

	v.SetEnvPrefix("ENIGMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or DefaultConfigFile when file is empty) into v and returns
// the validated configuration. A missing default file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	explicit := file != ""
	if !explicit {
		file = DefaultConfigFile
	}
	file = ExpandPath(file)

	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.SessionPath = ExpandPath(cfg.SessionPath)
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_base %q must be an http(s) URL", c.APIBase)
	}
	if c.SessionPath == "" {
		return fmt.Errorf("session_path required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ReferenceCache.Size < 0 || c.ReferenceCache.TTL < 0 {
		return fmt.Errorf("reference_cache size and ttl must not be negative")
	}
	return nil
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
