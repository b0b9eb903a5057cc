// Package config loads enigmad settings from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultDBPath        = "~/.enigma/enigmad.db"
	defaultAPIListenAddr = "127.0.0.1:8787"
	defaultAdminUser     = "admin"
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 24 * time.Hour
)

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	DatabasePath  string
	APIListenAddr string
	AllowCIDRs    []*net.IPNet

	JWTSecret []byte
	// EphemeralSecret is set when no secret was configured; tokens then die
	// with the process.
	EphemeralSecret bool
	AccessTTL       time.Duration
	RefreshTTL      time.Duration

	AdminUser     string
	AdminPassword string
}

// FromEnv loads server configuration from environment variables, applying
// defaults when unset.
func FromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		DatabasePath:  expandPath(getenv("ENIGMA_DB_PATH", defaultDBPath)),
		APIListenAddr: strings.TrimSpace(getenv("ENIGMA_API_LISTEN", defaultAPIListenAddr)),
		AdminUser:     strings.TrimSpace(getenv("ENIGMA_ADMIN_USER", defaultAdminUser)),
		AdminPassword: os.Getenv("ENIGMA_ADMIN_PASSWORD"),
	}

	if cfg.APIListenAddr == "" {
		return ServerConfig{}, fmt.Errorf("api listen address required")
	}
	if _, _, err := net.SplitHostPort(cfg.APIListenAddr); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid api listen address %q: %w", cfg.APIListenAddr, err)
	}

	var err error
	if cfg.AccessTTL, err = durationEnv("ENIGMA_ACCESS_TTL", defaultAccessTTL); err != nil {
		return ServerConfig{}, err
	}
	if cfg.RefreshTTL, err = durationEnv("ENIGMA_REFRESH_TTL", defaultRefreshTTL); err != nil {
		return ServerConfig{}, err
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return ServerConfig{}, fmt.Errorf("refresh ttl %s shorter than access ttl %s", cfg.RefreshTTL, cfg.AccessTTL)
	}

	if secret := os.Getenv("ENIGMA_JWT_SECRET"); secret != "" {
		if len(secret) < 32 {
			return ServerConfig{}, fmt.Errorf("ENIGMA_JWT_SECRET must be at least 32 bytes")
		}
		cfg.JWTSecret = []byte(secret)
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return ServerConfig{}, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecret = []byte(hex.EncodeToString(buf))
		cfg.EphemeralSecret = true
	}

	if cfg.AllowCIDRs, err = parseCIDRs(os.Getenv("ENIGMA_API_ALLOW_CIDR")); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func parseCIDRs(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid allow cidr %q: %w", part, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
