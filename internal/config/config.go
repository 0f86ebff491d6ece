// Package config loads service settings from an optional YAML file with
// environment variable overrides. Env always wins so deployments can tweak a
// single knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL   string `yaml:"database_url"`
	UpstreamToken string `yaml:"upstream_token"`
	UpstreamURL   string `yaml:"upstream_url"`
	APIPort       int    `yaml:"api_port"`
	AdminJWTKey   string `yaml:"admin_jwt_key"`

	// Adaptive fetch tuning.
	SearchThreshold int `yaml:"search_threshold"`
	MaxIntervalDays int `yaml:"max_interval_days"`
	MinIntervalDays int `yaml:"min_interval_days"`
	BatchSize       int `yaml:"batch_size"`

	// Refresh and locking, in seconds.
	CacheFreshnessSec    int `yaml:"cache_freshness_sec"`
	LockTimeoutSec       int `yaml:"lock_timeout_sec"`
	LockHeartbeatSec     int `yaml:"lock_heartbeat_sec"`
	LockSweepIntervalSec int `yaml:"lock_sweep_interval_sec"`
}

// Load reads the YAML file at path (missing file is fine, env-only setups are
// common) and then applies env overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	if cfg.UpstreamToken == "" {
		return nil, fmt.Errorf("UPSTREAM_TOKEN is required")
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.DatabaseURL, "DB_URL")
	envStr(&c.UpstreamToken, "UPSTREAM_TOKEN")
	envStr(&c.UpstreamURL, "UPSTREAM_URL")
	envStr(&c.AdminJWTKey, "ADMIN_JWT_KEY")
	envInt(&c.APIPort, "PORT")
	envInt(&c.SearchThreshold, "BINARY_SEARCH_THRESHOLD")
	envInt(&c.MaxIntervalDays, "BINARY_SEARCH_MAX_INTERVAL")
	envInt(&c.MinIntervalDays, "BINARY_SEARCH_MIN_INTERVAL")
	envInt(&c.BatchSize, "BINARY_SEARCH_BATCH_SIZE")
	envInt(&c.CacheFreshnessSec, "CACHE_FRESHNESS_SEC")
	envInt(&c.LockTimeoutSec, "LOCK_TIMEOUT_SEC")
	envInt(&c.LockHeartbeatSec, "LOCK_HEARTBEAT_SEC")
	envInt(&c.LockSweepIntervalSec, "LOCK_SWEEP_INTERVAL_SEC")
}

func (c *Config) applyDefaults() {
	if c.APIPort == 0 {
		c.APIPort = 8080
	}
	if c.SearchThreshold == 0 {
		c.SearchThreshold = 50
	}
	if c.MaxIntervalDays == 0 {
		c.MaxIntervalDays = 30
	}
	if c.MinIntervalDays == 0 {
		c.MinIntervalDays = 1
	}
	if c.BatchSize == 0 {
		c.BatchSize = 12
	}
	if c.CacheFreshnessSec == 0 {
		c.CacheFreshnessSec = int(24 * time.Hour / time.Second)
	}
	if c.LockTimeoutSec == 0 {
		c.LockTimeoutSec = 120
	}
	if c.LockHeartbeatSec == 0 {
		c.LockHeartbeatSec = 30
	}
	if c.LockSweepIntervalSec == 0 {
		c.LockSweepIntervalSec = 300
	}
}

func (c *Config) CacheFreshness() time.Duration { return secs(c.CacheFreshnessSec) }
func (c *Config) LockTimeout() time.Duration    { return secs(c.LockTimeoutSec) }
func (c *Config) LockHeartbeat() time.Duration  { return secs(c.LockHeartbeatSec) }
func (c *Config) LockSweepInterval() time.Duration {
	return secs(c.LockSweepIntervalSec)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
