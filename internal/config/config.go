// Package config loads and validates config.toml, the text configuration
// file for a Flux node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jonmest/flux/internal/fluxerr"
)

// Backend is one configured upstream: an address and its weighted-round-
// robin weight.
type Backend struct {
	Addr   string `toml:"addr"`
	Weight int    `toml:"weight"`
}

// Server holds the front-end listener settings.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
}

// HealthCheck holds the active probe engine's timing.
// Disabled defaults to false (health checking on) since a bare TOML bool
// can't distinguish "unset" from "explicitly false".
type HealthCheck struct {
	Disabled             bool `toml:"disabled"`
	CheckIntervalSeconds int  `toml:"check_interval_seconds"`
	CheckTimeoutSeconds  int  `toml:"check_timeout_seconds"`
}

// Gossip holds the SWIM failure detector's transport and timing.
type Gossip struct {
	BindAddr            string   `toml:"bind_addr"`
	SeedNodes           []string `toml:"seed_nodes"`
	GossipIntervalMs    int      `toml:"gossip_interval_ms"`
	PingTimeoutMs       int      `toml:"ping_timeout_ms"`
	SuspectTimeoutMs    int      `toml:"suspect_timeout_ms"`
	IndirectProbeCount  int      `toml:"indirect_probe_count"`
	Fanout              int      `toml:"fanout"`
}

// Pool holds the outbound connection pool's caps and TTLs.
type Pool struct {
	MaxPerBackend        int `toml:"max_per_backend"`
	MaxTotal             int `toml:"max_total"`
	IdleTTLSeconds       int `toml:"idle_ttl_seconds"`
	ReapIntervalSeconds  int `toml:"reap_interval_seconds"`
}

// Config is the fully parsed and defaulted configuration tree.
type Config struct {
	Server      Server      `toml:"server"`
	Backends    []Backend   `toml:"backends"`
	HealthCheck HealthCheck `toml:"health_check"`
	Gossip      Gossip      `toml:"gossip"`
	Pool        Pool        `toml:"pool"`
	LogLevel    string      `toml:"log_level"`
}

// Load reads and parses path, applies defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fluxerr.ConfigInvalid(fmt.Sprintf("reading %s: %v", path, err))
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.HealthCheck.CheckIntervalSeconds == 0 {
		cfg.HealthCheck.CheckIntervalSeconds = 5
	}
	if cfg.HealthCheck.CheckTimeoutSeconds == 0 {
		cfg.HealthCheck.CheckTimeoutSeconds = 2
	}
	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = ":7946"
	}
	if cfg.Gossip.GossipIntervalMs == 0 {
		cfg.Gossip.GossipIntervalMs = 1000
	}
	if cfg.Gossip.PingTimeoutMs == 0 {
		cfg.Gossip.PingTimeoutMs = 500
	}
	if cfg.Gossip.SuspectTimeoutMs == 0 {
		cfg.Gossip.SuspectTimeoutMs = 5000
	}
	if cfg.Gossip.IndirectProbeCount == 0 {
		cfg.Gossip.IndirectProbeCount = 3
	}
	if cfg.Gossip.Fanout == 0 {
		cfg.Gossip.Fanout = 3
	}
	if cfg.Pool.MaxPerBackend == 0 {
		cfg.Pool.MaxPerBackend = 50
	}
	if cfg.Pool.MaxTotal == 0 {
		cfg.Pool.MaxTotal = 500
	}
	if cfg.Pool.IdleTTLSeconds == 0 {
		cfg.Pool.IdleTTLSeconds = 60
	}
	if cfg.Pool.ReapIntervalSeconds == 0 {
		cfg.Pool.ReapIntervalSeconds = 10
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].Weight <= 0 {
			cfg.Backends[i].Weight = 1
		}
	}
}

// applyEnvOverrides reads FLUX_* environment variables that take
// precedence over whatever config.toml sets, for the handful of knobs
// operators expect to override without editing the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.ListenAddr = EnvStr("FLUX_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Gossip.BindAddr = EnvStr("FLUX_GOSSIP_BIND_ADDR", cfg.Gossip.BindAddr)
	cfg.LogLevel = EnvStr("FLUX_LOG_LEVEL", cfg.LogLevel)

	cfg.Gossip.Fanout = EnvInt("FLUX_GOSSIP_FANOUT", cfg.Gossip.Fanout)
	cfg.Pool.MaxTotal = EnvInt("FLUX_POOL_MAX_TOTAL", cfg.Pool.MaxTotal)

	cfg.Gossip.SuspectTimeoutMs = int(EnvDur("FLUX_GOSSIP_SUSPECT_TIMEOUT", time.Duration(cfg.Gossip.SuspectTimeoutMs)*time.Millisecond) / time.Millisecond)
	cfg.Pool.IdleTTLSeconds = int(EnvDur("FLUX_POOL_IDLE_TTL", time.Duration(cfg.Pool.IdleTTLSeconds)*time.Second) / time.Second)

	cfg.HealthCheck.Disabled = EnvBool("FLUX_HEALTH_CHECK_DISABLED", cfg.HealthCheck.Disabled)
}

// Validate rejects a configuration that cannot safely start the process.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return fluxerr.ConfigInvalid("server.listen_addr is required")
	}
	if len(c.Backends) == 0 {
		return fluxerr.ConfigInvalid("backends must contain at least one entry")
	}
	for _, b := range c.Backends {
		if strings.TrimSpace(b.Addr) == "" {
			return fluxerr.ConfigInvalid("backend addr must not be empty")
		}
		if b.Weight <= 0 {
			return fluxerr.ConfigInvalid(fmt.Sprintf("backend %s: weight must be positive", b.Addr))
		}
	}
	return nil
}

// CheckInterval returns the health checker's tick interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.HealthCheck.CheckIntervalSeconds) * time.Second
}

// CheckTimeout returns the health checker's per-probe timeout.
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.HealthCheck.CheckTimeoutSeconds) * time.Second
}

// GossipInterval returns the failure detector's tick interval.
func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.Gossip.GossipIntervalMs) * time.Millisecond
}

// PingTimeout returns the direct-ping deadline.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Gossip.PingTimeoutMs) * time.Millisecond
}

// SuspectTimeout returns how long a member stays Suspect before Dead.
func (c *Config) SuspectTimeout() time.Duration {
	return time.Duration(c.Gossip.SuspectTimeoutMs) * time.Millisecond
}

// IndirectTimeout returns the indirect-probe round's deadline, derived
// as a small multiple of the direct-ping timeout so a relayed round trip
// has a fair chance to complete.
func (c *Config) IndirectTimeout() time.Duration {
	return c.PingTimeout() * 2
}

// IdleTTL returns how long a pooled connection may sit idle before eviction.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Pool.IdleTTLSeconds) * time.Second
}

// ReapInterval returns the connection pool maintenance task's period.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Pool.ReapIntervalSeconds) * time.Second
}

// EnvStr reads a string environment variable, falling back to def when unset.
func EnvStr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// EnvInt reads an integer environment variable, falling back to def
// when unset, empty, or non-positive.
func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			return x
		}
	}
	return def
}

// EnvDur reads a duration environment variable (Go duration syntax, e.g.
// "5s"), falling back to def when unset or unparseable.
func EnvDur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// EnvBool reads a boolean environment variable, falling back to def when
// unset. Recognizes "1", "true", "yes", "on" (case-insensitive) as true;
// anything else present is false.
func EnvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes" || v == "on"
	}
	return def
}
