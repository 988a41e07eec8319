// Package config loads the conductor configuration from YAML with
// ${VAR} environment expansion and defaults merged over missing fields.
package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Gateways     []GatewayConfig    `yaml:"gateways"`
	Agents       []AgentConfig      `yaml:"agents"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Identity     IdentityConfig     `yaml:"identity"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Cache        CacheConfig        `yaml:"cache"`
}

// GatewayConfig describes one gateway connection.
type GatewayConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Token is the bearer token, or use TokenEnv to read it from the
	// environment at load time.
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// BearerToken resolves the configured token.
func (g GatewayConfig) BearerToken() string {
	if g.Token != "" {
		return g.Token
	}
	if g.TokenEnv != "" {
		return os.Getenv(g.TokenEnv)
	}
	return ""
}

// AgentConfig describes one statically configured HTTP agent. Gateway
// agents are discovered at startup instead.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	TimeoutMs    int      `yaml:"timeout_ms"`
}

// OrchestratorConfig tunes the think/execute loop.
type OrchestratorConfig struct {
	MaxConcurrency   int `yaml:"max_concurrency"`
	MaxSteps         int `yaml:"max_steps"`
	OutputTruncation int `yaml:"output_truncation"`
	// ThinkerGateway names the gateway used for planning. Empty falls
	// back through the pool in order.
	ThinkerGateway string `yaml:"thinker_gateway"`
}

// ServerConfig tunes the dashboard server.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	MaxRuns int    `yaml:"max_runs"`
}

// StoreConfig selects and configures the run store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// IdentityConfig locates the device identity file. An empty path uses the
// per-user default location.
type IdentityConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig tunes the per-dispatch rate limiter.
type RateLimitConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxRequests  int   `yaml:"max_requests"`
	WindowMs     int   `yaml:"window_ms"`
	QueueExcess  *bool `yaml:"queue_excess"`
	MaxQueueSize int   `yaml:"max_queue_size"`
}

// QueueExcessEnabled defaults to true when unset.
func (r RateLimitConfig) QueueExcessEnabled() bool {
	return r.QueueExcess == nil || *r.QueueExcess
}

// CacheConfig tunes the task result cache.
type CacheConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxEntries        int   `yaml:"max_entries"`
	TTLMs             int   `yaml:"ttl_ms"`
	SlidingExpiration *bool `yaml:"sliding_expiration"`
}

// SlidingEnabled defaults to true when unset.
func (c CacheConfig) SlidingEnabled() bool {
	return c.SlidingExpiration == nil || *c.SlidingExpiration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Orchestrator: OrchestratorConfig{
			MaxConcurrency:   8,
			MaxSteps:         10,
			OutputTruncation: 3000,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8787,
			MaxRuns: 50,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "conductor.db",
		},
		RateLimit: RateLimitConfig{
			MaxRequests:  10,
			WindowMs:     1000,
			MaxQueueSize: 100,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTLMs:      300_000,
		},
	}
}

// Load reads the YAML file at path, expands ${VAR} references against the
// environment, merges defaults over unset fields, and validates the
// result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		expanded := os.Expand(string(data), func(name string) string {
			return os.Getenv(name)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("merging config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, g := range c.Gateways {
		if g.Name == "" {
			return newValidationError(fmt.Sprintf("gateways[%d].name", i), "name is required")
		}
		if seen[g.Name] {
			return newValidationError(fmt.Sprintf("gateways[%d].name", i), "duplicate gateway %q", g.Name)
		}
		seen[g.Name] = true
		if g.URL == "" {
			return newValidationError(fmt.Sprintf("gateways[%d].url", i), "url is required")
		}
	}

	for i, a := range c.Agents {
		if a.Name == "" {
			return newValidationError(fmt.Sprintf("agents[%d].name", i), "name is required")
		}
		if a.URL == "" {
			return newValidationError(fmt.Sprintf("agents[%d].url", i), "url is required")
		}
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return newValidationError("store.path", "path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return newValidationError("store.dsn", "dsn is required for the postgres driver")
		}
	default:
		return newValidationError("store.driver", "unknown driver %q", c.Store.Driver)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return newValidationError("server.port", "port %d out of range", c.Server.Port)
	}
	if c.Orchestrator.ThinkerGateway != "" && !seen[c.Orchestrator.ThinkerGateway] {
		return newValidationError("orchestrator.thinker_gateway", "unknown gateway %q", c.Orchestrator.ThinkerGateway)
	}
	return nil
}
