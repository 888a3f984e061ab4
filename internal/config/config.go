// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and never routed to an origin.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug    bool   `kong:"help='Record per-request debug trails for every request.',env='EDGE_DEBUG'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Headers  HeadersConfig  `toml:"headers"`
	Origins  []OriginConfig `toml:"origins"`
	Routes   []RouteConfig  `toml:"routes"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (7001); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	Debug        bool            `toml:"debug"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds connection settings shared by all origins.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// PipelineConfig tunes the filter pipeline.
type PipelineConfig struct {
	IdleTimeoutSeconds  int   `toml:"idle_timeout_seconds"`
	ChunkSize           int   `toml:"chunk_size"`
	OutboundQueue       int   `toml:"outbound_queue"`
	RequestBodyMaxBytes int64 `toml:"request_body_max_bytes"`
}

// HeadersConfig extends the built-in header deny lists.
type HeadersConfig struct {
	DenyRequest  []string `toml:"deny_request"`
	DenyResponse []string `toml:"deny_response"`
}

// OriginConfig describes one backend service.
type OriginConfig struct {
	Name    string          `toml:"name"`
	Servers []string        `toml:"servers"`
	Breaker BreakerConfig   `toml:"breaker"`
	Limit   OriginRateLimit `toml:"rate_limit"`
}

// BreakerConfig configures the per-server circuit breaker of an origin.
type BreakerConfig struct {
	ConsecutiveFailures int `toml:"consecutive_failures"`
	OpenSeconds         int `toml:"open_seconds"`
	HalfOpenRequests    int `toml:"half_open_requests"`
}

// OriginRateLimit throttles requests to a single origin.
type OriginRateLimit struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	MaxWaitMillis     int     `toml:"max_wait_ms"`
}

// RouteConfig maps inbound requests to an origin. An empty Host matches any
// host; an empty PathPrefix matches any path.
type RouteConfig struct {
	Host       string `toml:"host"`
	PathPrefix string `toml:"path_prefix"`
	Origin     string `toml:"origin"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edge-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Server.Debug = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Pipeline.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("pipeline.idle_timeout_seconds must be non-negative; got %d", c.Pipeline.IdleTimeoutSeconds)
	}
	if c.Pipeline.ChunkSize < 0 {
		return fmt.Errorf("pipeline.chunk_size must be non-negative; got %d", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.OutboundQueue < 0 {
		return fmt.Errorf("pipeline.outbound_queue must be non-negative; got %d", c.Pipeline.OutboundQueue)
	}
	if c.Pipeline.RequestBodyMaxBytes < 0 {
		return fmt.Errorf("pipeline.request_body_max_bytes must be non-negative; got %d", c.Pipeline.RequestBodyMaxBytes)
	}

	if err := c.validateOrigins(); err != nil {
		return err
	}
	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateOrigins() error {
	if len(c.Origins) == 0 {
		return fmt.Errorf("at least one [[origins]] entry is required")
	}
	seen := make(map[string]bool, len(c.Origins))
	for i, o := range c.Origins {
		if o.Name == "" {
			return fmt.Errorf("origins[%d].name is required", i)
		}
		if seen[o.Name] {
			return fmt.Errorf("origins[%d].name %q is duplicated", i, o.Name)
		}
		seen[o.Name] = true

		if len(o.Servers) == 0 {
			return fmt.Errorf("origin %q: at least one server is required", o.Name)
		}
		for _, s := range o.Servers {
			u, err := url.Parse(s)
			if err != nil {
				return fmt.Errorf("origin %q: server %q is not a valid URL: %w", o.Name, s, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("origin %q: server %q must use http or https", o.Name, s)
			}
			if u.Host == "" {
				return fmt.Errorf("origin %q: server %q has no host", o.Name, s)
			}
		}

		if o.Breaker.ConsecutiveFailures < 0 || o.Breaker.OpenSeconds < 0 || o.Breaker.HalfOpenRequests < 0 {
			return fmt.Errorf("origin %q: breaker settings must be non-negative", o.Name)
		}
		if o.Limit.RequestsPerSecond < 0 || o.Limit.Burst < 0 || o.Limit.MaxWaitMillis < 0 {
			return fmt.Errorf("origin %q: rate_limit settings must be non-negative", o.Name)
		}
	}
	return nil
}

func (c *Config) validateRoutes() error {
	known := make(map[string]bool, len(c.Origins))
	for _, o := range c.Origins {
		known[o.Name] = true
	}
	for i, r := range c.Routes {
		if r.Origin == "" {
			return fmt.Errorf("routes[%d].origin is required", i)
		}
		if !known[r.Origin] {
			return fmt.Errorf("routes[%d].origin %q does not name a configured origin", i, r.Origin)
		}
		if r.PathPrefix != "" && r.PathPrefix[0] != '/' {
			return fmt.Errorf("routes[%d].path_prefix must start with '/'; got %q", i, r.PathPrefix)
		}
		for _, reserved := range reservedPaths {
			if r.PathPrefix == reserved {
				return fmt.Errorf("routes[%d].path_prefix %q conflicts with reserved route", i, r.PathPrefix)
			}
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7001
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 25 * 1000 * 1024
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Pipeline.IdleTimeoutSeconds == 0 {
		c.Pipeline.IdleTimeoutSeconds = 90
	}
	if c.Pipeline.ChunkSize == 0 {
		c.Pipeline.ChunkSize = 32 * 1024
	}
	if c.Pipeline.OutboundQueue == 0 {
		c.Pipeline.OutboundQueue = 16
	}
	if c.Pipeline.RequestBodyMaxBytes == 0 {
		c.Pipeline.RequestBodyMaxBytes = c.Server.BodyMaxBytes
	}
	for i := range c.Origins {
		b := &c.Origins[i].Breaker
		if b.ConsecutiveFailures == 0 {
			b.ConsecutiveFailures = 5
		}
		if b.OpenSeconds == 0 {
			b.OpenSeconds = 30
		}
		if b.HalfOpenRequests == 0 {
			b.HalfOpenRequests = 1
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IdleTimeout returns the pipeline idle timeout as a duration.
func (c *PipelineConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Timeout returns the upstream timeout as a duration.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Origin returns the configuration of the named origin.
func (c *Config) Origin(name string) (OriginConfig, bool) {
	for _, o := range c.Origins {
		if o.Name == name {
			return o, true
		}
	}
	return OriginConfig{}, false
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
