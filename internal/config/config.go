// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pdf2zh-proxy/config.toml",
	"configs/config.toml",
}

// StdoutSink is the log destination that means "standard output".
const StdoutSink = "-"

// CLI holds command-line arguments shared by the serve and start commands.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Proxy listen port (overrides config).',env='PROXY_PORT'"`
	BackendPort int    `kong:"short='b',help='Backend (gradio) port on 127.0.0.1 (overrides config).',env='BACKEND_PORT'"`
	Workers     int    `kong:"short='w',help='Number of proxy workers sharing the listener (overrides config). Each serves connections concurrently; only server.max_connections caps concurrency.',env='WORKERS'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AccessLog   string `kong:"help='Access log destination, - for stdout (overrides config).',env='ACCESS_LOG'"`
	ErrorLog    string `kong:"help='Error log destination, - for stdout (overrides config).',env='ERROR_LOG'"`
}

// Config is the top-level application configuration.
// It is built once at startup and never mutated afterwards.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Log     LogConfig     `toml:"log"`
	Admin   AdminConfig   `toml:"admin"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the inbound listener and worker pool settings.
type ServerConfig struct {
	Host                   string          `toml:"host"`
	Port                   int             `toml:"port"` // 0 means "use default" (8080)
	Workers                int             `toml:"workers"`         // accept loops; not a concurrency bound
	MaxConnections         int             `toml:"max_connections"` // 0 means unlimited; the only concurrency cap
	BodyMaxBytes           int64           `toml:"body_max_bytes"` // 0 means unlimited
	ForwardedHeaders       bool            `toml:"forwarded_headers"`
	StripHopByHop          bool            `toml:"strip_hop_by_hop"`
	ShutdownTimeoutSeconds int             `toml:"shutdown_timeout_seconds"`
	RateLimit              RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes the local server requests are forwarded to.
type BackendConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 means no timeout
	IdleConnections int    `toml:"idle_connections"`
	PreserveHost    *bool  `toml:"preserve_host"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AccessLog string `toml:"access_log"`
	ErrorLog  string `toml:"error_log"`
}

// AdminConfig holds the optional health/metrics listener. Port 0 disables it.
type AdminConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/pdf2zh-proxy/config.toml then configs/config.toml and falls back to
// defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if cfg.Backend.Port == 0 {
		return nil, fmt.Errorf("config: validate: backend.port is required")
	}
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
	if cli.BackendPort != 0 {
		c.Backend.Port = cli.BackendPort
	}
	if cli.Workers != 0 {
		c.Server.Workers = cli.Workers
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AccessLog != "" {
		c.Log.AccessLog = cli.AccessLog
	}
	if cli.ErrorLog != "" {
		c.Log.ErrorLog = cli.ErrorLog
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	for name, port := range map[string]int{
		"server.port":  c.Server.Port,
		"backend.port": c.Backend.Port,
		"admin.port":   c.Admin.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0–65535; got %d", name, port)
		}
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must be non-negative; got %d", c.Server.Workers)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be non-negative; got %d", c.Server.MaxConnections)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be non-negative; got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
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
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. backend.port has no default.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 4
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Backend.PreserveHost == nil {
		preserve := true
		c.Backend.PreserveHost = &preserve
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.AccessLog == "" {
		c.Log.AccessLog = StdoutSink
	}
	if c.Log.ErrorLog == "" {
		c.Log.ErrorLog = StdoutSink
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
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

// Addr returns the server listen address as host:port, bracketing IPv6 hosts.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port, bracketing IPv6 hosts.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Enabled reports whether the admin listener should be started.
func (c *AdminConfig) Enabled() bool {
	return c.Port != 0
}

// BaseURL returns the scheme and authority requests are forwarded to.
func (c *BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// KeepHost reports whether the inbound Host header is forwarded to the backend.
func (c *BackendConfig) KeepHost() bool {
	return c.PreserveHost == nil || *c.PreserveHost
}

// WarnPermissions logs a warning if the config file is writable by group or
// others. Whoever can edit it decides where requests are forwarded.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnUnservedMetrics logs a warning when metrics are enabled but no admin
// listener exists to expose them.
func (c *Config) WarnUnservedMetrics(logger *slog.Logger) {
	if c.Metrics.Enabled && !c.Admin.Enabled() {
		logger.Warn("metrics enabled but admin.port is 0; metrics are collected but not served",
			"path", c.Metrics.Path,
		)
	}
}
