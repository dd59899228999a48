// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	humanize "github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"bicycle-proxy-go/internal/model"
	"bicycle-proxy-go/internal/target"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/bicycle-proxy/config.toml",
	"configs/config.toml",
}

// DefaultUploadLimit is the per-field size above which multipart uploads are
// spilled to disk.
const DefaultUploadLimit = 5 * 1024 * 1024

// NoBodyLimit as server.body_max_bytes turns the inbound request size cap off.
const NoBodyLimit = -1

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamHost string           `kong:"help='Upstream host to forward to (overrides config).',env='PROXY_HOST'"`
	UpstreamPort int              `kong:"help='Upstream port (overrides config).',env='PROXY_PORT'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version      kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Upload   UploadConfig   `toml:"upload"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string          `toml:"host"`
	Port          int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	ContextPath   string          `toml:"context_path"`
	BodyMaxBytes  int64           `toml:"body_max_bytes"` // 0 means the default; NoBodyLimit disables the cap
	ProxyProtocol bool            `toml:"proxy_protocol"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig describes the single forwarding target and how to reach it.
type UpstreamConfig struct {
	Protocol        string `toml:"protocol"`
	Host            string `toml:"host"`
	Port            int    `toml:"port"` // 0 means the protocol's default port
	Path            string `toml:"path"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// UploadConfig controls multipart upload buffering.
type UploadConfig struct {
	MaxFileUploadSize string `toml:"max_file_upload_size"` // humanized, e.g. "5MiB"
	SpillDir          string `toml:"spill_dir"`

	limit int64
}

// Limit returns the parsed in-memory threshold in bytes.
func (u *UploadConfig) Limit() int64 {
	if u.limit <= 0 {
		return DefaultUploadLimit
	}
	return u.limit
}

// AdminConfig holds the prefix for the proxy's own endpoints.
type AdminConfig struct {
	Prefix string `toml:"prefix"`
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
// /etc/bicycle-proxy/config.toml then configs/config.toml. If nothing is found
// the proxy can still start from flags alone as long as --upstream-host is set.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	case cli.UpstreamHost == "":
		return nil, fmt.Errorf("config: no config file found (searched %v) and no --upstream-host given: %w",
			configSearchPaths, model.ErrConfiguration)
	}

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
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate reports every problem at once so a broken config can be fixed in
// a single pass.
func (c *Config) validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	// Upstream target.
	if c.Upstream.Host == "" {
		add("upstream.host is required")
	}
	if c.Upstream.Protocol != "" {
		if _, err := target.ParseProtocol(c.Upstream.Protocol); err != nil {
			add("upstream.protocol must be http or https; got %q", c.Upstream.Protocol)
		}
	}
	if c.Upstream.Port < 0 || c.Upstream.Port > 65535 {
		add("upstream.port must be 0–65535; got %d", c.Upstream.Port)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		add("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		add("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < NoBodyLimit {
		add("server.body_max_bytes must be -1 (unlimited) or non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		add("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if p := c.Server.ContextPath; p != "" && (p[0] != '/' || strings.HasSuffix(p, "/")) {
		add("server.context_path must start with '/' and not end with '/'; got %q", p)
	}

	// Upload threshold.
	if s := c.Upload.MaxFileUploadSize; s != "" {
		n, err := humanize.ParseBytes(s)
		switch {
		case err != nil:
			add("upload.max_file_upload_size is not a valid size: %v", err)
		case n == 0 || n > 1<<40:
			add("upload.max_file_upload_size must be between 1B and 1TiB; got %q", s)
		default:
			c.Upload.limit = int64(n)
		}
	}
	if d := c.Upload.SpillDir; d != "" {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			add("upload.spill_dir %q is not an existing directory", d)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		add("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		add("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Admin prefix and metrics path.
	if p := c.Admin.Prefix; p != "" && (p[0] != '/' || p == "/" || strings.HasSuffix(p, "/")) {
		add("admin.prefix must start with '/' and not end with '/'; got %q", p)
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			add("metrics.path must start with '/'; got %q", p)
		}
		prefix := c.Admin.Prefix
		if prefix == "" {
			prefix = defaultAdminPrefix
		}
		for _, reserved := range []string{prefix + "/healthz", prefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				add("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", model.ErrConfiguration, errs)
	}
	return nil
}

const defaultAdminPrefix = "/_proxy"

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 * 1024 // 64 MB
	}
	c.Upstream.Protocol = strings.ToLower(c.Upstream.Protocol)
	if c.Upstream.Protocol == "" {
		c.Upstream.Protocol = string(target.HTTP)
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = target.Protocol(c.Upstream.Protocol).DefaultPort()
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upload.limit == 0 {
		c.Upload.limit = DefaultUploadLimit
	}
	if c.Upload.MaxFileUploadSize == "" {
		c.Upload.MaxFileUploadSize = humanize.IBytes(uint64(c.Upload.limit))
	}
	if c.Upload.SpillDir == "" {
		c.Upload.SpillDir = os.TempDir()
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = defaultAdminPrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = c.Admin.Prefix + "/metrics"
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

// NewTarget builds the upstream descriptor from the loaded configuration.
func NewTarget(cfg *Config) (*target.Target, error) {
	t, err := target.New(target.Protocol(cfg.Upstream.Protocol), cfg.Upstream.Host, cfg.Upstream.Port, cfg.Upstream.Path)
	if err != nil {
		return nil, fmt.Errorf("config: upstream: %w", err)
	}
	return t, nil
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; the upstream target could be redirected",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
