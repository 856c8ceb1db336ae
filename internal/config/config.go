// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v4"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-relay/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the relay itself and cannot host the metrics endpoint.
var reservedRoutes = []string{"/api", "/fetch", "/healthz", "/proxy/status", "/works", "/index.html"}

// DefaultAPIContentTypes is the response content-type allow-list for /api/ calls.
var DefaultAPIContentTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/x-www-form-urlencoded",
	"multipart/form-data",
	"application/octet-stream",
	"application/x-ndjson",
	"text/event-stream",
	"application/vnd.api+json",
}

const (
	defaultMaxSizeBytes   = 1 << 20 // 1 MiB
	defaultProtocolVer    = 11
	defaultMaxRetry       = 1
	maxRetryLimit         = 5
	defaultCorrectionSize = 2000
	defaultHostSuffix     = ".googlevideo.com"
	defaultPathPrefix     = "/videoplayback"
	defaultIndexURL       = "https://raw.githubusercontent.com/PyroSoar/cloudflare-workers-proxy/refs/heads/main/index.html"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	UpstreamProxy string `kong:"help='Outbound HTTP proxy URL (overrides config).',env='UPSTREAM_PROXY'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Relay    RelayConfig    `toml:"relay" yaml:"relay"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes  int64  `toml:"body_max_bytes" yaml:"body_max_bytes"`
	HTTPSRedirect bool   `toml:"https_redirect" yaml:"https_redirect"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections" yaml:"idle_connections"`
	ProxyURL        string `toml:"proxy_url" yaml:"proxy_url"`
}

// RelayConfig holds the relay protocol constants.
type RelayConfig struct {
	MaxSizeBytes        int64            `toml:"max_size_bytes" yaml:"max_size_bytes"`
	ProtocolVersion     int              `toml:"protocol_version" yaml:"protocol_version"`
	VerifyProbeLength   bool             `toml:"verify_probe_length" yaml:"verify_probe_length"`
	ProbeTimeoutSeconds int              `toml:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`
	APIContentTypes     []string         `toml:"api_content_types" yaml:"api_content_types"`
	IndexURL            string           `toml:"index_url" yaml:"index_url"`
	Correction          CorrectionConfig `toml:"correction" yaml:"correction"`
}

// CorrectionConfig controls the redirect-correction retry for signed CDN URLs.
type CorrectionConfig struct {
	MaxRetry     int    `toml:"max_retry" yaml:"max_retry"`
	MaxBodyBytes int64  `toml:"max_body_bytes" yaml:"max_body_bytes"`
	HostSuffix   string `toml:"host_suffix" yaml:"host_suffix"`
	PathPrefix   string `toml:"path_prefix" yaml:"path_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-relay/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// decode picks the decoder from the file extension; TOML is the default.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
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
	if cli.UpstreamProxy != "" {
		c.Upstream.ProxyURL = cli.UpstreamProxy
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
	if c.Relay.MaxSizeBytes < 0 {
		return fmt.Errorf("relay.max_size_bytes must be non-negative; got %d", c.Relay.MaxSizeBytes)
	}
	if c.Relay.ProtocolVersion < 0 {
		return fmt.Errorf("relay.protocol_version must be non-negative; got %d", c.Relay.ProtocolVersion)
	}
	if c.Relay.ProbeTimeoutSeconds < 0 {
		return fmt.Errorf("relay.probe_timeout_seconds must be non-negative; got %d", c.Relay.ProbeTimeoutSeconds)
	}
	if r := c.Relay.Correction.MaxRetry; r < 0 || r > maxRetryLimit {
		return fmt.Errorf("relay.correction.max_retry must be 0–%d; got %d", maxRetryLimit, r)
	}
	if c.Relay.Correction.MaxBodyBytes < 0 {
		return fmt.Errorf("relay.correction.max_body_bytes must be non-negative; got %d", c.Relay.Correction.MaxBodyBytes)
	}
	if p := c.Relay.Correction.PathPrefix; p != "" && p[0] != '/' {
		return fmt.Errorf("relay.correction.path_prefix must start with '/'; got %q", p)
	}
	for _, ct := range c.Relay.APIContentTypes {
		if strings.TrimSpace(ct) == "" {
			return fmt.Errorf("relay.api_content_types must not contain empty entries")
		}
	}

	// Outbound URLs.
	if err := validateHTTPURL("upstream.proxy_url", c.Upstream.ProxyURL); err != nil {
		return err
	}
	if err := validateHTTPURL("relay.index_url", c.Relay.IndexURL); err != nil {
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
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. Setting max_retry=0 therefore
// keeps the default single retry.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Relay.MaxSizeBytes == 0 {
		c.Relay.MaxSizeBytes = defaultMaxSizeBytes
	}
	if c.Relay.ProtocolVersion == 0 {
		c.Relay.ProtocolVersion = defaultProtocolVer
	}
	if c.Relay.ProbeTimeoutSeconds == 0 {
		c.Relay.ProbeTimeoutSeconds = 10
	}
	if len(c.Relay.APIContentTypes) == 0 {
		c.Relay.APIContentTypes = append([]string(nil), DefaultAPIContentTypes...)
	}
	for i, ct := range c.Relay.APIContentTypes {
		c.Relay.APIContentTypes[i] = strings.ToLower(strings.TrimSpace(ct))
	}
	if c.Relay.IndexURL == "" {
		c.Relay.IndexURL = defaultIndexURL
	}
	if c.Relay.Correction.MaxRetry == 0 {
		c.Relay.Correction.MaxRetry = defaultMaxRetry
	}
	if c.Relay.Correction.MaxBodyBytes == 0 {
		c.Relay.Correction.MaxBodyBytes = defaultCorrectionSize
	}
	if c.Relay.Correction.HostSuffix == "" {
		c.Relay.Correction.HostSuffix = defaultHostSuffix
	}
	if c.Relay.Correction.PathPrefix == "" {
		c.Relay.Correction.PathPrefix = defaultPathPrefix
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

// Defaults returns a Config with every field set to its default value.
func Defaults() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
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
