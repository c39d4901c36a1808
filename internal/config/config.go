// Package config loads docchat configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Environment variables consulted by Load and Resolve.
const (
	EnvConfigPath = "DOCCHAT_CONFIG"
	EnvBackendURL = "DOCCHAT_BACKEND_URL"
)

// Config is the main configuration structure for docchat.
type Config struct {
	Version int           `yaml:"version"`
	Backend BackendConfig `yaml:"backend"`
	Sync    SyncConfig    `yaml:"sync"`
	Query   QueryConfig   `yaml:"query"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// BackendConfig points at the document-answering service.
type BackendConfig struct {
	URL            string            `yaml:"url"`
	WebSocketURL   string            `yaml:"websocket_url"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	StreamTimeout  time.Duration     `yaml:"stream_timeout"`
	Headers        map[string]string `yaml:"headers"`
}

// SyncConfig controls the chunk synchronizer.
type SyncConfig struct {
	// Interval is the fixed polling period used when Schedule is empty.
	Interval time.Duration `yaml:"interval"`
	// Schedule is a cron expression or descriptor such as "@every 10s".
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone"`
	// Push subscribes to the websocket feed instead of polling.
	Push      bool          `yaml:"push"`
	Reconnect BackoffConfig `yaml:"reconnect"`
}

// BackoffConfig configures push feed reconnects.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// QueryConfig controls how questions are sent.
type QueryConfig struct {
	// Streaming requests incremental NDJSON answers.
	Streaming bool `yaml:"streaming"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig exposes Prometheus metrics for long-running commands.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Resolve picks the config path: the explicit path if set, otherwise
// $DOCCHAT_CONFIG. An empty result means built-in defaults.
func Resolve(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(EnvConfigPath))
}

// Load reads, validates and defaults the configuration at path. An empty
// path yields Default with environment overrides applied.
func Load(path string) (*Config, error) {
	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{}
	} else {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := validateSchema(raw); err != nil {
			return nil, err
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		cfg.Backend.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:8000"
	}
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = 30 * time.Second
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 5 * time.Second
	}
	if cfg.Sync.Reconnect.Initial == 0 {
		cfg.Sync.Reconnect.Initial = 500 * time.Millisecond
	}
	if cfg.Sync.Reconnect.Max == 0 {
		cfg.Sync.Reconnect.Max = 30 * time.Second
	}
	if cfg.Sync.Reconnect.Factor == 0 {
		cfg.Sync.Reconnect.Factor = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "docchat"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	issues = append(issues, validateURL("backend.url", c.Backend.URL, "http", "https")...)
	if c.Backend.WebSocketURL != "" {
		issues = append(issues, validateURL("backend.websocket_url", c.Backend.WebSocketURL, "ws", "wss")...)
	}
	if c.Backend.RequestTimeout < 0 {
		issues = append(issues, "backend.request_timeout must not be negative")
	}
	if c.Backend.StreamTimeout < 0 {
		issues = append(issues, "backend.stream_timeout must not be negative")
	}

	if c.Sync.Interval < 0 {
		issues = append(issues, "sync.interval must be positive")
	}
	if c.Sync.Timezone != "" && strings.TrimSpace(c.Sync.Schedule) == "" {
		issues = append(issues, "sync.timezone requires sync.schedule")
	}
	if c.Sync.Reconnect.Max < c.Sync.Reconnect.Initial {
		issues = append(issues, "sync.reconnect.max must be at least sync.reconnect.initial")
	}
	if c.Sync.Reconnect.Factor < 1 {
		issues = append(issues, "sync.reconnect.factor must be at least 1")
	}
	if c.Sync.Reconnect.Jitter < 0 || c.Sync.Reconnect.Jitter > 1 {
		issues = append(issues, "sync.reconnect.jitter must be between 0 and 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		issues = append(issues, "tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) []string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return []string{fmt.Sprintf("%s %q is not an absolute URL", field, raw)}
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return []string{fmt.Sprintf("%s scheme must be one of %s", field, strings.Join(schemes, ", "))}
}
