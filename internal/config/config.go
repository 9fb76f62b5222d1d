// Package config provides configuration parsing and validation for the DNS relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`
	Health   HealthConfig   `yaml:"health"`
}

// RelayConfig defines the local UDP listener.
type RelayConfig struct {
	LocalHost       string        `yaml:"local_host"`
	LocalPort       int           `yaml:"local_port"`
	MaxPacketSize   int           `yaml:"max_packet_size"`  // receive buffer; longer datagrams are truncated
	PollInterval    time.Duration `yaml:"poll_interval"`    // how often the accept loop checks for stop
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // drain time for in-flight relays
}

// UpstreamConfig defines the upstream resolver. It must accept TCP.
type UpstreamConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
	Proxy           string        `yaml:"proxy"` // socks5://host:port, empty for direct
	MaxResponseSize int           `yaml:"max_response_size"`
	RejectEmpty     bool          `yaml:"reject_empty"` // drop queries the upstream answers with nothing
}

// PoolConfig defines the worker pool.
type PoolConfig struct {
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	OverflowPolicy string `yaml:"overflow_policy"` // drop-newest, drop-oldest, unbounded
}

// LimitsConfig defines query rate limits.
type LimitsConfig struct {
	QueriesPerSecond float64 `yaml:"queries_per_second"` // 0 = unlimited
	Burst            int     `yaml:"burst"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, auto
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			LocalHost:       "127.0.0.1",
			LocalPort:       9053,
			MaxPacketSize:   1024,
			PollInterval:    100 * time.Millisecond,
			ShutdownTimeout: 1000 * time.Millisecond,
		},
		Upstream: UpstreamConfig{
			Port:            53,
			DialTimeout:     5 * time.Second,
			IOTimeout:       5 * time.Second,
			MaxResponseSize: 65537,
		},
		Pool: PoolConfig{
			Workers:        10,
			QueueSize:      256,
			OverflowPolicy: "drop-newest",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8053",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadUnvalidated reads and parses a configuration file without validating
// it, for callers that apply overrides first.
func LoadUnvalidated(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Decode(data)
}

// Parse parses and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Decode parses YAML bytes on top of the defaults without validating, for
// callers that apply overrides before calling Validate.
func Decode(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset; unknown references
// are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors and reports all of them at once.
func (c *Config) Validate() error {
	var errs []string

	if !isValidPort(c.Relay.LocalPort, true) {
		errs = append(errs, fmt.Sprintf("relay.local_port out of range: %d", c.Relay.LocalPort))
	}
	if c.Relay.LocalHost != "" && net.ParseIP(c.Relay.LocalHost) == nil && c.Relay.LocalHost != "localhost" {
		errs = append(errs, fmt.Sprintf("relay.local_host must be an IP address: %s", c.Relay.LocalHost))
	}
	if c.Relay.MaxPacketSize < 12 || c.Relay.MaxPacketSize > 65535 {
		errs = append(errs, "relay.max_packet_size must be between 12 and 65535")
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, "relay.poll_interval must be positive")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		errs = append(errs, "relay.shutdown_timeout must be positive")
	}

	if c.Upstream.Host == "" {
		errs = append(errs, "upstream.host is required")
	}
	if !isValidPort(c.Upstream.Port, false) {
		errs = append(errs, fmt.Sprintf("upstream.port out of range: %d", c.Upstream.Port))
	}
	if c.Upstream.Proxy != "" {
		if err := validateProxy(c.Upstream.Proxy); err != nil {
			errs = append(errs, fmt.Sprintf("upstream.proxy: %v", err))
		}
	}
	if c.Upstream.MaxResponseSize < 12 {
		errs = append(errs, "upstream.max_response_size must be at least 12")
	}

	if c.Pool.Workers < 1 {
		errs = append(errs, "pool.workers must be positive")
	}
	if !isValidOverflowPolicy(c.Pool.OverflowPolicy) {
		errs = append(errs, fmt.Sprintf("invalid pool.overflow_policy: %s (must be drop-newest, drop-oldest, or unbounded)", c.Pool.OverflowPolicy))
	} else if c.Pool.OverflowPolicy != "unbounded" && c.Pool.QueueSize < 1 {
		errs = append(errs, "pool.queue_size must be positive unless overflow_policy is unbounded")
	}

	if c.Limits.QueriesPerSecond < 0 {
		errs = append(errs, "limits.queries_per_second must not be negative")
	}
	if c.Limits.Burst < 0 {
		errs = append(errs, "limits.burst must not be negative")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json, or auto)", c.Log.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidPort(port int, allowZero bool) bool {
	if port == 0 {
		return allowZero
	}
	return port > 0 && port <= 65535
}

func isValidOverflowPolicy(policy string) bool {
	switch policy {
	case "drop-newest", "drop-oldest", "unbounded":
		return true
	default:
		return false
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json", "auto":
		return true
	default:
		return false
	}
}

func validateProxy(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return fmt.Errorf("unsupported scheme %q (must be socks5 or socks5h)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing proxy host")
	}
	return nil
}

// redactedValue is the placeholder for sensitive values.
// redactedValue replaces secrets in printed config. It must survive URL
// userinfo encoding unchanged.
const redactedValue = "REDACTED"

// String returns the config as YAML with proxy credentials redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a copy of the config that is safe to log.
func (c *Config) Redacted() *Config {
	redacted := *c
	if u, err := url.Parse(c.Upstream.Proxy); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redactedValue)
			redacted.Upstream.Proxy = u.String()
		}
	}
	return &redacted
}
