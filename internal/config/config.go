// Package config loads the server configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/metrics"
	"github.com/1ureka/udplink/internal/transport"
)

// Environment overrides, applied after the file.
const (
	EnvPorts    = "UDPLINK_PORTS"
	EnvBind     = "UDPLINK_BIND"
	EnvLogLevel = "UDPLINK_LOG_LEVEL"
	EnvMonitor  = "UDPLINK_MONITOR"
)

const (
	DefaultPort             = 11885
	DefaultFailoverAttempts = 3
	DefaultIdentityPath     = "~/.udplink/identity.db"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Ports            []int
	Bind             []netip.Addr // empty binds every interface
	Failover         bool
	FailoverAttempts int

	Timeout                 time.Duration
	PossibleTimeout         time.Duration
	PossibleTimeoutInterval time.Duration

	IdentityPath string // empty disables persistent peer ids
	MonitorAddr  string // empty disables the monitor
	LogLevel     string
}

// fileConfig is the key mapping of the TOML file.
type fileConfig struct {
	Ports                   string `toml:"ports"`
	Bind                    string `toml:"bind"`
	Failover                bool   `toml:"failover"`
	FailoverAttempts        int    `toml:"failover_attempts"`
	Timeout                 string `toml:"timeout"`
	PossibleTimeout         string `toml:"possible_timeout"`
	PossibleTimeoutInterval string `toml:"possible_timeout_interval"`
	IdentityPath            string `toml:"identity_path"`
	MonitorAddr             string `toml:"monitor_addr"`
	LogLevel                string `toml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Ports:            []int{DefaultPort},
		FailoverAttempts: DefaultFailoverAttempts,
		Timeout:          link.DefaultTimeout,
		IdentityPath:     DefaultIdentityPath,
		LogLevel:         "info",
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment overrides, expands the identity path and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.IdentityPath != "" {
		expanded, err := homedir.Expand(cfg.IdentityPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve identity path %q: %w", cfg.IdentityPath, err)
		}
		cfg.IdentityPath = expanded
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("ports") {
		if c.Ports, err = ParsePorts(raw.Ports); err != nil {
			return err
		}
	}
	if meta.IsDefined("bind") {
		if c.Bind, err = ParseBind(raw.Bind); err != nil {
			return err
		}
	}
	if meta.IsDefined("failover") {
		c.Failover = raw.Failover
	}
	if meta.IsDefined("failover_attempts") {
		c.FailoverAttempts = raw.FailoverAttempts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeout", raw.Timeout, &c.Timeout},
		{"possible_timeout", raw.PossibleTimeout, &c.PossibleTimeout},
		{"possible_timeout_interval", raw.PossibleTimeoutInterval, &c.PossibleTimeoutInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("identity_path") {
		c.IdentityPath = strings.TrimSpace(raw.IdentityPath)
	}
	if meta.IsDefined("monitor_addr") {
		c.MonitorAddr = strings.TrimSpace(raw.MonitorAddr)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}

// ApplyEnv overrides fields from the environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var err error
	if v, ok := lookup(EnvPorts); ok {
		if c.Ports, err = ParsePorts(v); err != nil {
			return fmt.Errorf("%s: %w", EnvPorts, err)
		}
	}
	if v, ok := lookup(EnvBind); ok {
		if c.Bind, err = ParseBind(v); err != nil {
			return fmt.Errorf("%s: %w", EnvBind, err)
		}
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvMonitor); ok {
		c.MonitorAddr = strings.TrimSpace(v)
	}
	return nil
}

// Validate rejects out-of-range ports, non-positive durations and unknown
// log levels.
func (c Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("%w: no ports", ErrInvalid)
	}
	for _, p := range c.Ports {
		if p < 0 || p > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalid, p)
		}
	}
	if c.FailoverAttempts < 0 {
		return fmt.Errorf("%w: failover_attempts must not be negative", ErrInvalid)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if c.PossibleTimeout < 0 || c.PossibleTimeoutInterval < 0 {
		return fmt.Errorf("%w: possible timeout durations must not be negative", ErrInvalid)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

// LinkOptions returns the per-link settings.
func (c Config) LinkOptions(m metrics.Recorder) link.Options {
	return link.Options{
		Timeout:                 c.Timeout,
		PossibleTimeout:         c.PossibleTimeout,
		PossibleTimeoutInterval: c.PossibleTimeoutInterval,
		Metrics:                 m,
	}
}

// TransportOptions returns the server settings. ids may be nil.
func (c Config) TransportOptions(ids transport.IDStore, m metrics.Recorder) transport.Options {
	return transport.Options{
		Ports:            c.Ports,
		Bind:             c.Bind,
		Failover:         c.Failover,
		FailoverAttempts: c.FailoverAttempts,
		Link:             c.LinkOptions(m),
		Identity:         ids,
		Metrics:          m,
	}
}

// ---------------------------------------------------------------------------
// Parsers
// ---------------------------------------------------------------------------

// ParsePorts parses a comma-separated port list such as "11885,11886".
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.Atoi(field)
		if err != nil || p < 0 || p > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalid, field)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: empty port list", ErrInvalid)
	}
	return ports, nil
}

// ParseBind parses a comma-separated list of IPv4 addresses. An empty
// string means every interface.
func ParseBind(s string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		a, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("%w: bad bind address %q", ErrInvalid, field)
		}
		a = a.Unmap()
		if !a.Is4() {
			return nil, fmt.Errorf("%w: bind address %s is not IPv4", ErrInvalid, a)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
