// Package config loads the proxy configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"openfms/rpcproxy/internal/dubbo"
	"openfms/rpcproxy/internal/logger"
)

const (
	FilterAllowlist = "allowlist"
	FilterRouter    = "router"
)

// Config holds all configuration for the proxy
type Config struct {
	Proxy      ProxyConfig      `yaml:"proxy"`
	Connection ConnectionConfig `yaml:"connection"`
	Dubbo      DubboConfig      `yaml:"dubbo"`
	Filters    []string         `yaml:"filters"` // applied in order; the last one must be "router"
	Router     RouterConfig     `yaml:"router"`
	Allowlist  AllowlistConfig  `yaml:"allowlist"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Log        logger.Config    `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ProxyConfig struct {
	ID         string `yaml:"id"`          // e.g., "proxy-01"
	ListenAddr string `yaml:"listen_addr"` // e.g., ":20880"
	AdminAddr  string `yaml:"admin_addr"`  // e.g., ":8081"; empty disables the admin server
}

type ConnectionConfig struct {
	BufferLimit        uint32 `yaml:"buffer_limit"`         // write buffer high watermark in bytes
	ReadBufferSize     int    `yaml:"read_buffer_size"`     // bytes per socket read
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"` // 0 disables
}

// IdleTimeout converts IdleTimeoutSeconds.
func (c ConnectionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

type DubboConfig struct {
	MaxBodySize   int    `yaml:"max_body_size"`
	Serialization string `yaml:"serialization"` // only "cbor" is served
}

type RouterConfig struct {
	SubjectPrefix string `yaml:"subject_prefix"`
	TimeoutMillis int    `yaml:"timeout_ms"`
}

// Timeout converts TimeoutMillis.
func (c RouterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

type AllowlistConfig struct {
	Services []string `yaml:"services"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"` // empty disables connection presence
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// TTL converts TTLSeconds.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Load reads file (if not empty), overlays the environment, applies
// defaults and validates the result.
func Load(file string) (*Config, error) {
	cfg := &Config{}
	if file != "" {
		loaded, err := LoadConfig(file)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig parses a YAML file.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with the environment.
func ApplyEnv(cfg *Config) error {
	limit, err := getEnvAsUint32("RPCPROXY_BUFFER_LIMIT", cfg.Connection.BufferLimit)
	if err != nil {
		return err
	}
	cfg.Connection.BufferLimit = limit

	cfg.Proxy.ID = getEnv("RPCPROXY_ID", cfg.Proxy.ID)
	cfg.Proxy.ListenAddr = getEnv("RPCPROXY_LISTEN_ADDR", cfg.Proxy.ListenAddr)
	cfg.Proxy.AdminAddr = getEnv("RPCPROXY_ADMIN_ADDR", cfg.Proxy.AdminAddr)
	cfg.Connection.IdleTimeoutSeconds = getEnvAsInt("RPCPROXY_IDLE_TIMEOUT", cfg.Connection.IdleTimeoutSeconds)
	cfg.Router.SubjectPrefix = getEnv("RPCPROXY_SUBJECT_PREFIX", cfg.Router.SubjectPrefix)
	cfg.Router.TimeoutMillis = getEnvAsInt("RPCPROXY_ROUTER_TIMEOUT_MS", cfg.Router.TimeoutMillis)
	cfg.Redis.Addr = getEnv("REDIS_URL", cfg.Redis.Addr)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Log.Level = getEnv("RPCPROXY_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("RPCPROXY_LOG_FORMAT", cfg.Log.Format)
	return nil
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Proxy.ID == "" {
		cfg.Proxy.ID = "proxy-01"
	}
	if cfg.Proxy.ListenAddr == "" {
		cfg.Proxy.ListenAddr = ":20880"
	}

	if cfg.Connection.BufferLimit == 0 {
		cfg.Connection.BufferLimit = 1024 * 1024
	}
	if cfg.Connection.ReadBufferSize == 0 {
		cfg.Connection.ReadBufferSize = 16 * 1024
	}

	if cfg.Dubbo.MaxBodySize == 0 {
		cfg.Dubbo.MaxBodySize = 8 * 1024 * 1024
	}
	if cfg.Dubbo.Serialization == "" {
		cfg.Dubbo.Serialization = "cbor"
	}

	if len(cfg.Filters) == 0 {
		cfg.Filters = []string{FilterRouter}
	}
	if cfg.Router.SubjectPrefix == "" {
		cfg.Router.SubjectPrefix = "rpc"
	}
	if cfg.Router.TimeoutMillis == 0 {
		cfg.Router.TimeoutMillis = 3000
	}

	if cfg.Redis.TTLSeconds == 0 {
		cfg.Redis.TTLSeconds = 300
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "rpcproxy-" + cfg.Proxy.ID
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "rpcproxy"
	}
}

// Validate reports the first inconsistency in cfg.
func (c *Config) Validate() error {
	serialization, err := dubbo.ParseSerializationType(c.Dubbo.Serialization)
	if err != nil {
		return fmt.Errorf("dubbo.serialization: %w", err)
	}
	if serialization != dubbo.SerializationCBOR {
		return fmt.Errorf("dubbo.serialization %q is not supported, only %q is", c.Dubbo.Serialization, dubbo.SerializationCBOR)
	}
	if c.Connection.BufferLimit < 2 {
		return errors.New("connection.buffer_limit must be at least 2 bytes")
	}
	for name, v := range map[string]int{
		"connection.read_buffer_size":     c.Connection.ReadBufferSize,
		"connection.idle_timeout_seconds": c.Connection.IdleTimeoutSeconds,
		"dubbo.max_body_size":             c.Dubbo.MaxBodySize,
		"router.timeout_ms":               c.Router.TimeoutMillis,
		"redis.ttl_seconds":               c.Redis.TTLSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}

	if len(c.Filters) == 0 {
		return errors.New("filters: empty chain")
	}
	seen := make(map[string]bool, len(c.Filters))
	for i, name := range c.Filters {
		switch name {
		case FilterAllowlist, FilterRouter:
		default:
			return fmt.Errorf("filters[%d]: unknown filter %q", i, name)
		}
		if seen[name] {
			return fmt.Errorf("filters[%d]: %q listed twice", i, name)
		}
		seen[name] = true
	}
	if c.Filters[len(c.Filters)-1] != FilterRouter {
		return fmt.Errorf("filters: the chain must end with %q, got [%s]", FilterRouter, strings.Join(c.Filters, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsUint32 fails instead of wrapping negative or oversized values.
func getEnvAsUint32(key string, defaultValue uint32) (uint32, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an unsigned 32 bit integer", key, value)
	}
	return uint32(n), nil
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
