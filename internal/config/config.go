// Package config provides the file and environment based configuration
// for the gateway. All durations that operators tune are expressed in
// integer seconds or milliseconds to keep the YAML obvious.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the SQLite control-plane store.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Redis configures the shared counter and cache backend.
	// Optional: when Addr is empty, in-process fallbacks are used and the
	// gateway only governs correctly as a single instance.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Upstream configures the pooled client used to reach MCP servers.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Proxy configures header handling on the forwarding path.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Policy configures the resolver.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Audit configures the asynchronous decision writer.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat selects "json" or "text" output. Defaults to "json".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=json text"`
}

// DatabaseConfig configures the SQLite store holding tenants, keys,
// policies, and audit decisions.
type DatabaseConfig struct {
	// Path is the SQLite database file. Defaults to "cerberus.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	// Addr is the Redis host:port. Empty disables Redis.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Password authenticates the connection when set.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the logical database.
	DB int `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
}

// UpstreamConfig configures the pooled upstream HTTP client.
type UpstreamConfig struct {
	// TimeoutSeconds bounds each forwarding attempt. Defaults to 30.
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"omitempty,min=1"`

	// MaxRetries is the number of additional attempts after the first.
	// Defaults to 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0,max=10"`

	// MaxKeepaliveConnections is the idle pool size per upstream host.
	// Defaults to 20.
	MaxKeepaliveConnections int `yaml:"max_keepalive_connections" mapstructure:"max_keepalive_connections" validate:"omitempty,min=1"`

	// MaxConnections caps total connections per upstream host.
	// Defaults to 100.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"omitempty,min=1"`
}

// ProxyConfig configures header handling on the forwarding path.
type ProxyConfig struct {
	// ForwardAuthorization forwards the client's Authorization header to
	// the upstream. Off by default: the gateway key is not the upstream's
	// credential.
	ForwardAuthorization bool `yaml:"forward_authorization" mapstructure:"forward_authorization"`

	// BlockedHeaders are additional client headers stripped before
	// forwarding. Cookie headers are always stripped.
	BlockedHeaders []string `yaml:"blocked_headers" mapstructure:"blocked_headers"`
}

// PolicyConfig configures the resolver.
type PolicyConfig struct {
	// CacheTTLSeconds bounds staleness of cached effective policy sets.
	// Defaults to 10.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds" validate:"omitempty,min=1"`
}

// AuditConfig configures the asynchronous audit writer.
type AuditConfig struct {
	// ChannelSize is the buffer between the request path and the writer.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of decisions per write. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushIntervalMS flushes partial batches at this cadence.
	// Defaults to 1000.
	FlushIntervalMS int `yaml:"flush_interval_ms" mapstructure:"flush_interval_ms" validate:"omitempty,min=1"`

	// SendTimeoutMS is how long the request path blocks on a full channel
	// before dropping the decision. 0 drops immediately. Defaults to 100.
	SendTimeoutMS int `yaml:"send_timeout_ms" mapstructure:"send_timeout_ms" validate:"omitempty,min=0"`

	// WarningThreshold is the channel fill percentage (0-100) at which
	// backpressure warnings are logged. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// UpstreamTimeout returns the per-attempt timeout as a duration.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns the policy cache TTL as a duration.
func (c *PolicyConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// FlushInterval returns the audit flush cadence as a duration.
func (c *AuditConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// SendTimeout returns the audit send timeout as a duration.
func (c *AuditConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless the operator opts into network access.
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "json"
	}

	if c.Database.Path == "" {
		c.Database.Path = "cerberus.db"
	}

	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 2
	}
	if c.Upstream.MaxKeepaliveConnections == 0 {
		c.Upstream.MaxKeepaliveConnections = 20
	}
	if c.Upstream.MaxConnections == 0 {
		c.Upstream.MaxConnections = 100
	}

	if c.Policy.CacheTTLSeconds == 0 {
		c.Policy.CacheTTLSeconds = 10
	}

	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushIntervalMS == 0 {
		c.Audit.FlushIntervalMS = 1000
	}
	if c.Audit.SendTimeoutMS == 0 {
		c.Audit.SendTimeoutMS = 100
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
}
