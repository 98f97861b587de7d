package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// cerberus.yaml/.yml. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("cerberus")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CERBERUS_SERVER_ADDR
	viper.SetEnvPrefix("CERBERUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a cerberus config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".cerberus"),
		"/etc/cerberus",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "cerberus"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// overrides, e.g. CERBERUS_REDIS_ADDR overrides redis.addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")

	_ = viper.BindEnv("database.path")

	_ = viper.BindEnv("redis.addr")
	_ = viper.BindEnv("redis.password")
	_ = viper.BindEnv("redis.db")

	_ = viper.BindEnv("upstream.timeout_seconds")
	_ = viper.BindEnv("upstream.max_retries")
	_ = viper.BindEnv("upstream.max_keepalive_connections")
	_ = viper.BindEnv("upstream.max_connections")

	_ = viper.BindEnv("proxy.forward_authorization")
	// proxy.blocked_headers is an array: config file only.

	_ = viper.BindEnv("policy.cache_ttl_seconds")

	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval_ms")
	_ = viper.BindEnv("audit.send_timeout_ms")
	_ = viper.BindEnv("audit.warning_threshold")
}

// Load reads the configuration file, applies environment overrides and
// defaults, validates, and returns the Config.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment variables and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// FileUsed returns the path of the loaded configuration file, or an empty
// string when running from environment variables only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
