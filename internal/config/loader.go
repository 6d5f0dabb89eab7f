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
// interlock.yaml/.yml; the search requires an explicit YAML extension so the
// binary itself never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("interlock")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: INTERLOCK_SERVER_HTTP_ADDR etc.
	viper.SetEnvPrefix("INTERLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an interlock config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".interlock"),
		"/etc/interlock",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "interlock"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys for environment variable support. The
// database keys additionally honor the bare DB_* names and MIRTH_MODE.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.server_id")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.send_events")

	_ = viper.BindEnv("database.host", "INTERLOCK_DATABASE_HOST", "DB_HOST")
	_ = viper.BindEnv("database.port", "INTERLOCK_DATABASE_PORT", "DB_PORT")
	_ = viper.BindEnv("database.name", "INTERLOCK_DATABASE_NAME", "DB_NAME")
	_ = viper.BindEnv("database.user", "INTERLOCK_DATABASE_USER", "DB_USER")
	_ = viper.BindEnv("database.password", "INTERLOCK_DATABASE_PASSWORD", "DB_PASSWORD")
	_ = viper.BindEnv("database.pool_size", "INTERLOCK_DATABASE_POOL_SIZE", "DB_POOL_SIZE")
	_ = viper.BindEnv("database.queue_limit", "INTERLOCK_DATABASE_QUEUE_LIMIT", "DB_QUEUE_LIMIT")
	_ = viper.BindEnv("database.connect_timeout", "INTERLOCK_DATABASE_CONNECT_TIMEOUT", "DB_CONNECT_TIMEOUT")
	_ = viper.BindEnv("database.acquire_timeout", "INTERLOCK_DATABASE_ACQUIRE_TIMEOUT", "DB_ACQUIRE_TIMEOUT")
	_ = viper.BindEnv("database.deadlock_retries", "INTERLOCK_DATABASE_DEADLOCK_RETRIES", "DB_DEADLOCK_RETRIES")
	_ = viper.BindEnv("database.mode", "INTERLOCK_DATABASE_MODE", "MIRTH_MODE")

	// Note: channels is an array, complex to override via env. Use the
	// config file for channel definitions.

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates.
func LoadConfig() (*EngineConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*EngineConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg EngineConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or empty
// when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
