package failover

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option enumerated in the failover configuration
// surface. Values are loaded from a YAML file, environment variables
// prefixed FAILOVER_, and in-code defaults, same precedence order as
// viper's.
type Config struct {
	Timeout                     time.Duration `mapstructure:"timeout"`
	InitialReconnectDelay       time.Duration `mapstructure:"initial_reconnect_delay"`
	MaxReconnectDelay           time.Duration `mapstructure:"max_reconnect_delay"`
	BackoffMultiplier           float64       `mapstructure:"backoff_multiplier"`
	UseExponentialBackoff       bool          `mapstructure:"use_exponential_backoff"`
	MaxReconnectAttempts        int           `mapstructure:"max_reconnect_attempts"`
	StartupMaxReconnectAttempts int           `mapstructure:"startup_max_reconnect_attempts"`
	Randomize                   bool          `mapstructure:"randomize"`
	TrackMessages               bool          `mapstructure:"track_messages"`
	TrackTransactionProducers   bool          `mapstructure:"track_transaction_producers"`
	MaxCacheSize                int           `mapstructure:"max_cache_size"`
	ReconnectSupported          bool          `mapstructure:"reconnect_supported"`
	UpdateURIsSupported         bool          `mapstructure:"update_uris_supported"`
	RebalanceUpdateURIs         bool          `mapstructure:"rebalance_update_uris"`
	PriorityBackup              bool          `mapstructure:"priority_backup"`
	Backup                      bool          `mapstructure:"backup"`
	BackupPoolSize              int           `mapstructure:"backup_pool_size"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig mirrors the ambient logging surface used across this
// stack.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// DefaultConfig returns a Config populated with the same defaults
// LoadConfig would apply in the absence of a file or environment
// overrides.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                     -1,
		InitialReconnectDelay:       10 * time.Millisecond,
		MaxReconnectDelay:           30 * time.Second,
		BackoffMultiplier:           2.0,
		UseExponentialBackoff:       true,
		MaxReconnectAttempts:        0,
		StartupMaxReconnectAttempts: 0,
		Randomize:                   true,
		TrackMessages:               true,
		TrackTransactionProducers:   true,
		MaxCacheSize:                256,
		ReconnectSupported:          true,
		UpdateURIsSupported:         true,
		RebalanceUpdateURIs:         false,
		PriorityBackup:              false,
		Backup:                      false,
		BackupPoolSize:              1,
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			TraceEnabled: true,
		},
	}
}

// LoadConfig loads configuration from an optional YAML file, environment
// variables (FAILOVER_ prefix), and defaults. Environment variables
// override the file, which overrides the defaults. A missing configPath
// is not an error; defaults apply.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("failover")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/failover")
	}

	v.SetEnvPrefix("FAILOVER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("initial_reconnect_delay", d.InitialReconnectDelay)
	v.SetDefault("max_reconnect_delay", d.MaxReconnectDelay)
	v.SetDefault("backoff_multiplier", d.BackoffMultiplier)
	v.SetDefault("use_exponential_backoff", d.UseExponentialBackoff)
	v.SetDefault("max_reconnect_attempts", d.MaxReconnectAttempts)
	v.SetDefault("startup_max_reconnect_attempts", d.StartupMaxReconnectAttempts)
	v.SetDefault("randomize", d.Randomize)
	v.SetDefault("track_messages", d.TrackMessages)
	v.SetDefault("track_transaction_producers", d.TrackTransactionProducers)
	v.SetDefault("max_cache_size", d.MaxCacheSize)
	v.SetDefault("reconnect_supported", d.ReconnectSupported)
	v.SetDefault("update_uris_supported", d.UpdateURIsSupported)
	v.SetDefault("rebalance_update_uris", d.RebalanceUpdateURIs)
	v.SetDefault("priority_backup", d.PriorityBackup)
	v.SetDefault("backup", d.Backup)
	v.SetDefault("backup_pool_size", d.BackupPoolSize)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.trace_enabled", d.Logging.TraceEnabled)
}

// Validate checks that every field holds a legal value. An invalid
// Config must never be swapped into an active Core; the caller keeps
// using its prior configuration on error, per the configuration
// surface's validate-at-set-time contract.
func (c *Config) Validate() error {
	if c.BackoffMultiplier <= 0 {
		return &ConfigurationError{Field: "backoff_multiplier", Reason: "must be > 0"}
	}
	if c.MaxReconnectDelay < 0 {
		return &ConfigurationError{Field: "max_reconnect_delay", Reason: "must be >= 0"}
	}
	if c.InitialReconnectDelay < 0 {
		return &ConfigurationError{Field: "initial_reconnect_delay", Reason: "must be >= 0"}
	}
	if c.MaxReconnectAttempts < 0 {
		return &ConfigurationError{Field: "max_reconnect_attempts", Reason: "must be >= 0"}
	}
	if c.StartupMaxReconnectAttempts < 0 {
		return &ConfigurationError{Field: "startup_max_reconnect_attempts", Reason: "must be >= 0"}
	}
	if c.BackupPoolSize < 0 {
		return &ConfigurationError{Field: "backup_pool_size", Reason: "must be >= 0"}
	}
	if c.MaxCacheSize < 0 {
		return &ConfigurationError{Field: "max_cache_size", Reason: "must be >= 0"}
	}
	return nil
}
