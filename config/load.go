package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. H2MUX_DIALER_ADDRESS.
const EnvPrefix = "H2MUX"

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.file", "console")
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("dialer.address", "127.0.0.1:8080")
	v.SetDefault("dialer.network", NetworkTCP)
	v.SetDefault("dialer.mode", ModeUpgrade)
	v.SetDefault("dialer.dial_timeout", "5s")
	v.SetDefault("dialer.retries", 5)
	v.SetDefault("dialer.tls.enabled", false)
	v.SetDefault("dialer.tls.server_name", "localhost")
	v.SetDefault("dialer.tls.insecure_skip_verify", false)

	v.SetDefault("multiplexer.close_timeout", "1s")
	v.SetDefault("multiplexer.pool_size", 16)
	v.SetDefault("multiplexer.stream_window_size", 1<<20)
	v.SetDefault("multiplexer.conn_window_size", 4<<20)

	v.SetDefault("failure_detector.kind", ThresholdDetector)
	v.SetDefault("failure_detector.min_period", "5s")
	v.SetDefault("failure_detector.threshold", 2.0)
	v.SetDefault("failure_detector.window_size", 100)
	v.SetDefault("failure_detector.close_timeout", "4s")

	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.network", NetworkTCP)
	v.SetDefault("server.cert_dir", CertPath)
}

// New returns the default configuration.
func New() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Load reads the configuration from v, which may already carry a config file
// and bound flags, layering environment variables on top.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	switch c.Dialer.Network {
	case NetworkTCP, NetworkQUIC:
	default:
		return fmt.Errorf("dialer.network must be %q or %q", NetworkTCP, NetworkQUIC)
	}
	switch c.Dialer.Mode {
	case ModeUpgrade, ModePriorKnowledge:
	default:
		return fmt.Errorf("dialer.mode must be %q or %q", ModeUpgrade, ModePriorKnowledge)
	}
	if c.Dialer.Network == NetworkQUIC && c.Dialer.Mode == ModeUpgrade {
		return fmt.Errorf("dialer.mode %q is not available over %q", ModeUpgrade, NetworkQUIC)
	}
	if c.Multiplexer.CloseTimeout <= 0 {
		return fmt.Errorf("multiplexer.close_timeout must be positive")
	}
	if c.Multiplexer.PoolSize < 0 {
		return fmt.Errorf("multiplexer.pool_size must not be negative")
	}
	return c.FailureDetector.Validate()
}

func (f *FailureDetector) Validate() error {
	if f.Kind == nullDetectorAlias {
		f.Kind = NullDetector
	}
	switch f.Kind {
	case NullDetector:
		return nil
	case ThresholdDetector:
	default:
		return fmt.Errorf("failure_detector.kind must be %q or %q", NullDetector, ThresholdDetector)
	}
	if f.MinPeriod <= 0 || f.CloseTimeout <= 0 {
		return fmt.Errorf("failure_detector periods must be positive")
	}
	if f.Threshold < 1 {
		return fmt.Errorf("failure_detector.threshold must be at least 1")
	}
	if f.WindowSize <= 0 {
		return fmt.Errorf("failure_detector.window_size must be a positive integer")
	}
	return nil
}

// DefaultFailureDetector is a threshold detector with the default settings.
func DefaultFailureDetector() FailureDetector {
	return FailureDetector{
		Kind:         ThresholdDetector,
		MinPeriod:    5 * time.Second,
		Threshold:    2,
		WindowSize:   100,
		CloseTimeout: 4 * time.Second,
	}
}
