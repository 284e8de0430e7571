package config

import (
	"time"
)

var (
	ShutdownTimeout = 2 * time.Second
	CertPath        = "/etc/h2mux"
)

// Failure detector kinds. YAML reads a bare null as no value, so the
// detector that never probes is spelled "none"; a quoted "null" is accepted
// as an alias.
const (
	NullDetector      = "none"
	ThresholdDetector = "threshold"

	nullDetectorAlias = "null"
)

// Negotiation modes.
const (
	// ModeUpgrade starts as HTTP/1.1 and asks the server to switch to h2c.
	ModeUpgrade = "upgrade"
	// ModePriorKnowledge speaks HTTP/2 from the first byte.
	ModePriorKnowledge = "prior-knowledge"
)

// Carrier networks.
const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"
)

type Config struct {
	Log             Log             `mapstructure:"log"`
	Dialer          Dialer          `mapstructure:"dialer"`
	Multiplexer     Multiplexer     `mapstructure:"multiplexer"`
	FailureDetector FailureDetector `mapstructure:"failure_detector"`
	Server          Server          `mapstructure:"server"`
}

type Log struct {
	// File is a path, or "console" for stderr.
	File       string `mapstructure:"file"`
	Verbose    bool   `mapstructure:"verbose"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type TLS struct {
	Enabled            bool   `mapstructure:"enabled"`
	ServerName         string `mapstructure:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	CAFile             string `mapstructure:"ca_file"`
}

type Dialer struct {
	Address     string        `mapstructure:"address"`
	Network     string        `mapstructure:"network"`
	Mode        string        `mapstructure:"mode"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Retries     int           `mapstructure:"retries"`
	TLS         TLS           `mapstructure:"tls"`
}

type Multiplexer struct {
	// CloseTimeout bounds the reset sent when a stream is closed implicitly,
	// e.g. because a read was cancelled.
	CloseTimeout     time.Duration `mapstructure:"close_timeout"`
	PoolSize         int           `mapstructure:"pool_size"`
	StreamWindowSize uint32        `mapstructure:"stream_window_size"`
	ConnWindowSize   uint32        `mapstructure:"conn_window_size"`
}

type FailureDetector struct {
	Kind         string        `mapstructure:"kind"`
	MinPeriod    time.Duration `mapstructure:"min_period"`
	Threshold    float64       `mapstructure:"threshold"`
	WindowSize   int           `mapstructure:"window_size"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

type Server struct {
	Address string `mapstructure:"address"`
	Network string `mapstructure:"network"`
	CertDir string `mapstructure:"cert_dir"`
}
