package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, ModeUpgrade, cfg.Dialer.Mode)
	assert.Equal(t, NetworkTCP, cfg.Dialer.Network)
	assert.Equal(t, time.Second, cfg.Multiplexer.CloseTimeout)
	assert.Equal(t, uint32(1<<20), cfg.Multiplexer.StreamWindowSize)
	assert.Equal(t, DefaultFailureDetector(), cfg.FailureDetector)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
dialer:
  address: "example.com:80"
  mode: prior-knowledge
failure_detector:
  kind: none
`)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "example.com:80", cfg.Dialer.Address)
	assert.Equal(t, ModePriorKnowledge, cfg.Dialer.Mode)
	assert.Equal(t, NullDetector, cfg.FailureDetector.Kind)
	assert.Equal(t, 16, cfg.Multiplexer.PoolSize)
}

func TestLoadNullAliasFromYAML(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
failure_detector:
  kind: "null"
`)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, NullDetector, cfg.FailureDetector.Kind)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("H2MUX_DIALER_ADDRESS", "10.0.0.1:9000")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", cfg.Dialer.Address)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown network",
			mutate:  func(c *Config) { c.Dialer.Network = "udp" },
			wantErr: "dialer.network",
		},
		{
			name: "upgrade over quic",
			mutate: func(c *Config) {
				c.Dialer.Network = NetworkQUIC
			},
			wantErr: "not available",
		},
		{
			name:    "zero close timeout",
			mutate:  func(c *Config) { c.Multiplexer.CloseTimeout = 0 },
			wantErr: "multiplexer.close_timeout",
		},
		{
			name:    "threshold below one",
			mutate:  func(c *Config) { c.FailureDetector.Threshold = 0.5 },
			wantErr: "failure_detector.threshold",
		},
		{
			name: "quoted null is an alias",
			mutate: func(c *Config) {
				c.FailureDetector = FailureDetector{Kind: "null"}
			},
		},
		{
			name:    "bare yaml null is not a kind",
			mutate:  func(c *Config) { c.FailureDetector.Kind = "" },
			wantErr: "failure_detector.kind",
		},
		{
			name: "null detector ignores periods",
			mutate: func(c *Config) {
				c.FailureDetector = FailureDetector{Kind: NullDetector}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
