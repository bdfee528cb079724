package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "native", cfg.Wire.ByteOrder)
	assert.Equal(t, "127.0.0.1:9000", cfg.Sender.TargetAddr)
	assert.Equal(t, 1, cfg.Sender.Clients)
	assert.Equal(t, 10*time.Second, cfg.Sender.Duration)
	assert.Equal(t, "zero", cfg.Sender.PayloadPattern)
	assert.Equal(t, 9000, cfg.Receiver.Port)
	assert.Equal(t, 30*time.Second, cfg.Receiver.SessionTimeout)
	assert.Equal(t, 65536, cfg.Receiver.MaxSequenceGap)
	assert.Equal(t, 100000, cfg.Stats.MaxSamples)
	assert.Equal(t, time.Second, cfg.Stats.HistogramMax)
	assert.Equal(t, "none", cfg.Results.Backend)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Results.Redis.Addresses)
	assert.Equal(t, 200*time.Millisecond, cfg.QoS.MaxLatency)
	assert.Equal(t, 1.0, cfg.QoS.MaxLossPercent)
	assert.Equal(t, uint64(10), cfg.QoS.MinMessages)
	assert.False(t, cfg.API.HTTP3Enabled())
}

func TestLoadConfig(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test-config-*.yaml")
	require.NoError(t, err)
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	configContent := `
wire:
  byte_order: big

sender:
  target_addr: "10.0.0.5:5000"
  clients: 4
  rate: 250
  payload_size: 1200
  payload_pattern: sequence
  start_seq: 4294967290
  faults:
    corrupt_probability: 0.01
    partition_start: 5s
    partition_duration: 2s
    crash_at: [1s, 3s]
    crash_downtime: 500ms

receiver:
  port: 5000
  echo: true

logging:
  level: "debug"
  format: "json"

qos:
  max_latency: 50ms
  max_loss_percent: 0.5
`
	_, err = tmpfile.Write([]byte(configContent))
	require.NoError(t, err)
	_ = tmpfile.Close()

	cfg, err := Load(tmpfile.Name(), nil)
	require.NoError(t, err)

	assert.Equal(t, "big", cfg.Wire.ByteOrder)
	assert.Equal(t, "10.0.0.5:5000", cfg.Sender.TargetAddr)
	assert.Equal(t, 4, cfg.Sender.Clients)
	assert.Equal(t, 250.0, cfg.Sender.Rate)
	assert.Equal(t, 1200, cfg.Sender.PayloadSize)
	assert.Equal(t, uint32(4294967290), cfg.Sender.StartSeq)
	assert.Equal(t, 0.01, cfg.Sender.Faults.CorruptProbability)
	assert.Equal(t, 2*time.Second, cfg.Sender.Faults.PartitionDuration)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.Sender.Faults.CrashAt)
	assert.Equal(t, 500*time.Millisecond, cfg.Sender.Faults.CrashDowntime)
	assert.Equal(t, 500*time.Millisecond, cfg.Sender.Faults.SpikeDelay)
	assert.True(t, cfg.Receiver.Echo)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 50*time.Millisecond, cfg.QoS.MaxLatency)
	assert.Equal(t, 0.5, cfg.QoS.MaxLossPercent)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test-config-*.yaml")
	require.NoError(t, err)
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	_, err = tmpfile.Write([]byte("sender:\n  clients: 0\n"))
	require.NoError(t, err)
	_ = tmpfile.Close()

	cfg, err := Load(tmpfile.Name(), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "clients must be positive")
	assert.Nil(t, cfg)

	_, err = Load("/nonexistent/stgen.yaml", nil)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("STGEN_SENDER_CLIENTS", "6")
	t.Setenv("STGEN_WIRE_BYTE_ORDER", "little")
	t.Setenv("STGEN_RESULTS_POSTGRES_DSN", "postgres://localhost/stgen")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Sender.Clients)
	assert.Equal(t, "little", cfg.Wire.ByteOrder)
	assert.Equal(t, "postgres://localhost/stgen", cfg.Results.Postgres.DSN)
}

func TestLoadConfig_Flags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("clients", 1, "")
	fs.String("order", "native", "")
	fs.Bool("unbound", false, "")
	BindKey(fs, "clients", "sender.clients")
	BindKey(fs, "order", "wire.byte_order")

	require.NoError(t, fs.Parse([]string{"--clients=8", "--unbound"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Sender.Clients)
	// Unchanged flags leave the configured default in place
	assert.Equal(t, "native", cfg.Wire.ByteOrder)
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "bad byte order",
			mutate: func(c *Config) { c.Wire.ByteOrder = "middle" },
			errMsg: "unknown byte order",
		},
		{
			name:   "bad target address",
			mutate: func(c *Config) { c.Sender.TargetAddr = "localhost" },
			errMsg: "invalid target address",
		},
		{
			name:   "oversized payload",
			mutate: func(c *Config) { c.Sender.PayloadSize = 70000 },
			errMsg: "payload_size must be between",
		},
		{
			name:   "no stop condition",
			mutate: func(c *Config) { c.Sender.Duration = 0; c.Sender.Count = 0 },
			errMsg: "either duration or count",
		},
		{
			name:   "bad drop probability",
			mutate: func(c *Config) { c.Sender.DropProbability = 1.5 },
			errMsg: "drop_probability",
		},
		{
			name:   "bad corrupt probability",
			mutate: func(c *Config) { c.Sender.Faults.CorruptProbability = -0.1 },
			errMsg: "faults: corrupt_probability",
		},
		{
			name:   "spike without delay",
			mutate: func(c *Config) { c.Sender.Faults.SpikeProbability = 0.1; c.Sender.Faults.SpikeDelay = 0 },
			errMsg: "spike_delay must be set",
		},
		{
			name:   "negative partition",
			mutate: func(c *Config) { c.Sender.Faults.PartitionDuration = -time.Second },
			errMsg: "partition_start and partition_duration",
		},
		{
			name:   "negative crash time",
			mutate: func(c *Config) { c.Sender.Faults.CrashAt = []time.Duration{time.Second, -time.Second} },
			errMsg: "crash_at",
		},
		{
			name:   "reorder window above max gap",
			mutate: func(c *Config) { c.Receiver.ReorderWindow = 100; c.Receiver.MaxSequenceGap = 10 },
			errMsg: "reorder_window",
		},
		{
			name:   "unknown results backend",
			mutate: func(c *Config) { c.Results.Backend = "mongo" },
			errMsg: "unknown results backend",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Results.Backend = "postgres" },
			errMsg: "dsn is required",
		},
		{
			name: "cert files not found",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.TLSCertFile = "/nonexistent/cert.pem"
				c.API.TLSKeyFile = "/nonexistent/key.pem"
			},
			errMsg: "TLS certificate file not found",
		},
		{
			name:   "cert without key",
			mutate: func(c *Config) { c.API.Enabled = true; c.API.TLSCertFile = "cert.pem" },
			errMsg: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
