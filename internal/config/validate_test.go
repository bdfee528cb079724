package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  RedisConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: RedisConfig{
				Addresses:    []string{"localhost:6379"},
				DB:           0,
				MaxRetries:   3,
				PoolSize:     100,
				MinIdleConns: 10,
			},
			wantErr: false,
		},
		{
			name: "missing addresses",
			config: RedisConfig{
				Addresses: []string{},
				DB:        0,
				PoolSize:  100,
			},
			wantErr: true,
			errMsg:  "at least one Redis address is required",
		},
		{
			name: "negative DB",
			config: RedisConfig{
				Addresses: []string{"localhost:6379"},
				DB:        -1,
				PoolSize:  100,
			},
			wantErr: true,
			errMsg:  "invalid Redis database number",
		},
		{
			name: "zero pool size",
			config: RedisConfig{
				Addresses: []string{"localhost:6379"},
				DB:        0,
				PoolSize:  0,
			},
			wantErr: true,
			errMsg:  "pool_size must be positive",
		},
		{
			name: "min idle conns greater than pool size",
			config: RedisConfig{
				Addresses:    []string{"localhost:6379"},
				DB:           0,
				PoolSize:     10,
				MinIdleConns: 20,
			},
			wantErr: true,
			errMsg:  "min_idle_conns cannot be greater than pool_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggingConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: LoggingConfig{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name: "invalid format",
			config: LoggingConfig{
				Level:  "info",
				Format: "xml",
				Output: "stdout",
			},
			wantErr: true,
			errMsg:  "log format must be 'json' or 'text'",
		},
		{
			name: "file output with zero max size",
			config: LoggingConfig{
				Level:   "info",
				Format:  "json",
				Output:  "/var/log/stgen.log",
				MaxSize: 0,
			},
			wantErr: true,
			errMsg:  "max_size must be positive for file output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetricsConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  MetricsConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config enabled",
			config: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
				Port:    9090,
			},
			wantErr: false,
		},
		{
			name: "valid config disabled",
			config: MetricsConfig{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "enabled with invalid port",
			config: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
				Port:    0,
			},
			wantErr: true,
			errMsg:  "invalid metrics port",
		},
		{
			name: "enabled with empty path",
			config: MetricsConfig{
				Enabled: true,
				Path:    "",
				Port:    9090,
			},
			wantErr: true,
			errMsg:  "metrics path cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSenderConfigValidate(t *testing.T) {
	base := SenderConfig{
		TargetAddr:     "127.0.0.1:9000",
		Clients:        2,
		Rate:           100,
		Burst:          1,
		Duration:       time.Second,
		PayloadSize:    64,
		PayloadPattern: "random",
	}

	tests := []struct {
		name    string
		mutate  func(*SenderConfig)
		wantErr bool
		errMsg  string
	}{
		{name: "valid config", mutate: func(*SenderConfig) {}},
		{name: "count only", mutate: func(s *SenderConfig) { s.Duration = 0; s.Count = 10 }},
		{name: "max payload", mutate: func(s *SenderConfig) { s.PayloadSize = 65495 }},
		{name: "zero clients", mutate: func(s *SenderConfig) { s.Clients = 0 }, wantErr: true, errMsg: "clients must be positive"},
		{name: "zero rate", mutate: func(s *SenderConfig) { s.Rate = 0 }, wantErr: true, errMsg: "rate must be positive"},
		{name: "payload too large", mutate: func(s *SenderConfig) { s.PayloadSize = 65496 }, wantErr: true, errMsg: "payload_size"},
		{name: "unknown pattern", mutate: func(s *SenderConfig) { s.PayloadPattern = "ones" }, wantErr: true, errMsg: "payload_pattern"},
		{name: "tos out of range", mutate: func(s *SenderConfig) { s.TOS = 256 }, wantErr: true, errMsg: "tos must be between"},
		{name: "negative bandwidth", mutate: func(s *SenderConfig) { s.Bandwidth = -1 }, wantErr: true, errMsg: "bandwidth cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQoSConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  QoSConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			config: QoSConfig{MaxLatency: 200 * time.Millisecond, MaxLossPercent: 1, MinMessages: 10},
		},
		{
			name:    "zero latency",
			config:  QoSConfig{MaxLossPercent: 1},
			wantErr: true,
			errMsg:  "max_latency must be positive",
		},
		{
			name:    "loss above 100",
			config:  QoSConfig{MaxLatency: time.Millisecond, MaxLossPercent: 101},
			wantErr: true,
			errMsg:  "max_loss_percent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPostgresConfigValidate(t *testing.T) {
	valid := PostgresConfig{DSN: "postgres://localhost/stgen", Table: "stgen_runs", MaxOpenConns: 4}
	assert.NoError(t, valid.Validate())

	qualified := valid
	qualified.Table = "metrics.stgen_runs"
	assert.NoError(t, qualified.Validate())

	for _, table := range []string{"", "runs; DROP TABLE x", "1runs", "a.b.c"} {
		c := valid
		c.Table = table
		assert.Error(t, c.Validate(), table)
	}

	noDSN := valid
	noDSN.DSN = ""
	assert.EqualError(t, noDSN.Validate(), "dsn is required")
}
