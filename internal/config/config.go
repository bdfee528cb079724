package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Wire     WireConfig     `mapstructure:"wire"`
	Sender   SenderConfig   `mapstructure:"sender"`
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	API      APIConfig      `mapstructure:"api"`
	Results  ResultsConfig  `mapstructure:"results"`
	QoS      QoSConfig      `mapstructure:"qos"`
}

type WireConfig struct {
	ByteOrder string `mapstructure:"byte_order"` // native, little or big
}

type SenderConfig struct {
	TargetAddr      string        `mapstructure:"target_addr"`
	LocalAddr       string        `mapstructure:"local_addr"`
	Clients         int           `mapstructure:"clients"`
	Rate            float64       `mapstructure:"rate"`      // packets per second per client
	Burst           int           `mapstructure:"burst"`     // pacing burst
	Bandwidth       int64         `mapstructure:"bandwidth"` // bytes per second per client, 0 = unlimited
	Duration        time.Duration `mapstructure:"duration"`
	Count           uint64        `mapstructure:"count"` // packets per client, 0 = until duration
	PayloadSize     int           `mapstructure:"payload_size"`
	PayloadPattern  string        `mapstructure:"payload_pattern"` // zero, random or sequence
	StartSeq        uint32        `mapstructure:"start_seq"`
	TOS             int           `mapstructure:"tos"`
	BufferSize      int           `mapstructure:"buffer_size"`
	DropProbability float64       `mapstructure:"drop_probability"`
	ExpectEcho      bool          `mapstructure:"expect_echo"`
	EchoTimeout     time.Duration `mapstructure:"echo_timeout"` // wait for late echoes after sending stops
	Faults          FaultConfig   `mapstructure:"faults"`
}

// FaultConfig injects failures on the sending side. Times are offsets from
// the start of the run.
type FaultConfig struct {
	CorruptProbability float64         `mapstructure:"corrupt_probability"`
	SpikeProbability   float64         `mapstructure:"spike_probability"`
	SpikeDelay         time.Duration   `mapstructure:"spike_delay"`
	PartitionStart     time.Duration   `mapstructure:"partition_start"`
	PartitionDuration  time.Duration   `mapstructure:"partition_duration"` // 0 = no partition
	CrashAt            []time.Duration `mapstructure:"crash_at"`
	CrashDowntime      time.Duration   `mapstructure:"crash_downtime"` // 0 = down for the rest of the run
}

type ReceiverConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	Port           int           `mapstructure:"port"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxSessions    int           `mapstructure:"max_sessions"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	Echo           bool          `mapstructure:"echo"`
	RecvLog        string        `mapstructure:"recv_log"`
	MaxSequenceGap int           `mapstructure:"max_sequence_gap"`
	ReorderWindow  int           `mapstructure:"reorder_window"`
	Duration       time.Duration `mapstructure:"duration"` // 0 = until interrupted
	StatsInterval  time.Duration `mapstructure:"stats_interval"`
}

type StatsConfig struct {
	MaxSamples       int           `mapstructure:"max_samples"`
	HistogramMax     time.Duration `mapstructure:"histogram_max"`
	HistogramBuckets int           `mapstructure:"histogram_buckets"`
	OutputFile       string        `mapstructure:"output_file"` // .json or .yaml
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`     // json or text
	Output     string `mapstructure:"output"`     // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"`   // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	HTTP3Port       int           `mapstructure:"http3_port"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTP3Enabled reports whether TLS material for the HTTP/3 listener is configured.
func (a *APIConfig) HTTP3Enabled() bool {
	return a.TLSCertFile != "" && a.TLSKeyFile != ""
}

type ResultsConfig struct {
	Backend  string         `mapstructure:"backend"` // none, redis or postgres
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type QoSConfig struct {
	MaxLatency        time.Duration `mapstructure:"max_latency"`
	MaxLossPercent    float64       `mapstructure:"max_loss_percent"`
	MinMessages       uint64        `mapstructure:"min_messages"`
	MaxReorderPercent float64       `mapstructure:"max_reorder_percent"`
}

// Load reads configuration from configPath (optional), STGEN_* environment
// variables and any flags bound in flags.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment variable override
	v.SetEnvPrefix("STGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// bindFlags maps every flag carrying a "key" annotation onto that config key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[FlagKeyAnnotation]
		if !ok || len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	return bindErr
}

// FlagKeyAnnotation links a pflag to a configuration key.
const FlagKeyAnnotation = "stgen_config_key"

// BindKey annotates the named flag so Load maps it onto key.
func BindKey(flags *pflag.FlagSet, name, key string) {
	_ = flags.SetAnnotation(name, FlagKeyAnnotation, []string{key})
}

func setDefaults(v *viper.Viper) {
	// Wire defaults
	v.SetDefault("wire.byte_order", "native")

	// Sender defaults
	v.SetDefault("sender.target_addr", "127.0.0.1:9000")
	v.SetDefault("sender.local_addr", "")
	v.SetDefault("sender.clients", 1)
	v.SetDefault("sender.rate", 100.0)
	v.SetDefault("sender.burst", 1)
	v.SetDefault("sender.bandwidth", 0)
	v.SetDefault("sender.duration", "10s")
	v.SetDefault("sender.count", 0)
	v.SetDefault("sender.payload_size", 100)
	v.SetDefault("sender.payload_pattern", "zero")
	v.SetDefault("sender.start_seq", 0)
	v.SetDefault("sender.tos", 0)
	v.SetDefault("sender.buffer_size", 1048576) // 1MB
	v.SetDefault("sender.drop_probability", 0.0)
	v.SetDefault("sender.expect_echo", false)
	v.SetDefault("sender.echo_timeout", "1s")
	v.SetDefault("sender.faults.corrupt_probability", 0.0)
	v.SetDefault("sender.faults.spike_probability", 0.0)
	v.SetDefault("sender.faults.spike_delay", "500ms")
	v.SetDefault("sender.faults.partition_start", "0s")
	v.SetDefault("sender.faults.partition_duration", "0s")
	v.SetDefault("sender.faults.crash_at", []string{})
	v.SetDefault("sender.faults.crash_downtime", "0s")

	// Receiver defaults
	v.SetDefault("receiver.listen_addr", "0.0.0.0")
	v.SetDefault("receiver.port", 9000)
	v.SetDefault("receiver.buffer_size", 4194304) // 4MB
	v.SetDefault("receiver.max_sessions", 1024)
	v.SetDefault("receiver.session_timeout", "30s")
	v.SetDefault("receiver.echo", false)
	v.SetDefault("receiver.recv_log", "")
	v.SetDefault("receiver.max_sequence_gap", 65536)
	v.SetDefault("receiver.reorder_window", 1024)
	v.SetDefault("receiver.duration", "0s")
	v.SetDefault("receiver.stats_interval", "5s")

	// Stats defaults
	v.SetDefault("stats.max_samples", 100000)
	v.SetDefault("stats.histogram_max", "1s")
	v.SetDefault("stats.histogram_buckets", 100)
	v.SetDefault("stats.output_file", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// API defaults
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.http3_port", 8443)
	v.SetDefault("api.tls_cert_file", "")
	v.SetDefault("api.tls_key_file", "")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "10s")
	v.SetDefault("api.shutdown_timeout", "5s")

	// Results defaults
	v.SetDefault("results.backend", "none")
	v.SetDefault("results.redis.addresses", []string{"localhost:6379"})
	v.SetDefault("results.redis.password", "")
	v.SetDefault("results.redis.db", 0)
	v.SetDefault("results.redis.max_retries", 3)
	v.SetDefault("results.redis.dial_timeout", "5s")
	v.SetDefault("results.redis.read_timeout", "3s")
	v.SetDefault("results.redis.write_timeout", "3s")
	v.SetDefault("results.redis.pool_size", 10)
	v.SetDefault("results.redis.min_idle_conns", 1)
	v.SetDefault("results.redis.ttl", "168h")
	v.SetDefault("results.postgres.dsn", "")
	v.SetDefault("results.postgres.table", "stgen_runs")
	v.SetDefault("results.postgres.max_open_conns", 4)
	v.SetDefault("results.postgres.conn_max_lifetime", "5m")

	// QoS defaults
	v.SetDefault("qos.max_latency", "200ms")
	v.SetDefault("qos.max_loss_percent", 1.0)
	v.SetDefault("qos.min_messages", 10)
	v.SetDefault("qos.max_reorder_percent", 5.0)
}
