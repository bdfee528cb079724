package config

import (
	"fmt"
	"net"
	"os"
	"regexp"

	"github.com/zsiec/stgen/internal/wire"
)

func (c *Config) Validate() error {
	if err := c.Wire.Validate(); err != nil {
		return fmt.Errorf("wire config: %w", err)
	}

	if err := c.Sender.Validate(); err != nil {
		return fmt.Errorf("sender config: %w", err)
	}

	if err := c.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver config: %w", err)
	}

	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	if err := c.Results.Validate(); err != nil {
		return fmt.Errorf("results config: %w", err)
	}

	if err := c.QoS.Validate(); err != nil {
		return fmt.Errorf("qos config: %w", err)
	}

	return nil
}

// tableNamePattern accepts plain or schema-qualified SQL identifiers.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (w *WireConfig) Validate() error {
	if _, err := wire.ParseByteOrder(w.ByteOrder); err != nil {
		return err
	}
	return nil
}

func (s *SenderConfig) Validate() error {
	if _, _, err := net.SplitHostPort(s.TargetAddr); err != nil {
		return fmt.Errorf("invalid target address %q: %w", s.TargetAddr, err)
	}

	if s.Clients <= 0 {
		return fmt.Errorf("clients must be positive")
	}

	if s.Rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}

	if s.Burst <= 0 {
		return fmt.Errorf("burst must be positive")
	}

	if s.Bandwidth < 0 {
		return fmt.Errorf("bandwidth cannot be negative")
	}

	if s.Duration <= 0 && s.Count == 0 {
		return fmt.Errorf("either duration or count must be set")
	}

	if s.PayloadSize < 0 || s.PayloadSize > wire.MaxPayloadSize {
		return fmt.Errorf("payload_size must be between 0 and %d", wire.MaxPayloadSize)
	}

	switch s.PayloadPattern {
	case "zero", "random", "sequence":
	default:
		return fmt.Errorf("payload_pattern must be 'zero', 'random' or 'sequence'")
	}

	if s.TOS < 0 || s.TOS > 255 {
		return fmt.Errorf("tos must be between 0 and 255")
	}

	if s.DropProbability < 0 || s.DropProbability > 1 {
		return fmt.Errorf("drop_probability must be between 0 and 1")
	}

	if s.BufferSize < 0 {
		return fmt.Errorf("buffer_size cannot be negative")
	}

	if err := s.Faults.Validate(); err != nil {
		return fmt.Errorf("faults: %w", err)
	}

	return nil
}

func (f *FaultConfig) Validate() error {
	if f.CorruptProbability < 0 || f.CorruptProbability > 1 {
		return fmt.Errorf("corrupt_probability must be between 0 and 1")
	}

	if f.SpikeProbability < 0 || f.SpikeProbability > 1 {
		return fmt.Errorf("spike_probability must be between 0 and 1")
	}

	if f.SpikeDelay < 0 {
		return fmt.Errorf("spike_delay cannot be negative")
	}
	if f.SpikeProbability > 0 && f.SpikeDelay == 0 {
		return fmt.Errorf("spike_delay must be set when spike_probability is")
	}

	if f.PartitionStart < 0 || f.PartitionDuration < 0 {
		return fmt.Errorf("partition_start and partition_duration cannot be negative")
	}

	for _, at := range f.CrashAt {
		if at < 0 {
			return fmt.Errorf("crash_at times cannot be negative")
		}
	}
	if f.CrashDowntime < 0 {
		return fmt.Errorf("crash_downtime cannot be negative")
	}

	return nil
}

func (r *ReceiverConfig) Validate() error {
	if r.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("invalid receiver port: %d", r.Port)
	}

	if r.BufferSize < 0 {
		return fmt.Errorf("buffer_size cannot be negative")
	}

	if r.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}

	if r.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive")
	}

	if r.MaxSequenceGap < 0 {
		return fmt.Errorf("max_sequence_gap cannot be negative")
	}

	if r.ReorderWindow < 0 {
		return fmt.Errorf("reorder_window cannot be negative")
	}

	if r.ReorderWindow > r.MaxSequenceGap && r.MaxSequenceGap > 0 {
		return fmt.Errorf("reorder_window (%d) cannot exceed max_sequence_gap (%d)", r.ReorderWindow, r.MaxSequenceGap)
	}

	return nil
}

func (s *StatsConfig) Validate() error {
	if s.MaxSamples <= 0 {
		return fmt.Errorf("max_samples must be positive")
	}

	if s.HistogramMax <= 0 {
		return fmt.Errorf("histogram_max must be positive")
	}

	if s.HistogramBuckets <= 0 {
		return fmt.Errorf("histogram_buckets must be positive")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (a *APIConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", a.Port)
	}

	if (a.TLSCertFile == "") != (a.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if a.HTTP3Enabled() {
		if a.HTTP3Port < 1 || a.HTTP3Port > 65535 {
			return fmt.Errorf("invalid HTTP3 port: %d", a.HTTP3Port)
		}

		// Check if certificate files exist
		if _, err := os.Stat(a.TLSCertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file not found: %s", a.TLSCertFile)
		}

		if _, err := os.Stat(a.TLSKeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file not found: %s", a.TLSKeyFile)
		}
	}

	return nil
}

func (r *ResultsConfig) Validate() error {
	switch r.Backend {
	case "", "none":
		return nil
	case "redis":
		if err := r.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	case "postgres":
		if err := r.Postgres.Validate(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	default:
		return fmt.Errorf("unknown results backend: %s", r.Backend)
	}
	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	if r.TTL < 0 {
		return fmt.Errorf("ttl cannot be negative")
	}

	return nil
}

func (p *PostgresConfig) Validate() error {
	if p.DSN == "" {
		return fmt.Errorf("dsn is required")
	}

	if p.Table == "" {
		return fmt.Errorf("table cannot be empty")
	}

	if !tableNamePattern.MatchString(p.Table) {
		return fmt.Errorf("invalid table name: %q", p.Table)
	}

	if p.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive")
	}

	return nil
}

func (q *QoSConfig) Validate() error {
	if q.MaxLatency <= 0 {
		return fmt.Errorf("max_latency must be positive")
	}

	if q.MaxLossPercent < 0 || q.MaxLossPercent > 100 {
		return fmt.Errorf("max_loss_percent must be between 0 and 100")
	}

	if q.MaxReorderPercent < 0 || q.MaxReorderPercent > 100 {
		return fmt.Errorf("max_reorder_percent must be between 0 and 100")
	}

	return nil
}
