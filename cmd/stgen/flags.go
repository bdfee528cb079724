package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/zsiec/stgen/internal/config"
)

// Flags without a config key are command-local.

func commonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML configuration file")

	fs.String("byte-order", "native", "Header byte order: native, little or big")
	config.BindKey(fs, "byte-order", "wire.byte_order")

	fs.String("log-level", "info", "Log level")
	config.BindKey(fs, "log-level", "logging.level")
	fs.String("log-format", "text", "Log format: text or json")
	config.BindKey(fs, "log-format", "logging.format")

	fs.Bool("metrics", false, "Serve Prometheus metrics")
	config.BindKey(fs, "metrics", "metrics.enabled")
	fs.Int("metrics-port", 9090, "Prometheus metrics port")
	config.BindKey(fs, "metrics-port", "metrics.port")

	fs.Bool("api", false, "Serve the status API")
	config.BindKey(fs, "api", "api.enabled")
	fs.Int("api-port", 8080, "Status API port")
	config.BindKey(fs, "api-port", "api.port")

	fs.String("results", "none", "Results store: none, redis or postgres")
	config.BindKey(fs, "results", "results.backend")

	fs.StringP("output", "o", "", "Write the run summary to this file: .json, .yaml, .md or .csv")
	config.BindKey(fs, "output", "stats.output_file")
}

func sendFlags(fs *pflag.FlagSet) {
	fs.StringP("target", "t", "127.0.0.1:9000", "Receiver address host:port")
	config.BindKey(fs, "target", "sender.target_addr")
	fs.String("local", "", "Local bind address host:port")
	config.BindKey(fs, "local", "sender.local_addr")
	fs.IntP("clients", "c", 1, "Concurrent clients")
	config.BindKey(fs, "clients", "sender.clients")
	fs.Float64P("rate", "r", 100, "Packets per second per client")
	config.BindKey(fs, "rate", "sender.rate")
	fs.Int("burst", 1, "Pacing burst")
	config.BindKey(fs, "burst", "sender.burst")
	fs.Int64("bandwidth", 0, "Bytes per second per client, 0 for unlimited")
	config.BindKey(fs, "bandwidth", "sender.bandwidth")
	fs.DurationP("duration", "d", 10*time.Second, "Send duration")
	config.BindKey(fs, "duration", "sender.duration")
	fs.Uint64P("count", "n", 0, "Packets per client, 0 to send for the duration")
	config.BindKey(fs, "count", "sender.count")
	fs.IntP("payload-size", "s", 100, "Payload bytes after the 12-byte header")
	config.BindKey(fs, "payload-size", "sender.payload_size")
	fs.String("pattern", "zero", "Payload pattern: zero, random or sequence")
	config.BindKey(fs, "pattern", "sender.payload_pattern")
	fs.Uint32("start-seq", 0, "First sequence number")
	config.BindKey(fs, "start-seq", "sender.start_seq")
	fs.Int("tos", 0, "IP TOS / traffic class byte")
	config.BindKey(fs, "tos", "sender.tos")
	fs.Float64("drop", 0, "Probability of skipping a sequence number (failure injection)")
	config.BindKey(fs, "drop", "sender.drop_probability")
	fs.Float64("corrupt", 0, "Probability of corrupting a datagram's sequence number or payload")
	config.BindKey(fs, "corrupt", "sender.faults.corrupt_probability")
	fs.Float64("spike-probability", 0, "Probability of delaying a datagram after stamping it")
	config.BindKey(fs, "spike-probability", "sender.faults.spike_probability")
	fs.Duration("spike-delay", 500*time.Millisecond, "Delay added by a latency spike")
	config.BindKey(fs, "spike-delay", "sender.faults.spike_delay")
	fs.Duration("partition-start", 0, "Offset into the run at which even-numbered clients are cut off")
	config.BindKey(fs, "partition-start", "sender.faults.partition_start")
	fs.Duration("partition-duration", 0, "Length of the partition, 0 for none")
	config.BindKey(fs, "partition-duration", "sender.faults.partition_duration")
	fs.DurationSlice("crash-at", nil, "Offsets at which a client crashes, assigned round robin")
	config.BindKey(fs, "crash-at", "sender.faults.crash_at")
	fs.Duration("crash-downtime", 0, "How long a crashed client stays down, 0 for the rest of the run")
	config.BindKey(fs, "crash-downtime", "sender.faults.crash_downtime")
	fs.Bool("echo", false, "Expect echoed datagrams and measure RTT")
	config.BindKey(fs, "echo", "sender.expect_echo")
	fs.Duration("echo-timeout", time.Second, "Wait for late echoes after sending stops")
	config.BindKey(fs, "echo-timeout", "sender.echo_timeout")
	fs.Bool("tui", false, "Show the live dashboard")
}

func recvFlags(fs *pflag.FlagSet) {
	fs.String("listen", "0.0.0.0", "Listen address")
	config.BindKey(fs, "listen", "receiver.listen_addr")
	fs.IntP("port", "p", 9000, "Listen port")
	config.BindKey(fs, "port", "receiver.port")
	fs.Bool("echo", false, "Echo every datagram back to its source")
	config.BindKey(fs, "echo", "receiver.echo")
	fs.String("recv-log", "", "Write '<seq> <latency_us>' lines to this file")
	config.BindKey(fs, "recv-log", "receiver.recv_log")
	fs.Int("max-sessions", 1024, "Maximum concurrent source sessions")
	config.BindKey(fs, "max-sessions", "receiver.max_sessions")
	fs.DurationP("duration", "d", 0, "Stop after this long, 0 to run until interrupted")
	config.BindKey(fs, "duration", "receiver.duration")
	fs.Duration("stats-interval", 5*time.Second, "Progress log interval, 0 to disable")
	config.BindKey(fs, "stats-interval", "receiver.stats_interval")
	fs.Bool("tui", false, "Show the live dashboard")
}

func analyzeFlags(fs *pflag.FlagSet) {
	fs.String("pcap", "", "pcap or pcapng capture to analyze")
	fs.IntP("port", "p", 0, "Only consider UDP datagrams to this port, 0 for any")
	fs.String("recv-log", "", "recv.log file to analyze")
	fs.Bool("save", false, "Store the summary in the results store")
}

func validateFlags(fs *pflag.FlagSet) {
	fs.String("summary", "", "Summary file written by --output")
	fs.String("run", "", "Load the summary for this run ID from the results store")
	fs.Duration("max-latency", 200*time.Millisecond, "Maximum P95 latency")
	config.BindKey(fs, "max-latency", "qos.max_latency")
	fs.Float64("max-loss-percent", 1, "Maximum packet loss percentage")
	config.BindKey(fs, "max-loss-percent", "qos.max_loss_percent")
	fs.Uint64("min-messages", 10, "Minimum delivered messages")
	config.BindKey(fs, "min-messages", "qos.min_messages")
	fs.Float64("max-reorder-percent", 5, "Maximum reordered percentage")
	config.BindKey(fs, "max-reorder-percent", "qos.max_reorder_percent")
}
