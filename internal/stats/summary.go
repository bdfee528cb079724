package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LatencySummary holds latency statistics in milliseconds.
type LatencySummary struct {
	Samples uint64  `json:"samples" yaml:"samples"`
	MinMS   float64 `json:"min_ms" yaml:"min_ms"`
	MaxMS   float64 `json:"max_ms" yaml:"max_ms"`
	MeanMS  float64 `json:"mean_ms" yaml:"mean_ms"`
	P50MS   float64 `json:"p50_ms" yaml:"p50_ms"`
	P75MS   float64 `json:"p75_ms" yaml:"p75_ms"`
	P90MS   float64 `json:"p90_ms" yaml:"p90_ms"`
	P95MS   float64 `json:"p95_ms" yaml:"p95_ms"`
	P99MS   float64 `json:"p99_ms" yaml:"p99_ms"`
}

// ClientSummary holds statistics for one client or receiver session.
type ClientSummary struct {
	ClientID    string  `json:"client_id" yaml:"client_id"`
	PacketCount uint64  `json:"packet_count" yaml:"packet_count"`
	ErrorCount  uint64  `json:"error_count" yaml:"error_count"`
	MinMS       float64 `json:"lat_min_ms,omitempty" yaml:"lat_min_ms,omitempty"`
	MaxMS       float64 `json:"lat_max_ms,omitempty" yaml:"lat_max_ms,omitempty"`
	AvgMS       float64 `json:"lat_avg_ms,omitempty" yaml:"lat_avg_ms,omitempty"`
	P50MS       float64 `json:"lat_p50_ms,omitempty" yaml:"lat_p50_ms,omitempty"`
	P95MS       float64 `json:"lat_p95_ms,omitempty" yaml:"lat_p95_ms,omitempty"`
}

// Summary is the result of one sender, receiver or analyzer run.
type Summary struct {
	RunID         string            `json:"run_id" yaml:"run_id"`
	Role          string            `json:"role" yaml:"role"`
	StartedAt     time.Time         `json:"started_at" yaml:"started_at"`
	EndedAt       time.Time         `json:"ended_at" yaml:"ended_at"`
	DurationSec   float64           `json:"duration_sec" yaml:"duration_sec"`
	Sent          uint64            `json:"sent" yaml:"sent"`
	Received      uint64            `json:"recv" yaml:"recv"`
	Lost          uint64            `json:"lost" yaml:"lost"`
	Dropped       uint64            `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Recovered     uint64            `json:"recovered" yaml:"recovered"`
	Duplicates    uint64            `json:"duplicates" yaml:"duplicates"`
	BytesSent     uint64            `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived uint64            `json:"bytes_recv" yaml:"bytes_recv"`
	Loss          float64           `json:"loss" yaml:"loss"`
	ThroughputPPS float64           `json:"throughput_msg_sec" yaml:"throughput_msg_sec"`
	ThroughputBps float64           `json:"throughput_bps" yaml:"throughput_bps"`
	Errors        uint64            `json:"errors" yaml:"errors"`
	ErrorTypes    map[string]uint64 `json:"error_types" yaml:"error_types"`
	Latency       LatencySummary    `json:"latency" yaml:"latency"`
	Histogram     HistogramStats    `json:"latency_histogram" yaml:"latency_histogram"`
	Clients       []ClientSummary   `json:"client_summaries,omitempty" yaml:"client_summaries,omitempty"`
}

// WriteFile exports the summary by extension: YAML for .yaml/.yml, a
// Markdown report for .md, metric/value rows for .csv and indented JSON
// otherwise.
func WriteFile(path string, s Summary) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		s.WriteMarkdown(f)
		return nil
	case ".csv":
		return s.WriteCSV(f)
	}

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

// ReadFile loads a summary written by WriteFile in JSON or YAML.
func ReadFile(path string) (Summary, error) {
	var s Summary

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".csv":
		return s, fmt.Errorf("cannot read summary from %s: report formats are write-only", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read summary: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, &s)
	} else {
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return s, fmt.Errorf("failed to decode summary %s: %w", path, err)
	}
	return s, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// WriteText prints a human readable summary.
func (s Summary) WriteText(w io.Writer) {
	rule := strings.Repeat("=", 70)

	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "METRICS SUMMARY (%s %s)\n", s.Role, s.RunID)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Duration: %.2fs\n", s.DurationSec)
	fmt.Fprintf(w, "Sent: %d, Received: %d, Lost: %d (%.2f%%)\n", s.Sent, s.Received, s.Lost, s.Loss*100)
	if s.Recovered > 0 || s.Duplicates > 0 {
		fmt.Fprintf(w, "Reordered: %d, Duplicates: %d\n", s.Recovered, s.Duplicates)
	}
	count := s.Received
	if count == 0 {
		count = s.Sent
	}
	fmt.Fprintf(w, "Throughput: %s\n", FormatThroughput(count, s.DurationSec))
	fmt.Fprintf(w, "Errors: %d\n", s.Errors)

	if s.Latency.Samples > 0 {
		fmt.Fprintln(w, "\nLatency:")
		fmt.Fprintf(w, "  P50: %s\n", FormatLatency(s.Latency.P50MS))
		fmt.Fprintf(w, "  P95: %s\n", FormatLatency(s.Latency.P95MS))
		fmt.Fprintf(w, "  P99: %s\n", FormatLatency(s.Latency.P99MS))
		fmt.Fprintf(w, "  Min/Mean/Max: %s / %s / %s\n",
			FormatLatency(s.Latency.MinMS), FormatLatency(s.Latency.MeanMS), FormatLatency(s.Latency.MaxMS))
	}

	if len(s.ErrorTypes) > 0 {
		keys := sortedKeys(s.ErrorTypes)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, s.ErrorTypes[k]))
		}
		fmt.Fprintf(w, "\nError Types: %s\n", strings.Join(parts, ", "))
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
}

// WriteMarkdown renders the summary as a Markdown report.
func (s Summary) WriteMarkdown(w io.Writer) {
	fmt.Fprintf(w, "# stgen %s report: %s\n\n", s.Role, s.RunID)
	if !s.EndedAt.IsZero() {
		fmt.Fprintf(w, "**Ended:** %s\n\n", s.EndedAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintln(w, "## Summary")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "- **Duration:** %.2fs\n", s.DurationSec)
	fmt.Fprintf(w, "- **Sent:** %d\n", s.Sent)
	fmt.Fprintf(w, "- **Received:** %d\n", s.Received)
	fmt.Fprintf(w, "- **Lost:** %d\n", s.Lost)
	if s.Dropped > 0 {
		fmt.Fprintf(w, "- **Injected drops:** %d\n", s.Dropped)
	}
	fmt.Fprintf(w, "- **Loss Rate:** %.2f%%\n", s.Loss*100)
	fmt.Fprintf(w, "- **Reordered:** %d\n", s.Recovered)
	fmt.Fprintf(w, "- **Duplicates:** %d\n", s.Duplicates)
	fmt.Fprintf(w, "- **Throughput:** %.1f msg/s\n", s.ThroughputPPS)
	fmt.Fprintln(w)

	if s.Latency.Samples > 0 {
		fmt.Fprintln(w, "## Latency Percentiles (ms)")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "| Percentile | Latency |")
		fmt.Fprintln(w, "|------------|---------|")
		for _, row := range []struct {
			name string
			ms   float64
		}{
			{"Min", s.Latency.MinMS},
			{"P50", s.Latency.P50MS},
			{"P75", s.Latency.P75MS},
			{"P90", s.Latency.P90MS},
			{"P95", s.Latency.P95MS},
			{"P99", s.Latency.P99MS},
			{"Max", s.Latency.MaxMS},
		} {
			fmt.Fprintf(w, "| %s | %.2f |\n", row.name, row.ms)
		}
		fmt.Fprintln(w)
	}

	if len(s.ErrorTypes) > 0 {
		fmt.Fprintln(w, "## Errors")
		fmt.Fprintln(w)
		for _, k := range sortedKeys(s.ErrorTypes) {
			fmt.Fprintf(w, "- **%s:** %d\n", k, s.ErrorTypes[k])
		}
		fmt.Fprintln(w)
	}

	if len(s.Clients) > 0 {
		fmt.Fprintln(w, "## Clients")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "| Client | Packets | Errors | P50 (ms) | P95 (ms) |")
		fmt.Fprintln(w, "|--------|---------|--------|----------|----------|")
		for _, c := range s.Clients {
			fmt.Fprintf(w, "| %s | %d | %d | %.2f | %.2f |\n", c.ClientID, c.PacketCount, c.ErrorCount, c.P50MS, c.P95MS)
		}
		fmt.Fprintln(w)
	}
}

// WriteCSV writes the scalar fields as metric,value rows, followed by error
// counts and histogram statistics under dotted names.
func (s Summary) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"metric", "value"},
		{"run_id", s.RunID},
		{"role", s.Role},
		{"duration_sec", formatFloat(s.DurationSec)},
		{"sent", fmt.Sprint(s.Sent)},
		{"recv", fmt.Sprint(s.Received)},
		{"lost", fmt.Sprint(s.Lost)},
		{"dropped", fmt.Sprint(s.Dropped)},
		{"recovered", fmt.Sprint(s.Recovered)},
		{"duplicates", fmt.Sprint(s.Duplicates)},
		{"bytes_sent", fmt.Sprint(s.BytesSent)},
		{"bytes_recv", fmt.Sprint(s.BytesReceived)},
		{"loss", formatFloat(s.Loss)},
		{"throughput_msg_sec", formatFloat(s.ThroughputPPS)},
		{"throughput_bps", formatFloat(s.ThroughputBps)},
		{"errors", fmt.Sprint(s.Errors)},
		{"latency.samples", fmt.Sprint(s.Latency.Samples)},
		{"latency.min_ms", formatFloat(s.Latency.MinMS)},
		{"latency.mean_ms", formatFloat(s.Latency.MeanMS)},
		{"latency.p50_ms", formatFloat(s.Latency.P50MS)},
		{"latency.p75_ms", formatFloat(s.Latency.P75MS)},
		{"latency.p90_ms", formatFloat(s.Latency.P90MS)},
		{"latency.p95_ms", formatFloat(s.Latency.P95MS)},
		{"latency.p99_ms", formatFloat(s.Latency.P99MS)},
		{"latency.max_ms", formatFloat(s.Latency.MaxMS)},
	}
	for _, k := range sortedKeys(s.ErrorTypes) {
		rows = append(rows, []string{"error_types." + k, fmt.Sprint(s.ErrorTypes[k])})
	}
	h := s.Histogram
	rows = append(rows,
		[]string{"latency_histogram.count", fmt.Sprint(h.Count)},
		[]string{"latency_histogram.mean", formatFloat(h.Mean)},
		[]string{"latency_histogram.min", formatFloat(h.Min)},
		[]string{"latency_histogram.max", formatFloat(h.Max)},
		[]string{"latency_histogram.underflow", fmt.Sprint(h.Underflow)},
		[]string{"latency_histogram.overflow", fmt.Sprint(h.Overflow)},
	)

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatLatency renders a millisecond value with a unit suited to its magnitude.
func FormatLatency(ms float64) string {
	switch {
	case ms < 1:
		return fmt.Sprintf("%.0fµs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}

// FormatThroughput renders a message rate, switching to msg/min below 1 msg/s.
func FormatThroughput(messages uint64, durationSec float64) string {
	var rate float64
	if durationSec > 0 {
		rate = float64(messages) / durationSec
	}
	if rate < 1 {
		return fmt.Sprintf("%.1f msg/min", rate*60)
	}
	return fmt.Sprintf("%.1f msg/s", rate)
}
