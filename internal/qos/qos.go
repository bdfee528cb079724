// Package qos checks a run summary against quality-of-service thresholds.
package qos

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/stats"
)

// Severity of a failed check.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Check names.
const (
	CheckLatencyP95 = "Latency (P95)"
	CheckLatencyP99 = "Latency (P99)"
	CheckLoss       = "Packet Loss"
	CheckDelivered  = "Throughput"
	CheckReorder    = "Reordering"
	CheckErrors     = "Error Handling"
)

// Result is the outcome of one check. Severity is info for passing checks.
type Result struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Value    float64  `json:"value"`
}

// Validation is the set of check results for one summary.
type Validation struct {
	Results []Result `json:"results"`
}

func severity(passed bool, onFailure Severity) Severity {
	if passed {
		return SeverityInfo
	}
	return onFailure
}

// Validate runs every applicable check. Latency checks are skipped when the
// summary has no latency samples, and the reordering check when nothing was
// received.
func Validate(s stats.Summary, cfg config.QoSConfig) *Validation {
	v := &Validation{}

	maxMS := float64(cfg.MaxLatency) / float64(time.Millisecond)
	if s.Latency.Samples > 0 {
		passed := s.Latency.P95MS <= maxMS
		v.add(Result{
			Name:     CheckLatencyP95,
			Passed:   passed,
			Message:  fmt.Sprintf("P95 latency: %.2fms (threshold: %.2fms)", s.Latency.P95MS, maxMS),
			Severity: severity(passed, SeverityCritical),
			Value:    s.Latency.P95MS,
		})

		maxP99 := 2 * maxMS
		passed = s.Latency.P99MS <= maxP99
		v.add(Result{
			Name:     CheckLatencyP99,
			Passed:   passed,
			Message:  fmt.Sprintf("P99 latency: %.2fms (threshold: %.2fms)", s.Latency.P99MS, maxP99),
			Severity: severity(passed, SeverityWarning),
			Value:    s.Latency.P99MS,
		})
	}

	lossPercent := s.Loss * 100
	passed := lossPercent <= cfg.MaxLossPercent
	v.add(Result{
		Name:     CheckLoss,
		Passed:   passed,
		Message:  fmt.Sprintf("Loss rate: %.2f%% (threshold: %.1f%%)", lossPercent, cfg.MaxLossPercent),
		Severity: severity(passed, SeverityCritical),
		Value:    s.Loss,
	})

	delivered := s.Received
	if delivered == 0 && s.Role == "sender" {
		delivered = s.Sent
	}
	passed = delivered >= cfg.MinMessages
	v.add(Result{
		Name:     CheckDelivered,
		Passed:   passed,
		Message:  fmt.Sprintf("Delivered %d/%d messages (min: %d)", delivered, s.Sent, cfg.MinMessages),
		Severity: severity(passed, SeverityWarning),
		Value:    float64(delivered),
	})

	if s.Received > 0 {
		reorderPercent := float64(s.Recovered) / float64(s.Received) * 100
		passed = reorderPercent <= cfg.MaxReorderPercent
		v.add(Result{
			Name:     CheckReorder,
			Passed:   passed,
			Message:  fmt.Sprintf("Reordered: %.2f%% (threshold: %.1f%%)", reorderPercent, cfg.MaxReorderPercent),
			Severity: severity(passed, SeverityWarning),
			Value:    reorderPercent,
		})
	}

	passed = s.Errors == 0
	v.add(Result{
		Name:     CheckErrors,
		Passed:   passed,
		Message:  fmt.Sprintf("Total errors: %d", s.Errors),
		Severity: severity(passed, SeverityWarning),
		Value:    float64(s.Errors),
	})

	return v
}

func (v *Validation) add(r Result) {
	v.Results = append(v.Results, r)
}

// Passed is false if any critical check failed. Warnings do not fail a run.
func (v *Validation) Passed() bool {
	for _, r := range v.Results {
		if !r.Passed && r.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// PassedCount returns how many checks passed.
func (v *Validation) PassedCount() int {
	n := 0
	for _, r := range v.Results {
		if r.Passed {
			n++
		}
	}
	return n
}

// Report renders the validation as a text report.
func (v *Validation) Report() string {
	var b strings.Builder
	v.WriteReport(&b)
	return b.String()
}

// WriteReport writes the text report to w.
func (v *Validation) WriteReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	passed := v.PassedCount()

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "QOS VALIDATION REPORT")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\nChecks passed: %d/%d\n\n", passed, len(v.Results))

	for _, r := range v.Results {
		mark := "PASS"
		if !r.Passed {
			mark = "WARN"
			if r.Severity == SeverityCritical {
				mark = "FAIL"
			}
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", mark, r.Name, r.Message)
	}

	fmt.Fprintf(w, "\n%s\n", rule)
	switch {
	case passed == len(v.Results):
		fmt.Fprintln(w, "All checks passed")
	case !v.Passed():
		fmt.Fprintln(w, "Critical issues found")
	default:
		fmt.Fprintln(w, "Passed with warnings")
	}
	fmt.Fprintln(w, rule)
}
