// Package dashboard renders a live terminal view of a running receiver or sender.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/stats"
)

const (
	// DefaultInterval is how often the model polls its sources.
	DefaultInterval = time.Second

	historyLen  = 60
	maxSessions = 10
)

// SummarySource provides the run summary.
type SummarySource interface {
	Summary() stats.Summary
}

// SessionSource provides receiver sessions. Optional.
type SessionSource interface {
	Sessions() []receiver.SessionInfo
}

type tickMsg time.Time

type snapshotMsg struct {
	summary  stats.Summary
	sessions []receiver.SessionInfo
	at       time.Time
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	title    string
	summary  SummarySource
	sessions SessionSource
	interval time.Duration

	last     stats.Summary
	rows     []receiver.SessionInfo
	history  []float64
	prevRecv uint64
	prevAt   time.Time
	updated  time.Time

	width    int
	quitting bool
}

// New creates a model titled title. sessions may be nil.
func New(title string, summary SummarySource, sessions SessionSource) *Model {
	return &Model{
		title:    title,
		summary:  summary,
		sessions: sessions,
		interval: DefaultInterval,
		history:  make([]float64, 0, historyLen),
	}
}

// SetInterval changes the poll interval.
func (m *Model) SetInterval(d time.Duration) {
	m.interval = d
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickEvery(m.interval))
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tea.Batch(m.fetch(), tickEvery(m.interval))

	case snapshotMsg:
		m.apply(msg)
		return m, nil
	}

	return m, nil
}

func (m *Model) apply(msg snapshotMsg) {
	recv := msg.summary.Received
	if msg.summary.Role == "sender" {
		recv = msg.summary.Sent
	}

	if !m.prevAt.IsZero() {
		if elapsed := msg.at.Sub(m.prevAt).Seconds(); elapsed > 0 && recv >= m.prevRecv {
			m.history = append(m.history, float64(recv-m.prevRecv)/elapsed)
			if len(m.history) > historyLen {
				m.history = m.history[len(m.history)-historyLen:]
			}
		}
	}
	m.prevRecv = recv
	m.prevAt = msg.at

	m.last = msg.summary
	m.rows = msg.sessions
	m.updated = msg.at
}

func (m *Model) fetch() tea.Cmd {
	summary, sessions := m.summary, m.sessions
	return func() tea.Msg {
		snap := snapshotMsg{at: time.Now()}
		if summary != nil {
			snap.summary = summary.Summary()
		}
		if sessions != nil {
			snap.sessions = sessions.Sessions()
			sort.Slice(snap.sessions, func(i, j int) bool {
				return snap.sessions[i].Packets > snap.sessions[j].Packets
			})
		}
		return snap
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// View implements tea.Model
func (m *Model) View() string {
	if m.quitting {
		return "Shutting down dashboard...\n"
	}

	width := m.width
	if width == 0 {
		width = 100
	}

	header := HeaderStyle.Width(width - 2).Render(m.title)
	traffic := m.trafficPanel()
	latency := m.latencyPanel()
	top := lipgloss.JoinHorizontal(lipgloss.Top, traffic, " ", latency)

	sections := []string{header, top}
	if m.sessions != nil {
		sections = append(sections, m.sessionsPanel())
	}

	footer := MutedStyle.Render(fmt.Sprintf("run %s  updated %s  q quit  r refresh",
		shortID(m.last.RunID), m.updated.Format("15:04:05")))
	sections = append(sections, footer)

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m *Model) trafficPanel() string {
	s := m.last
	lossPct := s.Loss * 100

	lines := []string{
		PanelTitleStyle.Render("Traffic"),
		row("Sent", formatCount(s.Sent)),
		row("Received", formatCount(s.Received)),
		row("Lost", formatCount(s.Lost)),
		row("Reordered", formatCount(s.Recovered)),
		row("Duplicates", formatCount(s.Duplicates)),
		LabelStyle.Render("Loss") + LossStyle(lossPct).Render(fmt.Sprintf("%.3f%%", lossPct)),
		row("Rate", stats.FormatThroughput(lastRate(m.history), 1)),
		MutedStyle.Render(sparkline(m.history, 30)),
	}
	if s.Errors > 0 {
		lines = append(lines, LabelStyle.Render("Errors")+ErrorStyle.Render(formatCount(s.Errors)))
	}
	return PanelStyle.Width(44).Render(strings.Join(lines, "\n"))
}

func (m *Model) latencyPanel() string {
	l := m.last.Latency
	lines := []string{PanelTitleStyle.Render("Latency")}
	if l.Samples == 0 {
		lines = append(lines, MutedStyle.Render("no samples"))
	} else {
		lines = append(lines,
			row("Min", stats.FormatLatency(l.MinMS)),
			row("Mean", stats.FormatLatency(l.MeanMS)),
			row("P50", stats.FormatLatency(l.P50MS)),
			row("P95", stats.FormatLatency(l.P95MS)),
			row("P99", stats.FormatLatency(l.P99MS)),
			row("Max", stats.FormatLatency(l.MaxMS)),
			row("Samples", formatCount(l.Samples)),
		)
	}
	return PanelStyle.Width(36).Render(strings.Join(lines, "\n"))
}

func (m *Model) sessionsPanel() string {
	lines := []string{PanelTitleStyle.Render(fmt.Sprintf("Sessions (%d)", len(m.rows)))}
	if len(m.rows) == 0 {
		lines = append(lines, MutedStyle.Render("waiting for traffic"))
	} else {
		lines = append(lines, MutedStyle.Render(fmt.Sprintf("%-26s %10s %8s %10s %10s", "SOURCE", "PACKETS", "LOSS", "LATENCY", "JITTER")))
		for i, r := range m.rows {
			if i == maxSessions {
				lines = append(lines, MutedStyle.Render(fmt.Sprintf("... %d more", len(m.rows)-maxSessions)))
				break
			}
			style := ActiveStyle
			if !r.Active {
				style = InactiveStyle
			}
			lines = append(lines, style.Render(fmt.Sprintf("%-26s %10s %7.2f%% %10s %10s",
				r.ID, formatCount(r.Packets), sessionLoss(r.Loss)*100,
				stats.FormatLatency(r.LastLatencyMS), stats.FormatLatency(r.JitterMS))))
		}
	}
	return PanelStyle.Render(strings.Join(lines, "\n"))
}

func sessionLoss(l receiver.LossStats) float64 {
	return stats.LossRatio(0, l.Received, l.Lost)
}

func row(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

func lastRate(history []float64) uint64 {
	if len(history) == 0 {
		return 0
	}
	return uint64(history[len(history)-1])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatCount(n uint64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 10_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	}
	return fmt.Sprintf("%d", n)
}

// sparkline scales data into eight block heights across width cells.
func sparkline(data []float64, width int) string {
	if len(data) == 0 {
		return strings.Repeat("▁", width)
	}

	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		minVal = min(minVal, v)
		maxVal = max(maxVal, v)
	}
	if maxVal == minVal {
		return strings.Repeat("▄", width)
	}

	chars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	var b strings.Builder
	for i := 0; i < width; i++ {
		idx := i * len(data) / width
		n := int((data[idx] - minVal) / (maxVal - minVal) * 7)
		b.WriteRune(chars[min(n, 7)])
	}
	return b.String()
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, title string, summary SummarySource, sessions SessionSource) error {
	p := tea.NewProgram(New(title, summary, sessions), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
