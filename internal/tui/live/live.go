package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"surge/internal/stats"
	"surge/internal/tui/components"
	"surge/internal/tui/styles"
)

// Model renders the most recent live snapshot of a run.
type Model struct {
	Stats    stats.Report
	Progress progress.Model

	RpsLine     components.Sparkline
	LatencyLine components.Sparkline
	VUsLine     components.Sparkline

	Duration    time.Duration
	lastElapsed time.Duration
	lastReqs    uint64

	Width  int
	Height int
}

func NewModel(total time.Duration) Model {
	return Model{
		Progress:    progress.New(progress.WithDefaultGradient()),
		RpsLine:     components.NewSparkline(40, "Requests/s", styles.Active),
		LatencyLine: components.NewSparkline(40, "Latency P90 (ms)", styles.Warn),
		VUsLine:     components.NewSparkline(40, "VUs", styles.Value),
		Duration:    total,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stats.Report:
		// rate over the interval between two snapshots, not since start
		dt := (msg.Elapsed - m.lastElapsed).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}
		m.RpsLine.Add(float64(msg.Requests-m.lastReqs) / dt)
		m.LatencyLine.Add(float64(msg.Latency().P90) / 1000)
		m.VUsLine.Add(float64(msg.VUs))

		m.Stats = msg
		m.lastReqs = msg.Requests
		m.lastElapsed = msg.Elapsed

		return m, m.Progress.SetPercent(m.Percent())

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4

		third := msg.Width/3 - 6
		if third < 10 {
			third = 10
		}
		m.RpsLine.Resize(third)
		m.LatencyLine.Resize(third)
		m.VUsLine.Resize(third)
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// Percent is the share of the planned duration already elapsed.
func (m Model) Percent() float64 {
	if m.Duration <= 0 {
		return 0
	}
	pct := float64(m.Stats.Elapsed) / float64(m.Duration)
	if pct > 1 {
		pct = 1
	}
	return pct
}

func (m Model) View() string {
	s := strings.Builder{}
	r := m.Stats

	col1 := fmt.Sprintf("REQ: %d\nVUS: %d (peak %d)\nITER: %d", r.Requests, r.VUs, r.PeakVUs, r.Iterations)
	col2 := styles.Rate(r.ErrorRate()).Render(fmt.Sprintf("ERR: %.2f%%\nFAIL: %d\nTIMEOUT: %d",
		r.ErrorRate(), r.RequestErrors+r.HTTPFailures, r.Timeouts))

	checks := "CHECKS: -"
	if r.ChecksPassed+r.ChecksFailed > 0 {
		checks = styles.Rate(100 - r.CheckPassRate()).Render(fmt.Sprintf("CHECKS: %.2f%%", r.CheckPassRate()))
	}
	col3 := fmt.Sprintf("%s\n✗ %d\nKB: %d", checks, r.ChecksFailed, r.BytesReceived/1024)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(col2),
		styles.Box.Render(col3),
	))
	s.WriteString("\n\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RpsLine.View()),
		styles.Box.Render(m.LatencyLine.View()),
		styles.Box.Render(m.VUsLine.View()),
	))
	s.WriteString("\n\n")

	lat := r.Latency()
	latencies := fmt.Sprintf(
		"P50: %.2f ms  |  P90: %.2f ms  |  P99: %.2f ms  |  Max: %.2f ms  (percentiles approx.)",
		float64(lat.P50)/1000, float64(lat.P90)/1000, float64(lat.P99)/1000, float64(lat.Max)/1000,
	)
	box := styles.Box
	if m.Width > 4 {
		box = box.Width(m.Width - 4)
	}
	s.WriteString(box.Render(latencies))
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("  %s / %s", r.Elapsed.Round(time.Second), m.Duration)))

	return s.String()
}
