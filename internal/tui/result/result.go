package result

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"surge/internal/stats"
	"surge/internal/tui/styles"
)

type Model struct {
	Report *stats.Report
	Err    error

	Width  int
	Height int
}

func NewModel(r *stats.Report, err error) Model {
	return Model{Report: r, Err: err}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.WindowSizeMsg); ok {
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func (m Model) View() string {
	s := strings.Builder{}
	s.WriteString(styles.Title.Render("📊 Test Complete"))
	s.WriteString("\n\n")

	if m.Err != nil {
		s.WriteString(styles.Error.Render("Run failed: " + m.Err.Error()))
		s.WriteString("\n\n")
	}
	r := m.Report
	if r == nil {
		s.WriteString(styles.Subtle.Render("Press q to quit"))
		return s.String()
	}

	s.WriteString(styles.Active.Render("Overview"))
	s.WriteString("\n")
	overview := fmt.Sprintf(
		"Duration:       %s\nIterations:     %d (%d errors)\nTotal Requests: %d\nFailed:         %d\nRPS:            %.2f\nTotal Bytes:    %d",
		r.Elapsed.Round(time.Millisecond), r.Iterations, r.IterationErrors,
		r.Requests, r.RequestErrors+r.HTTPFailures, r.RequestRate(), r.BytesReceived,
	)
	s.WriteString(styles.Box.Render(overview))
	s.WriteString("\n\n")

	if len(r.Checks) > 0 {
		s.WriteString(styles.Active.Render(fmt.Sprintf("Checks (%.2f%%)", r.CheckPassRate())))
		s.WriteString("\n")
		var lines []string
		for _, c := range r.Checks {
			if c.Failed > 0 {
				lines = append(lines, styles.Error.Render(fmt.Sprintf("✗ %s  %d/%d", c.Name, c.Passed, c.Passed+c.Failed)))
			} else {
				lines = append(lines, styles.Success.Render(fmt.Sprintf("✓ %s  %d/%d", c.Name, c.Passed, c.Passed)))
			}
		}
		s.WriteString(styles.Box.Render(strings.Join(lines, "\n")))
		s.WriteString("\n\n")
	}

	lat := r.Latency()
	s.WriteString(styles.Active.Render("Latency"))
	s.WriteString("\n")
	s.WriteString(styles.Box.Render(fmt.Sprintf(
		"Avg: %.2f ms\nP50: %.2f ms\nP90: %.2f ms\nP99: %.2f ms\nMax: %.2f ms",
		lat.Mean/1000, float64(lat.P50)/1000, float64(lat.P90)/1000, float64(lat.P99)/1000, float64(lat.Max)/1000,
	)))

	if len(r.Errors) > 0 {
		classes := make([]string, 0, len(r.Errors))
		for c := range r.Errors {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		var lines []string
		for _, c := range classes {
			lines = append(lines, fmt.Sprintf("%d x %s", r.Errors[c], c))
		}
		s.WriteString("\n\n")
		s.WriteString(styles.Error.Render("Errors"))
		s.WriteString("\n")
		s.WriteString(styles.Box.Render(strings.Join(lines, "\n")))
	}

	s.WriteString("\n\n")
	s.WriteString(styles.Subtle.Render("Press q to quit"))
	return s.String()
}
