// Package tui is the live dashboard shown while a run is in progress.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"surge/internal/stats"
	"surge/internal/tui/live"
	"surge/internal/tui/result"
	"surge/internal/tui/styles"
)

// DoneMsg is sent to the program once the run has returned.
type DoneMsg struct {
	Report *stats.Report
	Err    error
}

type updateMsg stats.Report

type Model struct {
	Target string

	Live   live.Model
	Result result.Model

	updates <-chan stats.Report
	stop    func()

	Stopping bool
	Done     bool
	Width    int
	Height   int
}

// NewModel builds the dashboard. stop is called when the user asks to end
// the run early; the run then winds down and delivers a DoneMsg.
func NewModel(target string, total time.Duration, updates <-chan stats.Report, stop func()) Model {
	return Model{
		Target:  target,
		Live:    live.NewModel(total),
		updates: updates,
		stop:    stop,
	}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func waitForUpdate(ch <-chan stats.Report) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return nil
		}
		return updateMsg(r)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		m.Result, _ = m.Result.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.Done {
				return m, tea.Quit
			}
			if !m.Stopping {
				m.Stopping = true
				if m.stop != nil {
					m.stop()
				}
			}
		}
		return m, nil

	case updateMsg:
		if m.Done {
			return m, nil
		}
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(stats.Report(msg))
		return m, tea.Batch(cmd, waitForUpdate(m.updates))

	case DoneMsg:
		m.Done = true
		m.Result = result.NewModel(msg.Report, msg.Err)
		m.Result, _ = m.Result.Update(tea.WindowSizeMsg{Width: m.Width, Height: m.Height})
		return m, nil

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	s := strings.Builder{}
	s.WriteString(styles.Title.Render("🚀 Surge Load Test"))
	s.WriteString("\n")
	s.WriteString(styles.Subtle.Render("Target: " + m.Target))
	s.WriteString("\n\n")

	if m.Done {
		s.WriteString(m.Result.View())
		return s.String()
	}

	s.WriteString(m.Live.View())
	s.WriteString("\n\n")
	if m.Stopping {
		s.WriteString(styles.Warn.Render("Stopping: waiting for in-flight requests..."))
	} else {
		s.WriteString(styles.RenderKey("q", fmt.Sprintf("stop the run (%d VUs active)", m.Live.Stats.VUs)))
	}
	return s.String()
}
