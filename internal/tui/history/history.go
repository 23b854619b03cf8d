package history

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"surge/internal/storage"
	"surge/internal/tui/styles"
)

// Model is a table of stored runs, newest first.
type Model struct {
	Records []storage.RunRecord
	Table   table.Model

	Width  int
	Height int
}

func NewModel(records []storage.RunRecord) Model {
	columns := []table.Column{
		{Title: "Started", Width: 20},
		{Title: "Target", Width: 36},
		{Title: "VUs", Width: 5},
		{Title: "Reqs", Width: 9},
		{Title: "RPS", Width: 9},
		{Title: "Err %", Width: 7},
		{Title: "Checks %", Width: 9},
		{Title: "P95 ms", Width: 9},
		{Title: "ID", Width: 8},
	}

	height := len(records) + 1
	if height > 20 {
		height = 20
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(height),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	m := Model{Records: records, Table: t}
	m.Table.SetRows(Rows(records))
	return m
}

// Rows renders one table row per record.
func Rows(records []storage.RunRecord) []table.Row {
	rows := make([]table.Row, len(records))
	for i, rec := range records {
		r := rec.Report
		checks := "-"
		if r.ChecksPassed+r.ChecksFailed > 0 {
			checks = fmt.Sprintf("%.1f", r.CheckPassRate())
		}
		id := rec.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows[i] = table.Row{
			rec.Started().Local().Format(time.DateTime),
			rec.Target,
			fmt.Sprintf("%d", r.PeakVUs),
			fmt.Sprintf("%d", r.Requests),
			fmt.Sprintf("%.1f", r.RequestRate()),
			fmt.Sprintf("%.1f", r.ErrorRate()),
			checks,
			fmt.Sprintf("%.1f", float64(r.Latency().P95)/1000),
			id,
		}
	}
	return rows
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "esc" {
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if len(m.Records) == 0 {
		return styles.Subtle.Render("No runs recorded yet.") + "\n"
	}
	return styles.Box.Render(m.Table.View()) + "\n"
}
