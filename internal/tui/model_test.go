package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surge/internal/stats"
)

func TestUpdatesFeedTheLiveView(t *testing.T) {
	ch := make(chan stats.Report, 1)
	m := NewModel("GET http://localhost/page/hi", 10*time.Second, ch, nil)

	ch <- stats.Report{Elapsed: 5 * time.Second, Requests: 42, VUs: 3, PeakVUs: 3}
	msg := m.Init()()
	require.IsType(t, updateMsg{}, msg)

	next, cmd := m.Update(msg)
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.EqualValues(t, 42, m.Live.Stats.Requests)
	assert.InDelta(t, 0.5, m.Live.Percent(), 1e-9)
	assert.Contains(t, m.View(), "REQ: 42")
	assert.Contains(t, m.View(), "GET http://localhost/page/hi")
	assert.Contains(t, m.View(), "(percentiles approx.)")
}

func TestQuitStopsRunFirst(t *testing.T) {
	stopped := 0
	m := NewModel("x", time.Second, nil, func() { stopped++ })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(Model)
	assert.Nil(t, cmd, "the program keeps running until the report arrives")
	assert.True(t, m.Stopping)
	assert.Equal(t, 1, stopped)
	assert.Contains(t, m.View(), "Stopping")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(Model)
	assert.Equal(t, 1, stopped)

	r := stats.Report{Requests: 7, Checks: []stats.CheckSummary{{Name: "status is 200", Passed: 7}}}
	next, _ = m.Update(DoneMsg{Report: &r})
	m = next.(Model)
	assert.True(t, m.Done)
	assert.Contains(t, m.View(), "Test Complete")
	assert.Contains(t, m.View(), "✓ status is 200")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestClosedUpdatesChannel(t *testing.T) {
	ch := make(chan stats.Report)
	close(ch)
	m := NewModel("x", time.Second, ch, nil)
	assert.Nil(t, m.Init()())
}
