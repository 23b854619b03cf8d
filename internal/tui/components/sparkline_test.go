package components

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestSparkline(t *testing.T) {
	s := NewSparkline(4, "rps", lipgloss.NewStyle())
	assert.Equal(t, "    ", s.Graph())

	for _, v := range []float64{0, 4, 8, -1, 8} {
		s.Add(v)
	}
	assert.Len(t, s.Data, 4)
	assert.Equal(t, 8.0, s.Max())
	assert.Equal(t, "▄█ █", s.Graph())

	s.Resize(2)
	assert.Equal(t, []float64{0, 8}, s.Data)
	assert.Equal(t, "rps\n █", s.View())
}
