package banner

import (
	"github.com/charmbracelet/lipgloss"

	"surge/internal/tui/styles"
)

const ascii = `
  ___ _   _ _ __ __ _  ___
 / __| | | | '__/ _' |/ _ \
 \__ \ |_| | | | (_| |  __/
 |___/\__,_|_|  \__, |\___|
                |___/      `

func GetString() string {
	style := lipgloss.DefaultRenderer().NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)
	return "\n" + style.Render(ascii) + "\n"
}
