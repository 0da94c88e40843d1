package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorNavy   = lipgloss.Color("#1B2A4A")
	ColorBlue   = lipgloss.Color("#4A90D9")
	ColorWhite  = lipgloss.Color("#F5F5F5")
	ColorGray   = lipgloss.Color("#8A8A8A")
	ColorGreen  = lipgloss.Color("#44CC66")
	ColorYellow = lipgloss.Color("#FFAA00")
	ColorRed    = lipgloss.Color("#FF4444")
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(ColorNavy).
			Foreground(ColorWhite).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorNavy).
			Padding(0, 1)

	activeSectionStyle = sectionStyle.
				BorderForeground(ColorBlue)

	chartTitleStyle = lipgloss.NewStyle().
			Foreground(ColorWhite).
			Bold(true)

	labelStyle = lipgloss.NewStyle().Foreground(ColorGray)
	helpStyle  = lipgloss.NewStyle().Foreground(ColorGray).Italic(true)
	errorStyle = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
)

// barPalette colors category bars in digest order.
var barPalette = []lipgloss.Color{"196", "208", "39", "201", "44", "148", "99", "214"}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "handled":
		return lipgloss.NewStyle().Foreground(ColorGreen)
	case "unhandled":
		return lipgloss.NewStyle().Foreground(ColorYellow)
	}
	return lipgloss.NewStyle().Foreground(ColorGray)
}
