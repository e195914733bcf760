package tui

import "github.com/charmbracelet/lipgloss"

// Palette, in ANSI 256 colour numbers.
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorRunning = lipgloss.Color("11")
	colorDone    = lipgloss.Color("10")
	colorFailed  = lipgloss.Color("9")
)

var paneBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())

// paneStyle returns the border for a pane, highlighted when it has focus.
func paneStyle(focused bool) lipgloss.Style {
	if focused {
		return paneBorder.BorderForeground(colorAccent)
	}
	return paneBorder.BorderForeground(colorMuted)
}

// statusLook pairs the colour of a task status with its list icon.
type statusLook struct {
	style lipgloss.Style
	icon  string
}

var statusLooks = map[string]statusLook{
	"running":   {lipgloss.NewStyle().Foreground(colorRunning).Bold(true), "●"},
	"completed": {lipgloss.NewStyle().Foreground(colorDone).Bold(true), "✓"},
	"failed":    {lipgloss.NewStyle().Foreground(colorFailed).Bold(true), "✗"},
	"pending":   {lipgloss.NewStyle().Foreground(colorMuted), "○"},
}

// statusStyle returns the style for a status; unknown statuses look pending.
func statusStyle(status string) lipgloss.Style {
	if look, ok := statusLooks[status]; ok {
		return look.style
	}
	return statusLooks["pending"].style
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
	noteStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)
