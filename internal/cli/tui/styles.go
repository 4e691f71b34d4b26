package tui

import "github.com/charmbracelet/lipgloss"

// Styles holds every lipgloss style the dashboard uses.
type Styles struct {
	Title lipgloss.Style
	Timer lipgloss.Style
	Idle lipgloss.Style
	Active lipgloss.Style
	Persist lipgloss.Style
	Blocked lipgloss.Style
	Footer lipgloss.Style
	LogLine lipgloss.Style
}

// DefaultStyles returns the dashboard's default color scheme.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Timer: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Idle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Active: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Persist: lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
		Blocked: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Footer: lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1),
		LogLine: lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
	}
}

const (
	IconIdle = "·"
	IconActive = "●"
	IconPersist = "◆"
	IconBlocked = "✗"
)
