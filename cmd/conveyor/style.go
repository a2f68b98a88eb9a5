package main

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	dimStyle     = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// outcomeStyle colours a run outcome or stage name
func outcomeStyle(s string) lipgloss.Style {
	switch s {
	case "done":
		return successStyle
	case "blocked", "awaiting-human":
		return warningStyle
	case "failed":
		return errorStyle
	}
	return dimStyle
}

// cell pads s to width before styling so columns line up
func cell(style lipgloss.Style, s string, width int) string {
	return style.Width(width).Render(s)
}
