// Package ui holds the shared terminal styles for pocketplan output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// Accent renders headings and identifiers.
func Accent(s string) string { return accentStyle.Render(s) }

// Pass renders success output.
func Pass(s string) string { return passStyle.Render(s) }

// Warn renders warnings such as open conflicts.
func Warn(s string) string { return warnStyle.Render(s) }

// Fail renders errors and the OFFLINE status.
func Fail(s string) string { return failStyle.Render(s) }

// Faint renders secondary detail like timestamps and cursors.
func Faint(s string) string { return faintStyle.Render(s) }

// Status renders an engine status with its conventional color.
func Status(status string) string {
	switch status {
	case "SYNCED":
		return Pass(status)
	case "SYNCING":
		return Accent(status)
	case "CONFLICT":
		return Warn(status)
	case "OFFLINE":
		return Fail(status)
	default:
		return Faint(status)
	}
}
