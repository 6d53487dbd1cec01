package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Brand colors
var (
	ColorPrimary = lipgloss.Color("#6366F1") // Indigo
	ColorSuccess = lipgloss.Color("#10B981") // Emerald
	ColorWarning = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorMuted   = lipgloss.Color("#64748B") // Slate
)

// Semantic styles
var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		MarginBottom(1)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	Warning = lipgloss.NewStyle().
		Foreground(ColorWarning)

	Error = lipgloss.NewStyle().
		Foreground(ColorError)

	Info = lipgloss.NewStyle().
		Foreground(ColorPrimary)

	Muted = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

// Component styles
var (
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(1, 2)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorMuted)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary)
)

// Icons (using unicode)
const (
	IconSuccess  = "✓"
	IconError    = "✗"
	IconWarning  = "⚠"
	IconInfo     = "ℹ"
	IconDatabase = "⛁"
	IconArrow    = "→"
	IconLock     = "🔒"
)
