// Package tui provides shared theme and styles for the terminal watcher.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle avoids colliding with the builtin error.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Padding(0, 1)
)

var (
	activeDot   = lipgloss.NewStyle().Foreground(ColorSuccess).Render("●")
	inactiveDot = lipgloss.NewStyle().Foreground(ColorError).Render("●")
	warnDot     = lipgloss.NewStyle().Foreground(ColorWarning).Render("●")
)

// ConnState is the watcher's view of its realtime connection.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Reconnecting
	Rejected
)

// StatusDot returns a colored dot for a connection state.
func StatusDot(s ConnState) string {
	switch s {
	case Connected:
		return activeDot
	case Rejected:
		return inactiveDot
	default:
		return warnDot
	}
}

// StatusText returns a colored label for a connection state.
func StatusText(s ConnState) string {
	switch s {
	case Connected:
		return Success.Render("connected")
	case Reconnecting:
		return WarningStyle.Render("reconnecting")
	case Rejected:
		return ErrorStyle.Render("unauthorized")
	default:
		return WarningStyle.Render("connecting")
	}
}

// PhaseStyle colors a task phase.
func PhaseStyle(p protocol.Phase) lipgloss.Style {
	switch p {
	case protocol.PhaseCompleted:
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case protocol.PhaseFailed:
		return lipgloss.NewStyle().Foreground(ColorError)
	case protocol.PhaseCancelled:
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case protocol.PhaseRunning:
		return lipgloss.NewStyle().Foreground(ColorPrimary)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
