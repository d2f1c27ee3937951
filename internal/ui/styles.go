package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette for the monitor UI
var (
	PrimaryColor = lipgloss.Color("#7D56F4") // Purple - headers, borders
	SuccessColor = lipgloss.Color("#43BF6D") // Green - established connections
	ErrorColor   = lipgloss.Color("#FF5555") // Red - errors, disconnects
	WarningColor = lipgloss.Color("#FFA500") // Orange - pending handshakes
	MutedColor   = lipgloss.Color("#626262") // Gray - secondary info
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// Layout constants
const (
	MinTerminalWidth = 60  // Minimum supported terminal width
	MaxContentWidth  = 100 // Maximum content width before capping
)

// Shared styles for the monitor UI
var (
	// TitleStyle is for the monitor header line
	TitleStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Bold(true).
			PaddingLeft(2)

	// StatusStyle is for the listener status line
	StatusStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			PaddingLeft(2)

	// ConnectionStyle is for established connection rows
	ConnectionStyle = lipgloss.NewStyle().
			Foreground(SuccessColor).
			PaddingLeft(4)

	// EventStyle is for event log lines
	EventStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			PaddingLeft(4)

	// EventTimeStyle is for the timestamp prefix of an event line
	EventTimeStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	// ErrorEventStyle is for disconnect and error event lines
	ErrorEventStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			PaddingLeft(4)

	// HelpStyle is for the key hint footer
	HelpStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			PaddingLeft(2)
)

// GetTerminalSize returns the current terminal width and height with
// fallbacks for non-terminal output.
func GetTerminalSize() (int, int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return MinTerminalWidth, 24
	}
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}
	if width > MaxContentWidth {
		width = MaxContentWidth
	}
	return width, height
}
