package ui

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// Monitor wraps the dashboard model in a running Bubble Tea program so the
// daemon can publish events from its own goroutines.
type Monitor struct {
	program *tea.Program
}

// NewMonitor creates the monitor program. Run must be called to start it.
func NewMonitor() *Monitor {
	return &Monitor{
		program: tea.NewProgram(NewMonitorModel(), tea.WithOutput(os.Stdout)),
	}
}

// Run blocks until the user quits or Shutdown is published.
func (m *Monitor) Run() error {
	_, err := m.program.Run()
	return err
}

// Publish sends an event into the dashboard. Safe to call from any
// goroutine.
func (m *Monitor) Publish(msg tea.Msg) {
	m.program.Send(msg)
}

// Shutdown asks the dashboard to exit.
func (m *Monitor) Shutdown() {
	m.program.Send(ShutdownMsg{})
}
