package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxEventLines bounds the scrollback of the event log.
const maxEventLines = 12

// Messages published into the monitor by the daemon.

// ListeningMsg reports the port the TLS server is bound to.
type ListeningMsg struct {
	Port uint16
}

// ConnectionOpenedMsg reports a completed handshake.
type ConnectionOpenedMsg struct {
	RemoteAddr string
}

// ConnectionClosedMsg reports a disconnect.
type ConnectionClosedMsg struct {
	RemoteAddr string
}

// BytesReceivedMsg reports received application data.
type BytesReceivedMsg struct {
	RemoteAddr string
	Count      int
}

// DNSQueryMsg reports one answered DNS query.
type DNSQueryMsg struct {
	Name string
}

// ShutdownMsg tells the monitor the daemon is stopping.
type ShutdownMsg struct{}

type eventLine struct {
	at      time.Time
	text    string
	isError bool
}

// MonitorModel is the live connection dashboard shown by `serve --tui`.
type MonitorModel struct {
	Width  int
	Height int

	Spinner spinner.Model

	port        uint16
	connections map[string]int // remote addr -> received bytes
	totalBytes  int
	dnsQueries  int
	events      []eventLine
	quitting    bool
}

// NewMonitorModel creates the dashboard in its initial, not-listening state.
func NewMonitorModel() MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(PrimaryColor)

	width, height := GetTerminalSize()
	return MonitorModel{
		Width:       width,
		Height:      height,
		Spinner:     s,
		connections: make(map[string]int),
	}
}

// Init implements tea.Model
func (m MonitorModel) Init() tea.Cmd {
	return m.Spinner.Tick
}

// Update implements tea.Model
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		if m.Width > MaxContentWidth {
			m.Width = MaxContentWidth
		}
		m.Height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case ListeningMsg:
		m.port = msg.Port
		m.logEvent(fmt.Sprintf("listening on port %d", msg.Port), false)

	case ConnectionOpenedMsg:
		m.connections[msg.RemoteAddr] = 0
		m.logEvent(fmt.Sprintf("connection established from %s", msg.RemoteAddr), false)

	case ConnectionClosedMsg:
		delete(m.connections, msg.RemoteAddr)
		m.logEvent(fmt.Sprintf("connection closed from %s", msg.RemoteAddr), true)

	case BytesReceivedMsg:
		if _, ok := m.connections[msg.RemoteAddr]; ok {
			m.connections[msg.RemoteAddr] += msg.Count
		}
		m.totalBytes += msg.Count
		m.logEvent(fmt.Sprintf("%d bytes from %s", msg.Count, msg.RemoteAddr), false)

	case DNSQueryMsg:
		m.dnsQueries++
		m.logEvent(fmt.Sprintf("dns query for %s", msg.Name), false)

	case ShutdownMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *MonitorModel) logEvent(text string, isError bool) {
	m.events = append(m.events, eventLine{at: time.Now(), text: text, isError: isError})
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
}

// View implements tea.Model
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(TitleStyle.Render("IDFix Protocol Monitor"))
	b.WriteString("\n")

	status := "starting..."
	if m.port != 0 {
		status = fmt.Sprintf("listening on :%d", m.port)
	}
	b.WriteString(StatusStyle.Render(fmt.Sprintf("%s %s  |  %d bytes received  |  %d dns queries",
		m.Spinner.View(), status, m.totalBytes, m.dnsQueries)))
	b.WriteString("\n\n")

	b.WriteString(StatusStyle.Render(fmt.Sprintf("Connections (%d)", len(m.connections))))
	b.WriteString("\n")
	if len(m.connections) == 0 {
		b.WriteString(EventStyle.Render(EventTimeStyle.Render("none")))
		b.WriteString("\n")
	} else {
		addrs := make([]string, 0, len(m.connections))
		for addr := range m.connections {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			b.WriteString(ConnectionStyle.Render(fmt.Sprintf("%-24s %d bytes", addr, m.connections[addr])))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(StatusStyle.Render("Events"))
	b.WriteString("\n")
	for _, event := range m.events {
		line := EventTimeStyle.Render(event.at.Format("15:04:05")) + " " + event.text
		if event.isError {
			b.WriteString(ErrorEventStyle.Render(line))
		} else {
			b.WriteString(EventStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("q: quit"))
	b.WriteString("\n")

	return b.String()
}
