// Package ui implements the live terminal dashboard shown by
// `idfixd serve --tui`.
//
// The dashboard is a Bubble Tea program fed by the daemon through typed
// messages: listener status, completed handshakes, received bytes,
// disconnects and answered DNS queries. Rendering uses the shared lipgloss
// palette in styles.go; the daemon publishes events via Monitor.Publish
// from any goroutine.
package ui
