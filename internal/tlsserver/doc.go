// Package tlsserver implements a TLS-terminating TCP server built around a
// single multiplexer goroutine.
//
// The loop blocks on readiness across the listening descriptor and every
// accepted connection. New connections are accepted without performing the
// TLS handshake; the handshake runs when the peer's first bytes arrive, so
// a silent peer cannot stall the loop. Once a handshake completes the
// server emits a new-connection event, and from then on each readable
// event drains the session's buffered plaintext into a single
// bytes-received notification.
//
// Ownership of a connection is shared between the server and its caller: a
// Socket stays valid after Shutdown and after its own Close, with all
// operations on a closed socket failing with ErrSocketClosed instead of
// touching a dead descriptor.
package tlsserver
