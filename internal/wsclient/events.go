package wsclient

// EventHandler receives connection lifecycle and message events from a
// Client. Callbacks fire on the client's internal goroutines while no
// internal lock is held, so a handler may call back into the client.
type EventHandler interface {
	// WebSocketConnected fires after the connection was successfully
	// established.
	WebSocketConnected()

	// WebSocketDisconnected fires when a connection attempt failed or an
	// established connection was lost or aborted. It fires at most once per
	// connection attempt.
	WebSocketDisconnected()

	// WebSocketTextMessage delivers a complete text message that fit into
	// the configured buffer size.
	WebSocketTextMessage(message string)

	// WebSocketTextMessageFragment delivers one part of a text message that
	// exceeded the buffer size. lastFragment marks the final part.
	WebSocketTextMessageFragment(message string, lastFragment bool)

	// WebSocketBinaryMessage delivers a complete binary message that fit
	// into the configured buffer size.
	WebSocketBinaryMessage(data []byte)

	// WebSocketBinaryMessageFragment delivers one part of a binary message
	// that exceeded the buffer size. offset is the position of this part
	// within the message, lastFragment marks the final part.
	WebSocketBinaryMessageFragment(data []byte, offset int, lastFragment bool)
}
