package tlsserver

// EventHandler handles server-level events.
//
// The handler is invoked without any internal lock held, so it may call back
// into the server or the socket it was notified about (for example to close
// it again) without deadlocking. It must not assume exclusivity: by the time
// a callback runs, the socket's state may already have changed from another
// goroutine.
type EventHandler interface {
	// TLSNewConnection is called when an incoming TLS connection is fully
	// established, i.e. after its handshake succeeded. It is never called
	// for connections whose handshake fails, nor after Shutdown has begun.
	TLSNewConnection(socket *Socket)
}

// SocketEventHandler handles the events of a single Socket. It is set per
// socket via Socket.SetEventHandler, independent of the server-level
// handler. Both callbacks fire outside any internal lock.
type SocketEventHandler interface {
	// SocketBytesReceived is called every time new plaintext bytes arrive
	// on the socket. The data slice carries the exact number of received
	// bytes; a transparent zero byte sits one position past its length so
	// that text-protocol consumers may treat the data as a C-style string.
	// Binary consumers must rely on len(data), not on the terminator.
	SocketBytesReceived(socket *Socket, data []byte)

	// SocketDisconnected is called exactly once when the socket has been
	// disconnected, whether by the peer, locally or by server shutdown.
	SocketDisconnected(socket *Socket)
}
