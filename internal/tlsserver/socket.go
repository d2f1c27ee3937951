package tlsserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/2log-io/idfix-protocols/internal/logging"
)

// initialReadBufferSize is the chunk size for draining the TLS record layer.
// The receive buffer grows beyond it as needed.
const initialReadBufferSize = 256

// ErrSocketClosed is returned by operations on a socket whose descriptor has
// already been invalidated.
var ErrSocketClosed = errors.New("tlsserver: socket is closed")

// socketState is the connection lifecycle. There is no transition out of
// socketClosed.
type socketState int

const (
	// socketPendingHandshake is the initial state right after accept. The
	// TLS handshake has deliberately not been started yet: it runs on the
	// first readable event (see Socket.readReady).
	socketPendingHandshake socketState = iota

	// socketEstablished means the handshake succeeded and application data
	// may flow.
	socketEstablished

	// socketClosed is terminal: the descriptor is invalid.
	socketClosed
)

// Socket is one accepted TLS connection. It is created by a Server on an
// incoming TCP connection and shared between the server's registry and, once
// the handshake completed, the server's event handler.
//
// Write and Close are safe to call from any goroutine; readReady is driven
// only by the owning server's multiplexer loop.
type Socket struct {
	// descriptor is the raw socket descriptor. It is immutable; validity is
	// tracked by state.
	descriptor int

	// owner is the non-owning back-reference to the managing server. It is
	// atomically cleared (releaseOwner) strictly before the server drops
	// its bookkeeping for this socket, so a socket being torn down by its
	// owner never re-enters the owner's removal path. A socket with a nil
	// owner never calls back into a server.
	owner atomic.Pointer[Server]

	mu         sync.Mutex
	state      socketState
	raw        *rawConn
	session    *tls.Conn
	handler    SocketEventHandler
	remoteAddr string
}

func newSocket(descriptor int, raw *rawConn, session *tls.Conn, owner *Server, remoteAddr string) *Socket {
	s := &Socket{
		descriptor: descriptor,
		state:      socketPendingHandshake,
		raw:        raw,
		session:    session,
		remoteAddr: remoteAddr,
	}
	s.owner.Store(owner)
	return s
}

// SetEventHandler sets the handler which receives this socket's events.
func (s *Socket) SetEventHandler(handler SocketEventHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// RemoteAddr returns the peer address of the underlying TCP connection.
func (s *Socket) RemoteAddr() string {
	return s.remoteAddr
}

// Write encrypts and sends the given bytes. It returns the number of bytes
// accepted by the TLS session, or an error if the connection was closed or
// the send failed. Safe to call from any goroutine; writes are serialized by
// the socket's own lock and may block until the kernel accepts the bytes.
func (s *Socket) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != socketEstablished {
		return 0, ErrSocketClosed
	}
	return s.session.Write(data)
}

// WriteString is a convenience for text protocols built atop this layer.
func (s *Socket) WriteString(data string) (int, error) {
	return s.Write([]byte(data))
}

// Close closes the TLS connection. It is idempotent: closing an already
// closed socket is a no-op. If the socket is still owned by a server, the
// owner is first asked to deregister it (which clears the owner reference)
// while the descriptor is still live. The disconnect notification fires
// after all locks are released, so the handler may safely call back into
// this layer.
func (s *Socket) Close() {
	s.mu.Lock()

	disconnectedNow := false
	var handler SocketEventHandler

	if s.state != socketClosed {
		if owner := s.owner.Load(); owner != nil {
			// caution: the owner reference is cleared by this call
			owner.removeSocket(s)
		}

		if s.state == socketEstablished {
			// send close_notify only for a fully established session
			_ = s.session.CloseWrite()
		}

		_ = unix.Shutdown(s.descriptor, unix.SHUT_WR)
		_ = unix.Close(s.descriptor)
		s.state = socketClosed

		disconnectedNow = true
		handler = s.handler
	}

	s.mu.Unlock()

	if disconnectedNow && handler != nil {
		handler.SocketDisconnected(s)
	}
}

// releaseOwner invalidates the back-reference to the managing server. It is
// called by the server exactly when it removes this socket from its registry
// or during shutdown draining. Afterwards this socket neither deregisters
// itself nor emits a new-connection event through the server.
func (s *Socket) releaseOwner() {
	s.owner.Store(nil)
	logging.Debug("owner released", zap.Int("descriptor", s.descriptor))
}

// readReady is called by the owning server's multiplexer loop when the
// descriptor became readable. On the first call it completes the deferred
// TLS handshake instead of reading data. Afterwards it drains everything the
// TLS record layer has buffered into a single bytes-received notification.
//
// A positive return value is the number of bytes read; the handler has
// already been notified. A non-nil error tells the caller to tear the socket
// down. Bytes accumulated before a failing read are still delivered, so no
// received data is silently dropped on a peer close mid-stream.
func (s *Socket) readReady() (int, error) {
	s.mu.Lock()

	switch s.state {
	case socketClosed:
		s.mu.Unlock()
		return 0, ErrSocketClosed
	case socketPendingHandshake:
		// handshake was deferred until the peer actually sent data
		return s.completeHandshake()
	}

	return s.deliverPending(true)
}

// deliverPending drains the session into a single bytes-received
// notification. Called with s.mu held; releases it before any callback.
//
// With blockFirst the first read blocks until the record that woke the
// multiplexer is decrypted. Follow-up reads (and every read when blockFirst
// is false) run with an immediate deadline: plaintext the record layer has
// already buffered is returned without touching the descriptor, and a
// deadline error means the session is drained. Collapsing the drain into
// one notification avoids fragmenting a single TCP readiness event into
// spurious multiple callbacks.
func (s *Socket) deliverPending(blockFirst bool) (int, error) {
	var (
		buf     []byte
		readErr error
	)
	chunk := make([]byte, initialReadBufferSize)

	blocking := blockFirst
	for {
		if blocking {
			_ = s.raw.SetReadDeadline(time.Time{})
		} else {
			_ = s.raw.SetReadDeadline(time.Now())
		}

		n, err := s.session.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if !blocking && errors.Is(err, os.ErrDeadlineExceeded) {
				break // no more pending bytes
			}
			readErr = err
			break
		}
		blocking = false
	}
	_ = s.raw.SetReadDeadline(time.Time{})

	total := len(buf)
	handler := s.handler

	if blockFirst && readErr == nil && total == 0 {
		// the multiplexer reported readable but the session produced
		// nothing and no error: treat as peer close
		readErr = io.EOF
	}

	if total > 0 {
		// transparent terminator one past the reported length
		buf = append(buf, 0)
		data := buf[:total]

		s.mu.Unlock()
		logging.Debug("bytes received",
			zap.String("remote_addr", s.remoteAddr),
			zap.Int("length", total),
		)
		if handler != nil {
			handler.SocketBytesReceived(s, data)
		}
		if readErr != nil {
			return 0, readErr
		}
		return total, nil
	}

	s.mu.Unlock()
	return 0, readErr
}

// completeHandshake runs the deferred TLS handshake. Called with s.mu held;
// releases it before any callback. On success the server is notified (which
// in turn emits the new-connection event) unless the owner reference was
// already released, so no new-connection event can fire for a server that
// has begun shutting down. On failure the event handler is cleared: a
// connection that never established must not emit a disconnect event either.
//
// The handshake's record reads pull whole kernel segments, so application
// data the peer coalesced with its final handshake flight can end up in the
// session buffer with the kernel buffer empty. The multiplexer would never
// see a readable event for those bytes; they are drained and delivered here
// before returning.
func (s *Socket) completeHandshake() (int, error) {
	if err := s.session.Handshake(); err != nil {
		s.handler = nil
		s.mu.Unlock()
		return 0, fmt.Errorf("TLS handshake failed: %w", err)
	}

	s.state = socketEstablished
	owner := s.owner.Load()
	s.mu.Unlock()

	logging.LogConnection(s.remoteAddr, "tls_established")

	if owner != nil {
		owner.notifyNewConnection(s)
	}

	s.mu.Lock()
	if s.state != socketEstablished {
		// closed from within the new-connection callback
		s.mu.Unlock()
		return 1, nil
	}
	return s.deliverPending(false)
}
