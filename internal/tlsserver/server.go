package tlsserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/2log-io/idfix-protocols/internal/logging"
)

const listenBacklog = 32

var (
	// ErrNotInitialized is returned when Listen or an identity setter is
	// called before Init created the TLS context.
	ErrNotInitialized = errors.New("tlsserver: server not initialized")

	// ErrAlreadyListening is returned by Listen when the server is already
	// running or a prior shutdown has not finished yet.
	ErrAlreadyListening = errors.New("tlsserver: server already listening")
)

// Server is a TCP-based TLS server.
//
// A single goroutine runs the multiplexer loop: it blocks on readiness
// across the listening descriptor and all accepted sockets, accepts new
// connections and dispatches per-socket read events. All other operations
// (identity configuration, Shutdown, Socket.Write, Socket.Close) may be
// called concurrently from arbitrary goroutines.
type Server struct {
	handler EventHandler

	mu        sync.Mutex
	identity  *identity
	tlsConfig *tls.Config
	listenFd  int
	port      uint16
	running   bool
	// shutdownComplete starts true; Listen requires it, and the loop sets
	// it again only after draining every remaining socket.
	shutdownComplete bool

	// active is the descriptor-interest set consumed by the readiness
	// wait; it holds exactly the registered descriptors plus the listener.
	active unix.FdSet

	// sockets maps a descriptor to its Socket.
	sockets map[int]*Socket

	// loopDone is closed when the multiplexer loop has exited and all
	// sockets are released.
	loopDone chan struct{}
}

// NewServer creates a server delivering new-connection events to handler.
func NewServer(handler EventHandler) *Server {
	return &Server{
		handler:          handler,
		listenFd:         -1,
		shutdownComplete: true,
		sockets:          make(map[int]*Socket),
	}
}

// Init creates the TLS context. It must be called (and succeed) before
// Listen. Identity material installed afterwards applies to all future
// handshakes of this server.
func (s *Server) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = newIdentity()
	return nil
}

// SetPrivateKey installs the server's private key from DER-encoded (ASN.1)
// bytes. Must be called before Listen for the identity to take effect.
func (s *Server) SetPrivateKey(der []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return ErrNotInitialized
	}
	if err := s.identity.setPrivateKey(der); err != nil {
		return fmt.Errorf("could not set private key: %w", err)
	}
	return nil
}

// SetCertificate installs the server's X.509 certificate from DER-encoded
// (ASN.1) bytes. Must be called before Listen for the identity to take
// effect.
func (s *Server) SetCertificate(der []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return ErrNotInitialized
	}
	if err := s.identity.setCertificate(der); err != nil {
		return fmt.Errorf("could not set certificate: %w", err)
	}
	return nil
}

// Listen binds a TCP listening socket to all interfaces on the given port
// and starts the multiplexer loop on a dedicated goroutine. It fails if the
// server is already running or a previous shutdown has not finished. On a
// socket error the server is left in the not-running state and Listen may
// be retried.
func (s *Server) Listen(port uint16) error {
	s.mu.Lock()

	if !s.shutdownComplete {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	if s.identity == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("could not create socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		_ = unix.Close(fd)
		s.mu.Unlock()
		return fmt.Errorf("could not bind socket to port %d: %w", port, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		s.mu.Unlock()
		return fmt.Errorf("could not set socket to listen: %w", err)
	}

	// with port 0 the kernel picked an ephemeral port
	s.port = port
	if sa, err := unix.Getsockname(fd); err == nil {
		if inet4, ok := sa.(*unix.SockaddrInet4); ok {
			s.port = uint16(inet4.Port)
		}
	}

	// identity is frozen here: read-only for all sessions from now on
	s.tlsConfig = s.identity.freeze()

	s.listenFd = fd
	s.running = true
	s.shutdownComplete = false
	s.loopDone = make(chan struct{})

	s.active.Zero()
	s.active.Set(fd)

	s.mu.Unlock()

	logging.Info("Server listening for connections",
		zap.Uint16("port", s.Port()),
		zap.Int("descriptor", fd),
	)

	go s.run()

	return nil
}

// Port returns the port the server is bound to. Useful when Listen was
// called with port 0.
func (s *Server) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Shutdown requests the server to stop. Shutting the listening descriptor
// down is the sole cross-thread signal into the blocked readiness wait: it
// marks the descriptor readable and forces the wait to return, after which
// the loop observes the cleared running flag and exits. Closing the
// descriptor here would not do that; a close does not wake another thread
// blocked in select on it, so the descriptor stays open until the loop's
// teardown. Teardown of the remaining connections happens asynchronously on
// the loop goroutine, not inside this call.
func (s *Server) Shutdown() {
	s.mu.Lock()

	if s.running && !s.shutdownComplete {
		s.running = false
		_ = unix.Shutdown(s.listenFd, unix.SHUT_RDWR)
	}

	s.mu.Unlock()
}

// run is the multiplexer loop. Exactly one goroutine per server runs it.
func (s *Server) run() {
	s.mu.Lock()
	listenFd := s.listenFd
	s.mu.Unlock()

	maxDescriptor := listenFd

	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			logging.Info("Exiting server loop", zap.String("reason", "shutdown"))
			break
		}
		// independent copy: other goroutines may mutate the interest set
		// while the loop works on this snapshot
		readReady := s.active
		s.mu.Unlock()

		if _, err := unix.Select(maxDescriptor+1, &readReady, nil, nil, nil); err != nil {
			if err == unix.EINTR {
				continue
			}

			logging.Warn("select failed", zap.Error(err))

			s.mu.Lock()
			// unexpected error on the wait: fail-stop rather than
			// attempting recovery on a possibly stale descriptor set; the
			// listener is closed by the drain below
			s.running = false
			s.mu.Unlock()
			break
		}

		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			// shutdown closed the listener to unblock the wait; do not
			// process any events from this wait cycle
			logging.Info("Exiting server loop", zap.String("reason", "shutdown"))
			break
		}

		// pending connection request on the listening descriptor
		if readReady.IsSet(listenFd) {
			if fd := s.acceptPending(listenFd); fd > maxDescriptor {
				maxDescriptor = fd
			}
			readReady.Clear(listenFd)
		}

		newMaxDescriptor := listenFd

		for fd := 0; fd <= maxDescriptor; fd++ {
			s.mu.Lock()
			if !s.active.IsSet(fd) {
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()

			// iterating ascending over active descriptors, so this is the
			// maximum seen so far
			newMaxDescriptor = fd

			if !readReady.IsSet(fd) || fd == listenFd {
				continue
			}

			s.mu.Lock()
			socket := s.sockets[fd]
			s.mu.Unlock()
			if socket == nil {
				continue
			}

			if n, err := socket.readReady(); err != nil {
				logging.Debug("closing socket",
					zap.Int("descriptor", fd),
					zap.Int("read_result", n),
					zap.Error(err),
				)
				socket.Close()
				// the closed descriptor may leave newMaxDescriptor stale;
				// harmless, corrected on the next iteration
			}
		}

		maxDescriptor = newMaxDescriptor
	}

	s.drain()
	close(s.loopDone)
}

// acceptPending accepts one pending connection, wraps it into a Socket with
// its own TLS session and registers it. The TLS handshake is intentionally
// not started here: doing it eagerly would block the loop goroutine on a
// peer that may never send the first handshake byte, starving all other
// connections. It runs on the socket's first readable event instead.
//
// Returns the new descriptor, or -1 if the accept failed (non-fatal, the
// loop continues).
func (s *Server) acceptPending(listenFd int) int {
	nfd, sa, err := unix.Accept(listenFd)
	if err != nil {
		logging.Error("accept failed", zap.Error(err))
		return -1
	}
	return s.registerDescriptor(nfd, sockaddrString(sa))
}

// registerDescriptor wraps an accepted descriptor into a Socket and adds it
// to the registry and the interest set. Descriptors past the fixed capacity
// of the interest set bit array cannot be multiplexed; such connections are
// rejected (closed) instead of corrupting the set.
func (s *Server) registerDescriptor(nfd int, remoteAddr string) int {
	if nfd >= unix.FD_SETSIZE {
		logging.Error("rejecting connection, descriptor out of interest set range",
			zap.String("remote_addr", remoteAddr),
			zap.Int("descriptor", nfd),
		)
		_ = unix.Close(nfd)
		return -1
	}

	logging.Info("Incoming TCP connection",
		zap.String("remote_addr", remoteAddr),
		zap.Int("descriptor", nfd),
	)

	s.mu.Lock()
	raw := newRawConn(nfd)
	session := tls.Server(raw, s.tlsConfig)
	socket := newSocket(nfd, raw, session, s, remoteAddr)
	s.sockets[nfd] = socket
	s.active.Set(nfd)
	s.mu.Unlock()

	// no new-connection event yet; the socket emits it indirectly once its
	// deferred handshake succeeds
	return nfd
}

// removeSocket deregisters a socket; it is called by the socket itself
// during close. During draining it is a no-op: the drain pass removes
// sockets itself, so a self-initiated close cannot mutate the registry
// while it is being iterated. The socket is detached from the server's
// bookkeeping strictly before its owner reference is cleared.
func (s *Server) removeSocket(socket *Socket) {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return
	}

	s.active.Clear(socket.descriptor)
	delete(s.sockets, socket.descriptor)
	s.mu.Unlock()

	socket.releaseOwner()
}

// notifyNewConnection relays a completed handshake to the server-level
// event handler. Handshakes completing after shutdown began are dropped.
// The callback fires outside the server lock and receives the registry's
// shared reference to the socket.
func (s *Server) notifyNewConnection(socket *Socket) {
	s.mu.Lock()

	if s.handler == nil || !s.running {
		s.mu.Unlock()
		return
	}
	registered := s.sockets[socket.descriptor]

	s.mu.Unlock()

	if registered != nil {
		s.handler.TLSNewConnection(registered)
	}
}

// drain closes the listening descriptor and tears down every remaining
// socket after the loop exited. Owner
// references are released before the sockets are closed, so their close
// path cannot re-enter the registry removal while the registry is being
// cleared. The disconnect notifications fire outside the server lock.
func (s *Server) drain() {
	s.mu.Lock()

	remaining := make([]*Socket, 0, len(s.sockets))
	for fd, socket := range s.sockets {
		s.active.Clear(fd)
		socket.releaseOwner()
		remaining = append(remaining, socket)
	}
	s.sockets = make(map[int]*Socket)

	s.mu.Unlock()

	for _, socket := range remaining {
		logging.Info("Closing socket", zap.Int("descriptor", socket.descriptor))
		socket.Close()
	}

	s.mu.Lock()
	if s.listenFd >= 0 {
		_ = unix.Close(s.listenFd)
	}
	s.listenFd = -1
	s.shutdownComplete = true
	s.mu.Unlock()
}
