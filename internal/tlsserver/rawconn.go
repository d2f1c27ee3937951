package tlsserver

import (
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// rawConn adapts a raw, blocking socket descriptor to the net.Conn interface
// so that crypto/tls can drive it. The descriptor stays in blocking mode and
// is never handed to the runtime network poller: readiness is decided by the
// server's multiplexer loop, not by the Go runtime.
//
// Deadline support is limited to what the read path of the multiplexer
// needs: a zero deadline means "block until data arrives" and a deadline at
// or before now means "return os.ErrDeadlineExceeded unless the descriptor
// is readable right now". Read deadlines are only ever set by the goroutine
// that also performs the reads.
type rawConn struct {
	fd           int
	localAddr    net.Addr
	remoteAddr   net.Addr
	readDeadline time.Time
}

func newRawConn(fd int) *rawConn {
	c := &rawConn{fd: fd}

	if sa, err := unix.Getsockname(fd); err == nil {
		c.localAddr = sockaddrToTCPAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		c.remoteAddr = sockaddrToTCPAddr(sa)
	}

	return c
}

func (c *rawConn) Read(p []byte) (int, error) {
	if !c.readDeadline.IsZero() {
		timeout := time.Until(c.readDeadline)
		if timeout < 0 {
			timeout = 0
		}
		ready, err := pollRead(c.fd, timeout)
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, os.ErrDeadlineExceeded
		}
	}

	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *rawConn) Write(p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}

func (c *rawConn) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *rawConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *rawConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *rawConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

// SetWriteDeadline is a no-op: writes block until the kernel accepts the
// bytes.
func (c *rawConn) SetWriteDeadline(time.Time) error {
	return nil
}

// pollRead reports whether fd is readable within the given timeout.
func pollRead(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return nil
}

// sockaddrString formats a peer address for logging.
func sockaddrString(sa unix.Sockaddr) string {
	if addr := sockaddrToTCPAddr(sa); addr != nil {
		return addr.String()
	}
	return "unknown"
}
