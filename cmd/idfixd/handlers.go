package main

import (
	"go.uber.org/zap"

	"github.com/2log-io/idfix-protocols/internal/logging"
	"github.com/2log-io/idfix-protocols/internal/tlsserver"
	"github.com/2log-io/idfix-protocols/internal/ui"
)

// eventSink receives TLS server events, logs them and feeds the optional
// dashboard. With echo enabled, received bytes are written straight back.
type eventSink struct {
	echo    bool
	monitor *ui.Monitor
}

func (s *eventSink) TLSNewConnection(socket *tlsserver.Socket) {
	logging.LogConnection(socket.RemoteAddr(), "established")

	socket.SetEventHandler(s)

	if s.monitor != nil {
		s.monitor.Publish(ui.ConnectionOpenedMsg{RemoteAddr: socket.RemoteAddr()})
	}
}

func (s *eventSink) SocketBytesReceived(socket *tlsserver.Socket, data []byte) {
	logging.LogRawBytes("received", data)

	if s.monitor != nil {
		s.monitor.Publish(ui.BytesReceivedMsg{
			RemoteAddr: socket.RemoteAddr(),
			Count:      len(data),
		})
	}

	if s.echo {
		if _, err := socket.Write(data); err != nil {
			logging.Warn("Echo write failed",
				zap.String("remote_addr", socket.RemoteAddr()),
				zap.Error(err),
			)
		}
	}
}

func (s *eventSink) SocketDisconnected(socket *tlsserver.Socket) {
	logging.LogConnection(socket.RemoteAddr(), "disconnected")

	if s.monitor != nil {
		s.monitor.Publish(ui.ConnectionClosedMsg{RemoteAddr: socket.RemoteAddr()})
	}
}
