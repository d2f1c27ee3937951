package wsclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/2log-io/idfix-protocols/internal/logging"
)

const (
	defaultBufferSize     = 1024
	defaultNetworkTimeout = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultInsecurePort   = 80
	defaultSecurePort     = 443
)

var (
	// ErrInvalidState is returned when an operation is not permitted in the
	// client's current state.
	ErrInvalidState = errors.New("wsclient: operation not permitted in current state")

	// ErrActionPending is returned when the depth-one action queue already
	// holds an unprocessed request. The caller may retry later.
	ErrActionPending = errors.New("wsclient: an action is already pending")

	// ErrNotConnected is returned by the send operations when no
	// connection is established.
	ErrNotConnected = errors.New("wsclient: not connected")
)

type clientState int

const (
	stateStopped clientState = iota
	stateIdle
	stateConnecting
	stateConnected
	stateStopping
)

func (s clientState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateStopping:
		return "stopping"
	}
	return "unknown"
}

type clientAction int

const (
	actionConnect clientAction = iota
	actionDisconnect
	actionStop
)

type actionEvent struct {
	action clientAction
	delay  time.Duration
}

// Client is a WebSocket client driven by a single background goroutine.
//
// Requests from other goroutines (Connect, Disconnect, Stop) travel through
// a depth-one action queue: a request fails with ErrActionPending while an
// earlier one has not been processed yet, which also prevents duplicate
// connection attempts.
type Client struct {
	handler EventHandler

	stateMu sync.Mutex
	state   clientState

	mu         sync.Mutex
	conn       *websocket.Conn
	caPool     *x509.CertPool
	bufferSize int

	secure bool
	host   string
	port   int
	path   string
	query  string

	networkTimeout time.Duration

	actions chan actionEvent
	readErr chan error
}

// NewClient creates a client in the stopped state delivering events to
// handler.
func NewClient(handler EventHandler) *Client {
	return &Client{
		handler:        handler,
		state:          stateStopped,
		bufferSize:     defaultBufferSize,
		networkTimeout: defaultNetworkTimeout,
	}
}

func (c *Client) setState(state clientState) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

func (c *Client) getState() clientState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Start initializes the client and starts its background goroutine. Must be
// called before any other method. Fails if the client is not stopped.
func (c *Client) Start() error {
	if c.getState() != stateStopped {
		logging.Warn("WebSocket client already running")
		return ErrInvalidState
	}

	c.mu.Lock()
	c.actions = make(chan actionEvent, 1)
	c.readErr = make(chan error, 1)
	c.mu.Unlock()

	c.setState(stateIdle)
	go c.run()

	return nil
}

// Stop requests the client to shut down. The shutdown happens
// asynchronously on the client goroutine. Fails unless the client is idle.
func (c *Client) Stop() error {
	if c.getState() != stateIdle {
		return ErrInvalidState
	}
	return c.queueAction(actionEvent{action: actionStop})
}

// SetURL sets the endpoint to connect to. Only ws and wss URLs are
// supported; a missing port defaults to 80 or 443. Permitted only while
// idle.
func (c *Client) SetURL(rawURL string) error {
	if c.getState() != stateIdle {
		return ErrInvalidState
	}

	logging.Info("Parsing WebSocket URL", zap.String("url", rawURL))

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("could not parse URL %q: %w", rawURL, err)
	}

	var secure bool
	switch u.Scheme {
	case "ws":
		secure = false
	case "wss":
		secure = true
	case "":
		return fmt.Errorf("no URL schema given in %q", rawURL)
	default:
		return fmt.Errorf("URL schema %q not supported", u.Scheme)
	}

	if u.Hostname() == "" {
		return fmt.Errorf("no host given in %q", rawURL)
	}

	port := 0
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return fmt.Errorf("invalid port in %q: %w", rawURL, err)
		}
	}

	c.mu.Lock()
	c.secure = secure
	c.host = u.Hostname()
	c.port = port
	c.path = u.EscapedPath()
	c.query = u.RawQuery
	c.mu.Unlock()

	return nil
}

// SetCACertificate installs the root CA certificate(s), in PEM format, used
// to verify the server on wss connections. Permitted only while idle.
func (c *Client) SetCACertificate(pem []byte) error {
	if c.getState() != stateIdle {
		return ErrInvalidState
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return errors.New("wsclient: no certificate found in PEM data")
	}

	c.mu.Lock()
	c.caPool = pool
	c.mu.Unlock()

	return nil
}

// SetBufferSize sets the receive and transmit buffer size in bytes.
// Messages larger than this are delivered in fragments. Permitted only
// while stopped.
func (c *Client) SetBufferSize(bufferSize int) error {
	if bufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d", bufferSize)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != stateStopped {
		return ErrInvalidState
	}

	c.mu.Lock()
	c.bufferSize = bufferSize
	c.mu.Unlock()

	return nil
}

// Connect queues a connection attempt, optionally delayed. Fails unless the
// client is idle or when an action is already queued; in the latter case
// Connect must be called again.
func (c *Client) Connect(delay time.Duration) error {
	if c.getState() != stateIdle {
		return ErrInvalidState
	}

	if err := c.queueAction(actionEvent{action: actionConnect, delay: delay}); err != nil {
		return err
	}
	logging.Info("Queued connect request")
	return nil
}

// Disconnect queues a disconnect request. Fails unless the client is
// connecting or connected.
func (c *Client) Disconnect() error {
	state := c.getState()
	if state != stateConnecting && state != stateConnected {
		return ErrInvalidState
	}

	if err := c.queueAction(actionEvent{action: actionDisconnect}); err != nil {
		return err
	}
	logging.Info("Queued disconnect request")
	return nil
}

// IsConnected reports whether the WebSocket is connected.
func (c *Client) IsConnected() bool {
	return c.getState() == stateConnected
}

func (c *Client) queueAction(event actionEvent) error {
	select {
	case c.actions <- event:
		return nil
	default:
		return ErrActionPending
	}
}

// drainActions empties the action queue. The queue is kept full from the
// moment a request is accepted until its state transition is visible, so
// draining marks the request as consumed.
func (c *Client) drainActions() {
	for {
		select {
		case <-c.actions:
		default:
			return
		}
	}
}

// SendTextMessage sends message as a text message and returns the number of
// bytes written. A write error aborts the connection.
func (c *Client) SendTextMessage(message string) (int, error) {
	return c.send(websocket.TextMessage, []byte(message))
}

// SendBinaryMessage sends data as a binary message and returns the number
// of bytes written. A write error aborts the connection.
func (c *Client) SendBinaryMessage(data []byte) (int, error) {
	return c.send(websocket.BinaryMessage, data)
}

func (c *Client) send(messageType int, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("wsclient: empty message")
	}
	if c.getState() != stateConnected {
		return 0, ErrNotConnected
	}

	c.mu.Lock()
	conn := c.conn
	timeout := c.networkTimeout
	if conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	err := conn.WriteMessage(messageType, data)
	c.mu.Unlock()

	if err != nil {
		logging.Error("WebSocket write failed", zap.Error(err))
		c.abortConnection()
		return 0, fmt.Errorf("could not send message: %w", err)
	}

	return len(data), nil
}

// run is the client's state loop. Exactly one goroutine per started client
// runs it; it exits when the state reaches stopped.
func (c *Client) run() {
	logging.Debug("Starting WebSocket client loop")

	for {
		switch c.getState() {
		case stateIdle:
			c.waitForAction()

		case stateConnecting:
			c.connectTransport()

		case stateConnected:
			select {
			case event := <-c.actions:
				if event.action == actionDisconnect {
					logging.Info("Processing queued disconnect request")
					c.abortConnection()
				}
			case err := <-c.readErr:
				if err != nil {
					logging.Debug("WebSocket read loop ended", zap.Error(err))
				}
				c.abortConnection()
			}

		case stateStopping:
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.setState(stateStopped)
			logging.Debug("WebSocket client loop stopped")
			return

		default:
			return
		}
	}
}

// waitForAction blocks in the idle state until a request arrives.
func (c *Client) waitForAction() {
	event := <-c.actions

	switch event.action {
	case actionConnect:
		// leaving the idle state first: further connect requests are
		// rejected by the state guard before the queue is touched again
		c.setState(stateConnecting)
		c.drainActions()

		if event.delay > 0 {
			logging.Info("Connect delayed", zap.Duration("delay", event.delay))
			time.Sleep(event.delay)
		}

	case actionStop:
		c.setState(stateStopping)
		c.drainActions()

	default:
		// a disconnect in the idle state has nothing to act on
	}
}

// endpointURL assembles the URL for the dialer from the parsed fields.
// Caller must hold c.mu.
func (c *Client) endpointURL() string {
	scheme := "ws"
	port := c.port
	if c.secure {
		scheme = "wss"
		if port == 0 {
			port = defaultSecurePort
		}
	} else if port == 0 {
		port = defaultInsecurePort
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", c.host, port),
		Path:     c.path,
		RawQuery: c.query,
	}
	return u.String()
}

func (c *Client) connectTransport() {
	c.mu.Lock()

	if c.host == "" {
		c.mu.Unlock()
		logging.Error("No WebSocket URL configured")
		c.setState(stateIdle)
		return
	}

	endpoint := c.endpointURL()
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultConnectTimeout,
		ReadBufferSize:   c.bufferSize,
		WriteBufferSize:  c.bufferSize,
	}
	if c.secure && c.caPool != nil {
		dialer.TLSClientConfig = &tls.Config{RootCAs: c.caPool}
	}

	c.mu.Unlock()

	logging.Info("Transport connecting", zap.String("endpoint", endpoint))

	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		logging.Error("Transport connect failed", zap.Error(err))
		c.setState(stateIdle)
		c.drainActions()

		if c.handler != nil {
			c.handler.WebSocketDisconnected()
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logging.Info("Transport connected")
	c.setState(stateConnected)

	if c.handler != nil {
		c.handler.WebSocketConnected()
	}

	go c.readLoop(conn)
}

// readLoop reads messages until the connection dies and reports the final
// error to the state loop. Control frames are handled by the transport:
// pings are answered with pongs automatically.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, reader, err := conn.NextReader()
		if err != nil {
			select {
			case c.readErr <- err:
			default:
			}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if err := c.dispatchMessage(messageType, reader); err != nil {
			select {
			case c.readErr <- err:
			default:
			}
			return
		}
	}
}

// dispatchMessage reads one message in buffer-sized chunks. A message that
// fits into a single chunk is delivered whole; anything larger is delivered
// as a sequence of fragment events carrying the offset of each part.
func (c *Client) dispatchMessage(messageType int, reader io.Reader) error {
	c.mu.Lock()
	bufferSize := c.bufferSize
	c.mu.Unlock()

	buf := make([]byte, bufferSize)

	n, err := io.ReadFull(reader, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n > 0 {
			c.deliverWhole(messageType, buf[:n])
		}
		return nil
	}
	if err != nil {
		return err
	}

	// the first chunk filled the buffer: the message may continue, so keep
	// one chunk of lookahead to know which part is the last
	offset := 0
	current := append(make([]byte, 0, n), buf[:n]...)

	for {
		m, err := io.ReadFull(reader, buf)
		if m == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			if offset == 0 {
				// message length was exactly one buffer
				c.deliverWhole(messageType, current)
			} else {
				c.deliverFragment(messageType, current, offset, true)
			}
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}

		c.deliverFragment(messageType, current, offset, false)
		offset += len(current)
		current = append(current[:0], buf[:m]...)
	}
}

func (c *Client) deliverWhole(messageType int, data []byte) {
	if c.handler == nil {
		return
	}
	if messageType == websocket.BinaryMessage {
		c.handler.WebSocketBinaryMessage(data)
	} else {
		c.handler.WebSocketTextMessage(string(data))
	}
}

func (c *Client) deliverFragment(messageType int, data []byte, offset int, last bool) {
	if c.handler == nil {
		return
	}
	if messageType == websocket.BinaryMessage {
		c.handler.WebSocketBinaryMessageFragment(data, offset, last)
	} else {
		c.handler.WebSocketTextMessageFragment(string(data), last)
	}
}

// abortConnection closes the transport and resets the client to idle. Safe
// to call from any goroutine; only the first call per established
// connection fires the disconnected event.
func (c *Client) abortConnection() {
	c.stateMu.Lock()
	if c.state != stateConnecting && c.state != stateConnected {
		c.stateMu.Unlock()
		return
	}
	c.state = stateIdle
	c.stateMu.Unlock()

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.drainActions()

	if c.handler != nil {
		c.handler.WebSocketDisconnected()
	}
}
