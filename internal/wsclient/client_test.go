package wsclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testTimeout = 5 * time.Second

type recorder struct {
	connected    chan struct{}
	disconnected chan struct{}
	text         chan string
	binary       chan []byte

	mu        sync.Mutex
	fragments []fragment
	complete  chan struct{}
}

type fragment struct {
	data   []byte
	offset int
	last   bool
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		text:         make(chan string, 4),
		binary:       make(chan []byte, 4),
		complete:     make(chan struct{}, 4),
	}
}

func (r *recorder) WebSocketConnected()    { r.connected <- struct{}{} }
func (r *recorder) WebSocketDisconnected() { r.disconnected <- struct{}{} }

func (r *recorder) WebSocketTextMessage(message string) { r.text <- message }

func (r *recorder) WebSocketTextMessageFragment(message string, lastFragment bool) {
	r.mu.Lock()
	r.fragments = append(r.fragments, fragment{data: []byte(message), last: lastFragment})
	r.mu.Unlock()
	if lastFragment {
		r.complete <- struct{}{}
	}
}

func (r *recorder) WebSocketBinaryMessage(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	r.binary <- buf
}

func (r *recorder) WebSocketBinaryMessageFragment(data []byte, offset int, lastFragment bool) {
	buf := make([]byte, len(data))
	copy(buf, data)
	r.mu.Lock()
	r.fragments = append(r.fragments, fragment{data: buf, offset: offset, last: lastFragment})
	r.mu.Unlock()
	if lastFragment {
		r.complete <- struct{}{}
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// newEchoServer starts a WebSocket server echoing every message back.
func newEchoServer(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func startTestClient(t *testing.T, handler EventHandler) *Client {
	t.Helper()

	client := NewClient(handler)
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if client.IsConnected() {
			_ = client.Disconnect()
		}
		deadline := time.Now().Add(testTimeout)
		for client.getState() != stateIdle && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		_ = client.Stop()
	})
	return client
}

func TestOperationsRequireMatchingState(t *testing.T) {
	client := NewClient(newRecorder())

	if err := client.SetURL("ws://example.com"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SetURL while stopped: got %v, want %v", err, ErrInvalidState)
	}
	if err := client.Connect(0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Connect while stopped: got %v, want %v", err, ErrInvalidState)
	}
	if err := client.Disconnect(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Disconnect while stopped: got %v, want %v", err, ErrInvalidState)
	}
	if err := client.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop while stopped: got %v, want %v", err, ErrInvalidState)
	}

	if err := client.SetBufferSize(2048); err != nil {
		t.Fatalf("SetBufferSize while stopped: %v", err)
	}

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := client.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start: got %v, want %v", err, ErrInvalidState)
	}
	if err := client.SetBufferSize(4096); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SetBufferSize while idle: got %v, want %v", err, ErrInvalidState)
	}

	if _, err := client.SendTextMessage("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendTextMessage while idle: got %v, want %v", err, ErrNotConnected)
	}

	_ = client.Stop()
}

func TestSetURLParsing(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"plain", "ws://example.com/socket", false},
		{"secure", "wss://example.com/socket", false},
		{"with port", "ws://example.com:8080/socket", false},
		{"with query", "wss://example.com/socket?token=abc", false},
		{"no schema", "example.com/socket", true},
		{"http schema", "http://example.com/socket", true},
		{"no host", "ws:///socket", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := startTestClient(t, newRecorder())
			err := client.SetURL(tc.url)
			if tc.wantErr && err == nil {
				t.Fatalf("SetURL(%q) succeeded, want error", tc.url)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("SetURL(%q): %v", tc.url, err)
			}
		})
	}
}

func TestConnectSendReceiveDisconnect(t *testing.T) {
	events := newRecorder()
	client := startTestClient(t, events)

	if err := client.SetURL(newEchoServer(t)); err != nil {
		t.Fatalf("SetURL: %v", err)
	}
	if err := client.Connect(0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, events.connected, "connected event")

	if !client.IsConnected() {
		t.Fatal("IsConnected is false after connected event")
	}

	n, err := client.SendTextMessage("hello")
	if err != nil {
		t.Fatalf("SendTextMessage: %v", err)
	}
	if n != 5 {
		t.Fatalf("SendTextMessage wrote %d bytes, want 5", n)
	}

	select {
	case msg := <-events.text:
		if msg != "hello" {
			t.Fatalf("echoed %q, want %q", msg, "hello")
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for echoed text message")
	}

	payload := []byte{0x01, 0x02, 0x03}
	if _, err := client.SendBinaryMessage(payload); err != nil {
		t.Fatalf("SendBinaryMessage: %v", err)
	}
	select {
	case data := <-events.binary:
		if len(data) != len(payload) {
			t.Fatalf("echoed %d bytes, want %d", len(data), len(payload))
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for echoed binary message")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitSignal(t, events.disconnected, "disconnected event")

	select {
	case <-events.disconnected:
		t.Fatal("disconnected event fired twice")
	case <-time.After(200 * time.Millisecond):
	}
	if client.IsConnected() {
		t.Fatal("IsConnected is true after disconnect")
	}
}

func TestConnectFailureFiresDisconnected(t *testing.T) {
	events := newRecorder()
	client := startTestClient(t, events)

	// nothing listens on this port
	if err := client.SetURL("ws://127.0.0.1:1/socket"); err != nil {
		t.Fatalf("SetURL: %v", err)
	}
	if err := client.Connect(0); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitSignal(t, events.disconnected, "disconnected event")
	select {
	case <-events.connected:
		t.Fatal("connected event fired for a failed connect")
	default:
	}
}

func TestLargeMessageDeliveredInFragments(t *testing.T) {
	events := newRecorder()

	client := NewClient(events)
	if err := client.SetBufferSize(8); err != nil {
		t.Fatalf("SetBufferSize: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = client.Stop() })

	if err := client.SetURL(newEchoServer(t)); err != nil {
		t.Fatalf("SetURL: %v", err)
	}
	if err := client.Connect(0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, events.connected, "connected event")
	t.Cleanup(func() {
		_ = client.Disconnect()
		waitSignal(t, events.disconnected, "disconnected event")
	})

	// 20 bytes through an 8-byte buffer: fragments at offsets 0, 8 and 16
	payload := []byte("abcdefghijklmnopqrst")
	if _, err := client.SendBinaryMessage(payload); err != nil {
		t.Fatalf("SendBinaryMessage: %v", err)
	}
	waitSignal(t, events.complete, "last fragment")

	events.mu.Lock()
	fragments := events.fragments
	events.mu.Unlock()

	if len(fragments) != 3 {
		t.Fatalf("got %d fragments, want 3", len(fragments))
	}
	var reassembled []byte
	wantOffset := 0
	for i, frag := range fragments {
		if frag.offset != wantOffset {
			t.Errorf("fragment %d at offset %d, want %d", i, frag.offset, wantOffset)
		}
		if frag.last != (i == len(fragments)-1) {
			t.Errorf("fragment %d last=%v", i, frag.last)
		}
		reassembled = append(reassembled, frag.data...)
		wantOffset += len(frag.data)
	}
	if string(reassembled) != string(payload) {
		t.Fatalf("reassembled %q, want %q", reassembled, payload)
	}
}

func TestBufferSizedMessageDeliveredWhole(t *testing.T) {
	events := newRecorder()

	client := NewClient(events)
	if err := client.SetBufferSize(8); err != nil {
		t.Fatalf("SetBufferSize: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = client.Stop() })

	if err := client.SetURL(newEchoServer(t)); err != nil {
		t.Fatalf("SetURL: %v", err)
	}
	if err := client.Connect(0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitSignal(t, events.connected, "connected event")
	t.Cleanup(func() {
		_ = client.Disconnect()
		waitSignal(t, events.disconnected, "disconnected event")
	})

	// exactly one buffer: must arrive as a single whole message
	if _, err := client.SendBinaryMessage([]byte("12345678")); err != nil {
		t.Fatalf("SendBinaryMessage: %v", err)
	}
	select {
	case data := <-events.binary:
		if string(data) != "12345678" {
			t.Fatalf("received %q, want %q", data, "12345678")
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for whole message")
	}

	events.mu.Lock()
	n := len(events.fragments)
	events.mu.Unlock()
	if n != 0 {
		t.Fatalf("buffer-sized message produced %d fragment events", n)
	}
}
