package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2log-io/idfix-protocols/internal/logging"
	"github.com/2log-io/idfix-protocols/internal/wsclient"
)

// Client command and flags
var (
	clientURL        string
	clientCAPath     string
	clientBufferSize int
	clientMessage    string
	clientLogLevel   string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a WebSocket endpoint for debugging",
	Long: `Connect to a ws or wss endpoint with the daemon's WebSocket client and
print every received message. Intended for testing upstream connectivity.`,
	Example: `  # Connect and print incoming messages
  idfixd client --url wss://cloud.example.com/device --ca rootca.pem

  # Send a message after connecting
  idfixd client --url ws://localhost:8080/echo --message hello`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientURL, "url", "", "WebSocket URL to connect to (required)")
	clientCmd.Flags().StringVar(&clientCAPath, "ca", "", "Path to a PEM root CA bundle for wss verification")
	clientCmd.Flags().IntVar(&clientBufferSize, "buffer-size", 0, "Receive/transmit buffer size in bytes")
	clientCmd.Flags().StringVar(&clientMessage, "message", "", "Text message to send once connected")
	clientCmd.Flags().StringVar(&clientLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = clientCmd.MarkFlagRequired("url")
}

// clientEvents prints received traffic and signals lifecycle transitions.
type clientEvents struct {
	connected    chan struct{}
	disconnected chan struct{}
}

func (c *clientEvents) WebSocketConnected() {
	fmt.Println("connected")
	c.connected <- struct{}{}
}

func (c *clientEvents) WebSocketDisconnected() {
	fmt.Println("disconnected")
	c.disconnected <- struct{}{}
}

func (c *clientEvents) WebSocketTextMessage(message string) {
	fmt.Printf("text: %s\n", message)
}

func (c *clientEvents) WebSocketTextMessageFragment(message string, lastFragment bool) {
	fmt.Printf("text fragment (last=%v): %s\n", lastFragment, message)
}

func (c *clientEvents) WebSocketBinaryMessage(data []byte) {
	fmt.Printf("binary: %d bytes\n", len(data))
	logging.LogRawBytes("binary message", data)
}

func (c *clientEvents) WebSocketBinaryMessageFragment(data []byte, offset int, lastFragment bool) {
	fmt.Printf("binary fragment at %d (last=%v): %d bytes\n", offset, lastFragment, len(data))
}

func runClient(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(clientLogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	events := &clientEvents{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
	}

	client := wsclient.NewClient(events)

	if clientBufferSize > 0 {
		if err := client.SetBufferSize(clientBufferSize); err != nil {
			return fmt.Errorf("failed to set buffer size: %w", err)
		}
	}
	if err := client.Start(); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	if err := client.SetURL(clientURL); err != nil {
		return fmt.Errorf("failed to set URL: %w", err)
	}
	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		if err := client.SetCACertificate(pem); err != nil {
			return fmt.Errorf("failed to set CA certificate: %w", err)
		}
	}

	if err := client.Connect(0); err != nil {
		return fmt.Errorf("failed to queue connect: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-events.connected:
	case <-events.disconnected:
		return fmt.Errorf("connection failed")
	case <-signals:
		return nil
	}

	if clientMessage != "" {
		if _, err := client.SendTextMessage(clientMessage); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	select {
	case <-events.disconnected:
	case <-signals:
		_ = client.Disconnect()
		<-events.disconnected
	}

	return nil
}
