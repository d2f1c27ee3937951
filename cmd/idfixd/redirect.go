package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2log-io/idfix-protocols/internal/dnsresponder"
	"github.com/2log-io/idfix-protocols/internal/logging"
)

// Redirect command and flags
var (
	redirectPort     uint16
	redirectIP       string
	redirectLogLevel string
)

var redirectCmd = &cobra.Command{
	Use:   "redirect",
	Short: "Run only the captive-portal DNS responder",
	Long: `Run the standalone DNS responder that answers every A-record query with
the given IPv4 address. Useful for testing captive-portal setups without
starting the TLS server.`,
	Example: `  # Answer all queries with the device's softap address
  idfixd redirect --ip 192.168.4.1

  # Run on an unprivileged port
  idfixd redirect --ip 192.168.4.1 --port 5353`,
	RunE: runRedirect,
}

func init() {
	redirectCmd.Flags().StringVar(&redirectIP, "ip", "", "IPv4 address DNS queries are answered with (required)")
	redirectCmd.Flags().Uint16Var(&redirectPort, "port", 53, "UDP port to listen on")
	redirectCmd.Flags().StringVar(&redirectLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = redirectCmd.MarkFlagRequired("ip")
}

func runRedirect(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(redirectLogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	ip := net.ParseIP(redirectIP)
	if ip == nil {
		return fmt.Errorf("invalid IP address %q", redirectIP)
	}

	responder := dnsresponder.NewResponder()
	if err := responder.Start(ip, redirectPort); err != nil {
		return fmt.Errorf("failed to start DNS responder: %w", err)
	}
	defer responder.Stop()

	logging.Info("DNS responder running, press Ctrl+C to stop")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logging.Info("Shutting down")
	return nil
}
