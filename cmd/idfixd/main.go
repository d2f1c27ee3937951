// Idfixd is the embedded-device network protocol daemon.
//
// It terminates TLS for inbound device connections, optionally hijacks DNS
// for captive-portal redirection, announces its services via mDNS and can
// maintain a WebSocket connection to a cloud endpoint.
//
// Usage:
//
//	idfixd serve [flags]
//
// See 'idfixd serve --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/2log-io/idfix-protocols/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "idfixd",
	Short: "IDFix protocol daemon",
	Long: `The network protocol daemon for IDFix-based embedded devices.

It accepts TLS connections from devices and applications, answers captive-portal
DNS queries with the device's own address, announces the device on the local
network via mDNS, and can connect upstream to a cloud endpoint over WebSocket.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(redirectCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("idfixd %s (commit: %s)\n", version.Version, version.Commit)
	},
}
