package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2log-io/idfix-protocols/internal/announce"
	"github.com/2log-io/idfix-protocols/internal/config"
	"github.com/2log-io/idfix-protocols/internal/dnsresponder"
	"github.com/2log-io/idfix-protocols/internal/logging"
	"github.com/2log-io/idfix-protocols/internal/tlsserver"
	"github.com/2log-io/idfix-protocols/internal/ui"
	"github.com/2log-io/idfix-protocols/internal/version"
)

// Serve command and flags
var (
	serveConfigPath string
	servePort       uint16
	serveCertPath   string
	serveKeyPath    string
	serveDNS        bool
	serveDNSPort    uint16
	serveRedirectIP string
	serveAnnounce   bool
	serveInstance   string
	serveLogLevel   string
	serveTUI        bool
	serveEcho       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the protocol daemon",
	Long: `Start the TLS server and, optionally, the captive-portal DNS responder
and the mDNS announcement.

The server requires a DER-encoded certificate and private key. If neither is
provided, a self-signed identity is generated at startup; clients must then
be configured to skip verification or trust the generated certificate.`,
	Example: `  # Start with a generated self-signed identity on the default port
  idfixd serve

  # Start with device identity material
  idfixd serve --cert /etc/idfix/cert.der --key /etc/idfix/key.der --port 8443

  # Full captive-portal mode with live dashboard
  idfixd serve --dns --redirect-ip 192.168.4.1 --announce --instance idfix-1234 --tui`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config file (default: platform config dir)")
	serveCmd.Flags().Uint16Var(&servePort, "port", 0, "TLS server port (overrides config)")
	serveCmd.Flags().StringVar(&serveCertPath, "cert", "", "Path to DER-encoded TLS certificate (optional, will self-sign if not provided)")
	serveCmd.Flags().StringVar(&serveKeyPath, "key", "", "Path to DER-encoded TLS private key (optional, will self-sign if not provided)")
	serveCmd.Flags().BoolVar(&serveDNS, "dns", false, "Enable the captive-portal DNS responder")
	serveCmd.Flags().Uint16Var(&serveDNSPort, "dns-port", 0, "DNS responder port (overrides config)")
	serveCmd.Flags().StringVar(&serveRedirectIP, "redirect-ip", "", "IPv4 address DNS queries are answered with (overrides config)")
	serveCmd.Flags().BoolVar(&serveAnnounce, "announce", false, "Announce the service via mDNS")
	serveCmd.Flags().StringVar(&serveInstance, "instance", "", "mDNS service instance name (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Show the live connection dashboard")
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "Echo received bytes back to the sender (debugging)")
}

// serveConfigFromFlags merges the config file with the command line flags.
// Flags win.
func serveConfigFromFlags(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if serveConfigPath != "" {
		cfg, err = config.LoadFile(serveConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("cert") {
		cfg.Server.CertificateFile = serveCertPath
	}
	if flags.Changed("key") {
		cfg.Server.PrivateKeyFile = serveKeyPath
	}
	if flags.Changed("dns") {
		cfg.DNS.Enabled = serveDNS
	}
	if flags.Changed("dns-port") {
		cfg.DNS.Port = serveDNSPort
	}
	if flags.Changed("redirect-ip") {
		cfg.DNS.RedirectIP = serveRedirectIP
	}
	if flags.Changed("announce") {
		cfg.Announce.Enabled = serveAnnounce
	}
	if flags.Changed("instance") {
		cfg.Announce.Instance = serveInstance
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		err = logging.Initialize(cfg.LogLevel)
	} else {
		err = logging.InitializeFromEnv()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	// identity material: from files or freshly self-signed
	var keyDER, certDER []byte
	if cfg.Server.CertificateFile != "" {
		certDER, err = os.ReadFile(cfg.Server.CertificateFile)
		if err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		keyDER, err = os.ReadFile(cfg.Server.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
	} else {
		logging.Warn("No identity material configured, generating a self-signed certificate")
		keyDER, certDER, err = generateIdentity()
		if err != nil {
			return fmt.Errorf("failed to generate identity: %w", err)
		}
	}

	var monitor *ui.Monitor
	if serveTUI {
		monitor = ui.NewMonitor()
	}

	sink := &eventSink{echo: serveEcho, monitor: monitor}

	server := tlsserver.NewServer(sink)
	if err := server.Init(); err != nil {
		return fmt.Errorf("failed to initialize TLS server: %w", err)
	}
	if err := server.SetPrivateKey(keyDER); err != nil {
		return fmt.Errorf("failed to set private key: %w", err)
	}
	if err := server.SetCertificate(certDER); err != nil {
		return fmt.Errorf("failed to set certificate: %w", err)
	}
	if err := server.Listen(cfg.Server.Port); err != nil {
		return fmt.Errorf("failed to start TLS server: %w", err)
	}
	defer server.Shutdown()

	if monitor != nil {
		monitor.Publish(ui.ListeningMsg{Port: server.Port()})
	}

	var responder *dnsresponder.Responder
	if cfg.DNS.Enabled {
		redirectIP := net.ParseIP(cfg.DNS.RedirectIP)
		if redirectIP == nil {
			return fmt.Errorf("invalid redirect IP %q", cfg.DNS.RedirectIP)
		}
		responder = dnsresponder.NewResponder()
		if err := responder.Start(redirectIP, cfg.DNS.Port); err != nil {
			return fmt.Errorf("failed to start DNS responder: %w", err)
		}
		defer responder.Stop()
	}

	if cfg.Announce.Enabled {
		announcer := announce.NewAnnouncer()
		err := announcer.Announce(announce.Config{
			Instance: cfg.Announce.Instance,
			Port:     int(server.Port()),
			Version:  version.Version,
		})
		if err != nil {
			return fmt.Errorf("failed to announce service: %w", err)
		}
		defer announcer.Close()
	}

	logging.Info("Daemon running, press Ctrl+C to stop")

	if monitor != nil {
		// the dashboard owns the terminal; a signal still ends it
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-signals
			monitor.Shutdown()
		}()
		return monitor.Run()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logging.Info("Shutting down")
	return nil
}
