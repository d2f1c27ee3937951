package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	appName    = "idfixd"
	configFile = "config.yaml"
)

// ServerConfig holds the settings for the TLS server.
type ServerConfig struct {
	// Port the TLS server listens on.
	Port uint16 `yaml:"port"`

	// CertificateFile is the path to the DER-encoded server certificate.
	CertificateFile string `yaml:"certificate_file"`

	// PrivateKeyFile is the path to the DER-encoded private key.
	PrivateKeyFile string `yaml:"private_key_file"`
}

// DNSConfig holds the settings for the captive-portal DNS responder.
type DNSConfig struct {
	// Enabled turns the responder on.
	Enabled bool `yaml:"enabled"`

	// Port the responder listens on.
	Port uint16 `yaml:"port"`

	// RedirectIP is the IPv4 address every A query is answered with.
	RedirectIP string `yaml:"redirect_ip"`
}

// AnnounceConfig holds the mDNS announcement settings.
type AnnounceConfig struct {
	// Enabled turns the announcement on.
	Enabled bool `yaml:"enabled"`

	// Instance is the announced service instance name.
	Instance string `yaml:"instance"`
}

// UpstreamConfig holds the settings for the cloud WebSocket connection.
type UpstreamConfig struct {
	// URL of the upstream endpoint (ws or wss).
	URL string `yaml:"url"`

	// CACertificateFile is the path to the PEM root CA bundle used to
	// verify wss endpoints. Empty means the system pool.
	CACertificateFile string `yaml:"ca_certificate_file"`

	// BufferSize is the WebSocket receive/transmit buffer in bytes.
	BufferSize int `yaml:"buffer_size"`
}

// Config is the daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	DNS      DNSConfig      `yaml:"dns"`
	Announce AnnounceConfig `yaml:"announce"`
	Upstream UpstreamConfig `yaml:"upstream"`

	// LogLevel overrides the IDFIX_LOG_LEVEL environment variable when set.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8443,
		},
		DNS: DNSConfig{
			Enabled:    false,
			Port:       53,
			RedirectIP: "192.168.4.1",
		},
		Announce: AnnounceConfig{
			Enabled: false,
		},
		Upstream: UpstreamConfig{
			BufferSize: 1024,
		},
	}
}

// GetConfigDir returns the OS-appropriate configuration directory:
//   - Linux: $XDG_CONFIG_HOME/idfixd or $HOME/.config/idfixd
//   - macOS: $HOME/.config/idfixd
//   - Windows: %LOCALAPPDATA%\idfixd
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
			}
			baseDir = filepath.Join(userProfile, "AppData", "Local", appName)
		} else {
			baseDir = filepath.Join(localAppData, appName)
		}

	default:
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome != "" {
			baseDir = filepath.Join(xdgConfigHome, appName)
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			baseDir = filepath.Join(homeDir, ".config", appName)
		}
	}

	return baseDir, nil
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// Load reads the configuration from the default path. A missing file is not
// an error: the defaults are returned.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration from an explicit path. A missing file is
// not an error: the defaults are returned.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies that would only
// surface later at startup.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port must not be 0")
	}
	if (c.Server.CertificateFile == "") != (c.Server.PrivateKeyFile == "") {
		return fmt.Errorf("server.certificate_file and server.private_key_file must be set together")
	}
	if c.DNS.Enabled && c.DNS.RedirectIP == "" {
		return fmt.Errorf("dns.redirect_ip must be set when the DNS responder is enabled")
	}
	if c.Announce.Enabled && c.Announce.Instance == "" {
		return fmt.Errorf("announce.instance must be set when announcement is enabled")
	}
	if c.Upstream.BufferSize < 0 {
		return fmt.Errorf("upstream.buffer_size must not be negative")
	}
	return nil
}

// Save writes the configuration to the default path, creating the
// configuration directory if needed.
func (c *Config) Save() error {
	if err := c.Validate(); err != nil {
		return err
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	configPath := filepath.Join(configDir, configFile)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
