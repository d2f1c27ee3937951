// Package announce advertises the device's services on the local network
// via mDNS, so that apps can find the captive portal without knowing its
// address.
package announce

import (
	"errors"
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/2log-io/idfix-protocols/internal/logging"
)

const (
	// ServiceType is the mDNS service type the device advertises under.
	ServiceType = "_https._tcp"

	// ServiceDomain is the mDNS domain (typically "local.").
	ServiceDomain = "local."
)

// ErrAlreadyAnnouncing is returned by Announce when a registration is
// already active.
var ErrAlreadyAnnouncing = errors.New("announce: service is already announced")

// Config describes one announced service instance.
type Config struct {
	// Instance is the service instance name, e.g. the device serial.
	Instance string

	// Port is the TCP port the announced service listens on.
	Port int

	// Version is published in the TXT metadata.
	Version string

	// Model is published in the TXT metadata.
	Model string
}

// Announcer registers a service instance with mDNS and keeps the
// registration alive until Close is called.
type Announcer struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAnnouncer creates an announcer with no active registration.
func NewAnnouncer() *Announcer {
	return &Announcer{}
}

// TextRecords builds the TXT metadata for a service configuration.
func TextRecords(cfg Config) []string {
	records := []string{"path=/"}
	if cfg.Version != "" {
		records = append(records, "version="+cfg.Version)
	}
	if cfg.Model != "" {
		records = append(records, "model="+cfg.Model)
	}
	return records
}

// Announce registers the service on all multicast-capable interfaces. Only
// one registration may be active at a time.
func (a *Announcer) Announce(cfg Config) error {
	if cfg.Instance == "" {
		return errors.New("announce: instance name must not be empty")
	}
	if cfg.Port <= 0 {
		return fmt.Errorf("announce: invalid port %d", cfg.Port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return ErrAlreadyAnnouncing
	}

	server, err := zeroconf.Register(cfg.Instance, ServiceType, ServiceDomain, cfg.Port, TextRecords(cfg), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server

	logging.Info("Service announced via mDNS",
		zap.String("instance", cfg.Instance),
		zap.String("type", ServiceType),
		zap.Int("port", cfg.Port),
	)

	return nil
}

// Close withdraws the registration. Safe to call when nothing is announced.
func (a *Announcer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
