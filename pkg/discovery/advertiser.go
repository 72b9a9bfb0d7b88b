package discovery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devbus/devbus-go/pkg/model"
)

// Registration is a published service.
type Registration interface {
	Shutdown()
}

// RegisterFunc publishes instance on port with the given TXT strings.
type RegisterFunc func(instance string, port int, txt []string) (Registration, error)

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	// Info is published in the TXT records.
	Info ServerInfo

	// Register publishes the service. If nil, zeroconf is used.
	Register RegisterFunc

	// Logger for debug output. If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		TTL:  120 * time.Second,
		Info: ServerInfo{Version: model.VersionCurrent},
	}
}

// Advertiser announces the local server. At most one advertisement is
// active; advertising again replaces it.
type Advertiser struct {
	config AdvertiserConfig

	mu   sync.Mutex
	reg  Registration
	name string
	port int
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.Info.Version == model.VersionNone {
		config.Info.Version = model.VersionCurrent
	}
	if config.Register == nil {
		config.Register = zeroconfRegister(config)
	}
	return &Advertiser{config: config}
}

// Advertise publishes name on port. A zero port means DefaultPort.
func (a *Advertiser) Advertise(name string, port int) error {
	if err := ValidateInstanceName(name); err != nil {
		return err
	}
	if port == 0 {
		port = DefaultPort
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reg != nil {
		a.reg.Shutdown()
		a.reg = nil
	}

	txt := TXTRecordsToStrings(EncodeServerTXT(a.config.Info))
	reg, err := a.config.Register(name, port, txt)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", name, err)
	}
	a.reg, a.name, a.port = reg, name, port
	if a.config.Logger != nil {
		a.config.Logger.Debug("discovery: advertising", "instance", name, "port", port)
	}
	return nil
}

// Advertised returns the current instance name and port, if any.
func (a *Advertiser) Advertised() (string, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name, a.port, a.reg != nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg != nil {
		a.reg.Shutdown()
		a.reg = nil
		a.name, a.port = "", 0
	}
}
