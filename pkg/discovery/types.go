package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of a bus server.
	ServiceType = "_indigo._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the default server port.
	DefaultPort = 7624
)

// TXT record key constants.
const (
	TXTKeyVersion = "version" // Highest protocol version spoken
	TXTKeyBLOB    = "blob"    // "url" when BLOBs may be fetched by URL
)

// Timing constants.
const (
	// InitialBrowseWindow is how long a new browse collects answers before
	// EventEndOfRecord is reported.
	InitialBrowseWindow = 1 * time.Second

	// ResolveTimeout bounds Resolve when the caller's context has no deadline.
	ResolveTimeout = 10 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// Discovery errors.
var (
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
	ErrAlreadyRunning      = errors.New("browser already running")
)

// Event is a browse notification.
type Event uint8

const (
	// EventAdded reports a service seen for the first time.
	EventAdded Event = iota

	// EventRemoved reports that the last instance of a service is gone.
	EventRemoved

	// EventAddedGrouped reports another address for a known service.
	EventAddedGrouped

	// EventRemovedGrouped reports that one address of a service is gone
	// while others remain.
	EventRemovedGrouped

	// EventEndOfRecord is reported once when the initial browse window
	// elapses. Name is empty.
	EventEndOfRecord
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventAdded:
		return "ADDED"
	case EventRemoved:
		return "REMOVED"
	case EventAddedGrouped:
		return "ADDED_GROUPED"
	case EventRemovedGrouped:
		return "REMOVED_GROUPED"
	case EventEndOfRecord:
		return "END_OF_RECORD"
	default:
		return "UNKNOWN"
	}
}

// Callback receives browse events. iface is the interface index the
// service was seen on, 0 when unknown.
type Callback func(event Event, name string, iface int)

// ResolveCallback receives the address of a resolved service.
type ResolveCallback func(name string, iface int, host string, port int)

// Service is one advertised server instance as seen by the browser.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Text      TXTRecordMap
}

// Endpoint returns the preferred host to dial: the first address, or the
// host name when no address is known.
func (s *Service) Endpoint() string {
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return strings.TrimSuffix(s.Host, ".")
}

// ServiceName returns the instance name a server on host:port advertises.
// The default port is implied; other ports are appended.
func ServiceName(host string, port int) string {
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimSuffix(host, ".local")
	if port == DefaultPort || port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
