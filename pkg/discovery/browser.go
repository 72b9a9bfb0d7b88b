package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Source produces raw browse answers until ctx is done. It never closes
// the channels.
type Source func(ctx context.Context, entries, removed chan<- *Service) error

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// InitialWindow is how long to wait before reporting EventEndOfRecord.
	// Default: InitialBrowseWindow.
	InitialWindow time.Duration

	// Source produces browse answers. If nil, zeroconf is used.
	Source Source

	// Logger for debug output. If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		InitialWindow: InitialBrowseWindow,
	}
}

// Browser tracks bus servers on the local network. Answers for the same
// instance name are aggregated; addresses from several interfaces are
// combined into one Service.
type Browser struct {
	config BrowserConfig

	mu       sync.Mutex
	services map[string]*Service
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBrowser creates a stopped browser.
func NewBrowser(config BrowserConfig) *Browser {
	if config.InitialWindow <= 0 {
		config.InitialWindow = InitialBrowseWindow
	}
	if config.Source == nil {
		config.Source = ZeroconfSource(config.Interface)
	}
	return &Browser{
		config:   config,
		services: make(map[string]*Service),
	}
}

// Start begins browsing and reports events to cb from a single goroutine
// until ctx is done or Stop is called.
func (b *Browser) Start(ctx context.Context, cb Callback) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	entries := make(chan *Service)
	removed := make(chan *Service)
	go func() {
		if err := b.config.Source(ctx, entries, removed); err != nil && ctx.Err() == nil {
			b.debugLog("browse failed", "error", err)
		}
	}()
	go b.run(ctx, cb, entries, removed, done)
	return nil
}

// Stop stops browsing and waits for the event goroutine to exit.
func (b *Browser) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Services returns a snapshot of the known services sorted by name.
func (b *Browser) Services() []Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Service, 0, len(b.services))
	for _, s := range b.services {
		out = append(out, cloneService(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// Lookup returns the known service with the given instance name.
func (b *Browser) Lookup(name string) (Service, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.services[name]
	if !ok {
		return Service{}, false
	}
	return cloneService(s), true
}

// Resolve reports the host and port of the named service to cb. A service
// the browser has not seen yet is looked up with a dedicated browse bounded
// by ctx, or by ResolveTimeout when ctx has no deadline.
func (b *Browser) Resolve(ctx context.Context, name string, iface int, cb ResolveCallback) error {
	if s, ok := b.Lookup(name); ok {
		cb(name, iface, s.Endpoint(), s.Port)
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ResolveTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *Service)
	go func() { _ = b.config.Source(ctx, entries, make(chan *Service)) }()
	for {
		select {
		case s := <-entries:
			if s.Instance == name {
				cb(name, iface, s.Endpoint(), s.Port)
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotFound, name, ctx.Err())
		}
	}
}

func (b *Browser) run(ctx context.Context, cb Callback, entries, removed <-chan *Service, done chan struct{}) {
	defer close(done)

	window := time.NewTimer(b.config.InitialWindow)
	defer window.Stop()

	for {
		select {
		case s := <-entries:
			if ev, ok := b.add(s); ok {
				cb(ev, s.Instance, 0)
			}
		case s := <-removed:
			if ev, ok := b.remove(s); ok {
				cb(ev, s.Instance, 0)
			}
		case <-window.C:
			cb(EventEndOfRecord, "", 0)
		case <-ctx.Done():
			return
		}
	}
}

// add records s and returns the event it causes, if any.
func (b *Browser) add(s *Service) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, found := b.services[s.Instance]
	if !found {
		c := cloneService(s)
		b.services[s.Instance] = &c
		b.debugLog("service added", "instance", s.Instance, "host", s.Host, "port", s.Port)
		return EventAdded, true
	}

	n := len(existing.Addresses)
	existing.Addresses = mergeAddresses(existing.Addresses, s.Addresses)
	if len(existing.Addresses) == n {
		return 0, false
	}
	return EventAddedGrouped, true
}

// remove drops the addresses of s and returns the event it causes, if any.
func (b *Browser) remove(s *Service) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, found := b.services[s.Instance]
	if !found {
		return 0, false
	}
	if len(s.Addresses) > 0 {
		existing.Addresses = removeAddresses(existing.Addresses, s.Addresses)
		if len(existing.Addresses) > 0 {
			return EventRemovedGrouped, true
		}
	}
	delete(b.services, s.Instance)
	b.debugLog("service removed", "instance", s.Instance)
	return EventRemoved, true
}

func (b *Browser) debugLog(msg string, args ...any) {
	if b.config.Logger != nil {
		b.config.Logger.Debug("discovery: "+msg, args...)
	}
}

func cloneService(s *Service) Service {
	c := *s
	c.Addresses = append([]string(nil), s.Addresses...)
	if s.Text != nil {
		c.Text = make(TXTRecordMap, len(s.Text))
		for k, v := range s.Text {
			c.Text[k] = v
		}
	}
	return c
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}

	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses returns addresses without any of gone.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
