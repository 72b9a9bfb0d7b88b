package supervisor

import (
	"context"
	"errors"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/discovery"
)

// Browser is the part of a discovery browser AutoConnect uses.
type Browser interface {
	Start(ctx context.Context, cb discovery.Callback) error
	Resolve(ctx context.Context, name string, iface int, cb discovery.ResolveCallback) error
}

var _ Browser = (*discovery.Browser)(nil)

// AutoConnect connects servers to every service browser announces and
// disconnects them when the service is withdrawn. The local server, named
// by ServersConfig.LocalName, is skipped. Resolution runs off the browser's
// event goroutine; AutoConnect returns once the browser has started.
func AutoConnect(ctx context.Context, browser Browser, servers *Servers) error {
	return browser.Start(ctx, func(ev discovery.Event, name string, iface int) {
		if name == servers.cfg.LocalName {
			return
		}
		switch ev {
		case discovery.EventAdded:
			go func() {
				err := browser.Resolve(ctx, name, iface, func(name string, _ int, host string, port int) {
					_, err := servers.Connect(ctx, name, host, port)
					if err != nil && !errors.Is(err, bus.ErrDuplicated) {
						servers.debugLog("auto-connect failed", "server", name, "error", err)
					}
				})
				if err != nil {
					servers.debugLog("resolve failed", "server", name, "error", err)
				}
			}()
		case discovery.EventRemoved:
			if srv, ok := servers.Lookup(name); ok {
				_ = servers.Disconnect(srv)
			}
		}
	})
}
