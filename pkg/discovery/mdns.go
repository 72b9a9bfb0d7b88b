package discovery

import (
	"context"
	"net"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

// zeroconf expects the domain without the trailing dot.
var zeroconfDomain = strings.TrimSuffix(Domain, ".")

// ZeroconfSource returns a Source browsing ServiceType with zeroconf on the
// named interface, or on all interfaces when iface is empty.
func ZeroconfSource(iface string) Source {
	return func(ctx context.Context, entries, removed chan<- *Service) error {
		zEntries := make(chan *zeroconf.ServiceEntry)
		zRemoved := make(chan *zeroconf.ServiceEntry)

		errc := make(chan error, 1)
		go func() {
			errc <- zeroconf.Browse(ctx, ServiceType, zeroconfDomain, zEntries, zRemoved, browseOptions(iface)...)
		}()

		for {
			var out chan<- *Service
			var entry *zeroconf.ServiceEntry
			select {
			case e, ok := <-zEntries:
				if !ok {
					zEntries = nil
					continue
				}
				out, entry = entries, e
			case e, ok := <-zRemoved:
				if !ok {
					zRemoved = nil
					continue
				}
				out, entry = removed, e
			case err := <-errc:
				if err != nil {
					return err
				}
				errc = nil
				continue
			case <-ctx.Done():
				return nil
			}

			select {
			case out <- serviceFromEntry(entry):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// browseOptions returns zeroconf client options for the interface.
func browseOptions(name string) []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if ifaces := interfaces(name); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	return opts
}

// interfaces returns the named interface, or nil for all interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// serviceFromEntry converts a zeroconf entry.
func serviceFromEntry(entry *zeroconf.ServiceEntry) *Service {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      int(entry.Port),
		Addresses: addrs,
		Text:      StringsToTXTRecords(entry.Text),
	}
}

// zeroconfRegister publishes a service with zeroconf.
func zeroconfRegister(config AdvertiserConfig) RegisterFunc {
	return func(instance string, port int, txt []string) (Registration, error) {
		var opts []zeroconf.ServerOption
		if config.TTL > 0 {
			opts = append(opts, zeroconf.TTL(uint32(config.TTL.Seconds())))
		}
		server, err := zeroconf.Register(instance, ServiceType, zeroconfDomain, port, txt, interfaces(config.Interface), opts...)
		if err != nil {
			return nil, err
		}
		return server, nil
	}
}
