// Package discovery finds bus servers on the local network and announces
// the local one, using mDNS/DNS-SD service type _indigo._tcp in the
// local. domain.
//
// # Browsing
//
// A Browser reports one event per change to a callback:
//   - EventAdded when an instance is first seen
//   - EventAddedGrouped when a known instance shows up on another address
//   - EventRemovedGrouped when one of several addresses goes away
//   - EventRemoved when the last address goes away
//   - EventEndOfRecord once, after the initial browse window
//
// Resolve turns an instance name into a host and port.
//
// # Advertising
//
// An Advertiser publishes the local server's instance name and port with
// a TXT record carrying the protocol version.
package discovery
