// Package bus implements the dispatcher between devices and clients.
//
// Devices own properties and report them with DefineProperty,
// UpdateProperty and DeleteProperty. Clients receive those events and ask for
// changes with ChangeProperty, which the bus routes to the owning device:
//
//	client ──getProperties──▶ bus ──EnumerateProperties──▶ device
//	client ◀──────def──────── bus ◀────DefineProperty───── device
//	client ──────change─────▶ bus ──ChangeProperty───────▶ device
//	client ◀──set (Busy)───── bus ◀────UpdateProperty───── device
//	client ◀──set (Ok|Alert)─ bus ◀────UpdateProperty───── device (timer)
//
// A change request for a property that is Busy is rejected with ErrBusy
// before it reaches the device, so a device sees at most one change per
// property in flight.
//
// Deliveries for one device are serialized, so every client receives that
// device's events in the order the device produced them. Clients must not
// call back into the bus synchronously from a delivery.
package bus
