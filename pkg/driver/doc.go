// Package driver contains the in-process device drivers and the Base type
// they are built on.
//
// A device embeds *Base, which owns the mandatory CONNECTION and INFO
// properties and the device lock. Change handlers run with the lock held,
// copy the accepted values, report Busy and arm a timer that finishes the
// operation with an Ok or Alert update:
//
//	func (d *Focuser) ChangeProperty(ctx context.Context, c bus.Client, req *model.Property) error {
//	    if req.Name != "FOCUSER_POSITION" {
//	        return d.Base.ChangeProperty(ctx, c, req)
//	    }
//	    d.Lock()
//	    defer d.Unlock()
//	    ...
//	}
//
// Drivers register an entry point with supervisor.Register from an init
// function so that importing this package makes them loadable by name.
package driver
