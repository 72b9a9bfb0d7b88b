package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/supervisor"
	"github.com/devbus/devbus-go/pkg/version"
)

// RotatorDriverName is the catalog name of the rotator simulator.
const RotatorDriverName = "rotator_simulator"

// RotatorDeviceName is the name of the device the simulator attaches.
const RotatorDeviceName = "Rotator Simulator"

var rotatorVersion = version.DriverVersion(2, 0)

func init() {
	supervisor.Register(RotatorDriverName, RotatorEntry())
}

// RotatorEntry returns an entry point serving one simulated rotator. Every
// call returns an independent driver.
func RotatorEntry() supervisor.EntryPoint {
	d := &rotatorDriver{}
	return d.entry
}

type rotatorDriver struct {
	mu  sync.Mutex
	dev *Rotator
	bus *bus.Bus
}

func (d *rotatorDriver) entry(ctx context.Context, action supervisor.Action, env supervisor.Env, info *supervisor.Info) error {
	if info != nil {
		info.Name = RotatorDriverName
		info.Description = "Field rotator simulator"
		info.Version = rotatorVersion
		info.MultiDevice = false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch action {
	case supervisor.ActionInfo:
		return nil

	case supervisor.ActionInit:
		if d.dev != nil {
			return nil
		}
		if env.Bus == nil || env.Timers == nil {
			return fmt.Errorf("%w: %s needs a bus and a timer engine", bus.ErrFailed, RotatorDriverName)
		}
		dev := NewRotator(RotatorConfig{
			Name:   RotatorDeviceName,
			Timers: env.Timers,
			Logger: env.Logger,
		})
		if err := env.Bus.AttachDevice(ctx, dev); err != nil {
			return err
		}
		d.dev, d.bus = dev, env.Bus
		return nil

	case supervisor.ActionShutdown, supervisor.ActionForceShutdown:
		if d.dev == nil {
			return nil
		}
		if action == supervisor.ActionShutdown && d.dev.IsConnected() {
			return fmt.Errorf("%w: %s is connected", bus.ErrBusy, d.dev.Name())
		}
		// Detach closes an open connection.
		err := d.bus.DetachDevice(ctx, d.dev)
		d.dev, d.bus = nil, nil
		return err
	}
	return fmt.Errorf("%w: action %s", bus.ErrFailed, action)
}
