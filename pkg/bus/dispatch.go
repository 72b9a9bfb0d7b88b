package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/model"
)

type targetKey struct{}

// withTarget restricts definitions made with ctx to one client.
func withTarget(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, targetKey{}, c)
}

func targetFrom(ctx context.Context) Client {
	c, _ := ctx.Value(targetKey{}).(Client)
	return c
}

// dispatchLock returns the lock that orders deliveries for one device.
func (b *Bus) dispatchLock(dev Device) *sync.Mutex {
	name := dev.Name()
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	mu, ok := b.dispatch[name]
	if !ok {
		mu = &sync.Mutex{}
		b.dispatch[name] = mu
	}
	return mu
}

// DefineProperty registers prop as owned by dev and sends its definition to
// every client, or only to the enumerating client when ctx comes from
// EnumerateProperties. Hidden properties are registered but not sent.
func (b *Bus) DefineProperty(ctx context.Context, dev Device, prop *model.Property, msg string) error {
	if err := prop.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}

	lock := b.dispatchLock(dev)
	lock.Lock()
	defer lock.Unlock()

	key := prop.Key()
	snapshot := prop.Clone()

	b.mu.Lock()
	e, exists := b.props[key]
	if exists && e.owner != dev {
		b.mu.Unlock()
		return fmt.Errorf("%w: property %s owned by %q", ErrDuplicated, key, e.owner.Name())
	}
	if owner, ok := b.owners[prop.Device]; ok && owner != dev {
		b.mu.Unlock()
		return fmt.Errorf("%w: device name %q owned by %q", ErrDuplicated, prop.Device, owner.Name())
	}
	if !exists {
		e = &entry{owner: dev, definedTo: make(map[string]Client)}
		b.props[key] = e
	}
	e.prop = snapshot
	b.owners[prop.Device] = dev

	var recipients []Client
	if !prop.Hidden {
		if target := targetFrom(ctx); target != nil {
			if _, attached := b.clients[target.ID()]; attached {
				recipients = append(recipients, target)
			}
		} else {
			for _, id := range b.clientOrder {
				recipients = append(recipients, b.clients[id])
			}
		}
		for _, c := range recipients {
			e.definedTo[c.ID()] = c
		}
	}
	b.mu.Unlock()

	for _, c := range recipients {
		b.traceVerb(c, log.VerbDefine, snapshot, msg)
		if err := c.DefineProperty(ctx, snapshot, msg); err != nil {
			b.debugLog("bus: define delivery failed", "client", c.ID(), "property", key, "error", err)
		}
	}
	b.cfg.Metrics.Dispatched(log.VerbDefine.String())
	return nil
}

// UpdateProperty records the new values and state of prop and sends them to
// every client that received its definition. Repeated identical updates are
// delivered again; they change nothing.
func (b *Bus) UpdateProperty(ctx context.Context, dev Device, prop *model.Property, msg string) error {
	lock := b.dispatchLock(dev)
	lock.Lock()
	defer lock.Unlock()

	key := prop.Key()

	b.mu.Lock()
	e, ok := b.props[key]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: property %s", ErrNotFound, key)
	}
	if e.owner != dev {
		b.mu.Unlock()
		return fmt.Errorf("%w: property %s owned by %q", ErrFailed, key, e.owner.Name())
	}
	snapshot := prop.Clone()
	e.prop = snapshot
	recipients := make([]Client, 0, len(e.definedTo))
	for _, id := range b.clientOrder {
		if c, ok := e.definedTo[id]; ok {
			recipients = append(recipients, c)
		}
	}
	b.mu.Unlock()

	for _, c := range recipients {
		b.traceVerb(c, log.VerbUpdate, snapshot, msg)
		if err := c.UpdateProperty(ctx, snapshot, msg); err != nil {
			b.debugLog("bus: update delivery failed", "client", c.ID(), "property", key, "error", err)
		}
	}
	b.cfg.Metrics.Dispatched(log.VerbUpdate.String())
	return nil
}

// DeleteProperty sends a delete to every client that received the definition
// and unregisters the property. An empty prop.Name deletes every property of
// prop.Device owned by dev.
func (b *Bus) DeleteProperty(ctx context.Context, dev Device, prop *model.Property, msg string) error {
	lock := b.dispatchLock(dev)
	lock.Lock()
	defer lock.Unlock()

	type delivery struct {
		prop *model.Property
		to   []Client
	}

	b.mu.Lock()
	var keys []model.PropertyKey
	if prop.Name == "" {
		for key, e := range b.props {
			if e.owner == dev && e.prop.Device == prop.Device {
				keys = append(keys, key)
			}
		}
	} else if e, ok := b.props[prop.Key()]; ok && e.owner == dev {
		keys = append(keys, prop.Key())
	}
	if len(keys) == 0 {
		b.mu.Unlock()
		if prop.Name == "" {
			return nil
		}
		return fmt.Errorf("%w: property %s", ErrNotFound, prop.Key())
	}

	deliveries := make([]delivery, 0, len(keys))
	for _, key := range keys {
		e := b.props[key]
		d := delivery{prop: e.prop}
		for _, id := range b.clientOrder {
			if c, ok := e.definedTo[id]; ok {
				d.to = append(d.to, c)
			}
		}
		deliveries = append(deliveries, d)
		delete(b.props, key)
	}
	if !b.deviceHasProps(prop.Device) {
		delete(b.owners, prop.Device)
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		for _, c := range d.to {
			b.traceVerb(c, log.VerbDelete, d.prop, msg)
			if err := c.DeleteProperty(ctx, d.prop, msg); err != nil {
				b.debugLog("bus: delete delivery failed", "client", c.ID(), "property", d.prop.Key(), "error", err)
			}
		}
	}
	b.cfg.Metrics.Dispatched(log.VerbDelete.String())
	return nil
}

func (b *Bus) deviceHasProps(device string) bool {
	for _, e := range b.props {
		if e.prop.Device == device {
			return true
		}
	}
	return false
}

// SendMessage broadcasts a free-form message from dev to every client.
func (b *Bus) SendMessage(ctx context.Context, dev Device, msg string) error {
	return b.SendMessageAs(ctx, dev, dev.Name(), msg)
}

// SendMessageAs broadcasts a message from dev on behalf of device, which is
// one of the device names dev serves. Proxies use it to forward remote
// messages under their original device name; an empty device sends a
// server-wide message.
func (b *Bus) SendMessageAs(ctx context.Context, dev Device, device, msg string) error {
	lock := b.dispatchLock(dev)
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	recipients := make([]Client, 0, len(b.clientOrder))
	for _, id := range b.clientOrder {
		recipients = append(recipients, b.clients[id])
	}
	b.mu.RUnlock()

	for _, c := range recipients {
		b.trace(log.Event{
			ConnectionID: c.ID(),
			Direction:    log.DirectionOut,
			Device:       device,
			Message:      &log.MessageEvent{Verb: log.VerbMessage, Text: msg},
		})
		if err := c.SendMessage(ctx, device, msg); err != nil {
			b.debugLog("bus: message delivery failed", "client", c.ID(), "error", err)
		}
	}
	b.cfg.Metrics.Dispatched(log.VerbMessage.String())
	return nil
}

// ChangeProperty routes a change request to the owning device.
//
// Requests for unknown devices or properties return ErrNotFound. Requests for
// read-only properties return ErrPermission and the requesting client gets the
// unchanged property back. Requests for a property that is Busy, or that
// already has a change in flight, return ErrBusy without reaching the device.
func (b *Bus) ChangeProperty(ctx context.Context, client Client, req *model.Property) error {
	key := req.Key()

	b.mu.Lock()
	e, ok := b.props[key]
	if !ok {
		_, known := b.owners[req.Device]
		b.mu.Unlock()
		b.cfg.Metrics.Rejected("not_found")
		if known {
			return fmt.Errorf("%w: property %s", ErrNotFound, key)
		}
		return fmt.Errorf("%w: device %q", ErrNotFound, req.Device)
	}
	current := e.prop.Clone()
	owner := e.owner

	switch {
	case !current.Perm.CanWrite():
		b.mu.Unlock()
		b.cfg.Metrics.Rejected("permission")
		if client != nil {
			_ = client.UpdateProperty(ctx, current, fmt.Sprintf("%s is read-only", current.Name))
		}
		return fmt.Errorf("%w: %s", ErrPermission, key)
	case req.Kind != 0 && req.Kind != current.Kind:
		b.mu.Unlock()
		b.cfg.Metrics.Rejected("kind")
		return fmt.Errorf("%w: %s is %s, request is %s", ErrFailed, key, current.Kind, req.Kind)
	case current.State == model.StateBusy || e.changing:
		b.mu.Unlock()
		b.cfg.Metrics.Rejected("busy")
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}
	e.changing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		e.changing = false
		b.mu.Unlock()
	}()

	connID := ""
	if client != nil {
		connID = client.ID()
	}
	b.trace(log.Event{
		ConnectionID: connID,
		Direction:    log.DirectionIn,
		Device:       req.Device,
		Property:     req.Name,
		Message:      &log.MessageEvent{Verb: log.VerbChange, Kind: req.Kind.String(), Items: len(req.Items)},
	})
	b.cfg.Metrics.Dispatched(log.VerbChange.String())

	if err := owner.ChangeProperty(ctx, client, req); err != nil {
		return fmt.Errorf("change %s: %w", key, err)
	}
	return nil
}
