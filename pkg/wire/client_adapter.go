package wire

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
)

// ClientAdapter represents a remote server on the bus. It is a proxy device
// that owns every device name the remote server defines.
//
// Definitions received from the remote side are cached, so a local client
// that enumerates gets them without a round trip. Updates carry only values
// and state on the wire and are merged into the cached definition before
// they reach the bus.
type ClientAdapter struct {
	BaseHandler

	name   string
	w      *Writer
	logger *slog.Logger

	mu    sync.Mutex
	bus   *bus.Bus
	props map[model.PropertyKey]*model.Property
	order []model.PropertyKey

	defined atomic.Uint64
}

var (
	_ bus.Device = (*ClientAdapter)(nil)
	_ Handler    = (*ClientAdapter)(nil)
)

// NewClientAdapter returns a proxy named name that writes requests to w.
func NewClientAdapter(name string, w io.Writer, logger *slog.Logger) *ClientAdapter {
	return &ClientAdapter{
		name:   name,
		w:      NewWriter(w),
		logger: logger,
		props:  make(map[model.PropertyKey]*model.Property),
	}
}

// Writer returns the adapter's output writer.
func (a *ClientAdapter) Writer() *Writer { return a.w }

// Definitions returns how many definitions the remote side has sent.
func (a *ClientAdapter) Definitions() uint64 { return a.defined.Load() }

// Name implements bus.Device.
func (a *ClientAdapter) Name() string { return a.name }

// Attach implements bus.Device. It asks the remote server for everything.
func (a *ClientAdapter) Attach(_ context.Context, b *bus.Bus) error {
	a.mu.Lock()
	a.bus = b
	a.mu.Unlock()
	return a.w.GetProperties(model.VersionCurrent, "", "")
}

// EnumerateProperties implements bus.Device from the cache.
func (a *ClientAdapter) EnumerateProperties(ctx context.Context, _ bus.Client, filter *model.Property) error {
	a.mu.Lock()
	b := a.bus
	var props []*model.Property
	for _, key := range a.order {
		if p := a.props[key]; p.Matches(filter) {
			props = append(props, p.Clone())
		}
	}
	a.mu.Unlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	for _, p := range props {
		if err := b.DefineProperty(ctx, a, p, ""); err != nil {
			return err
		}
	}
	return nil
}

// ChangeProperty implements bus.Device by forwarding the request.
func (a *ClientAdapter) ChangeProperty(_ context.Context, _ bus.Client, req *model.Property) error {
	return a.w.Change(req)
}

// Detach implements bus.Device.
func (a *ClientAdapter) Detach(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bus = nil
	a.props = make(map[model.PropertyKey]*model.Property)
	a.order = nil
	return nil
}

// OnDefine caches prop and defines it on the bus.
func (a *ClientAdapter) OnDefine(ctx context.Context, prop *model.Property, msg string) error {
	a.defined.Add(1)
	a.mu.Lock()
	b := a.bus
	key := prop.Key()
	if _, ok := a.props[key]; !ok {
		a.order = append(a.order, key)
	}
	a.props[key] = prop.Clone()
	a.mu.Unlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	return b.DefineProperty(ctx, a, prop, msg)
}

// OnUpdate merges the received values into the cached definition and
// publishes the result.
func (a *ClientAdapter) OnUpdate(ctx context.Context, prop *model.Property, msg string) error {
	a.mu.Lock()
	b := a.bus
	cached, ok := a.props[prop.Key()]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: update for undefined %s", bus.ErrNotFound, prop.Key())
	}
	applyUpdate(cached, prop)
	full := cached.Clone()
	a.mu.Unlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	return b.UpdateProperty(ctx, a, full, msg)
}

// OnDelete drops cached definitions and deletes them on the bus.
func (a *ClientAdapter) OnDelete(ctx context.Context, prop *model.Property, msg string) error {
	a.mu.Lock()
	b := a.bus
	kept := a.order[:0]
	for _, key := range a.order {
		p := a.props[key]
		if p.Device == prop.Device && (prop.Name == "" || p.Name == prop.Name) {
			delete(a.props, key)
			continue
		}
		kept = append(kept, key)
	}
	a.order = kept
	a.mu.Unlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	return b.DeleteProperty(ctx, a, prop, msg)
}

// OnMessage republishes a remote message under its original device name.
func (a *ClientAdapter) OnMessage(ctx context.Context, device, msg string) error {
	a.mu.Lock()
	b := a.bus
	a.mu.Unlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	return b.SendMessageAs(ctx, a, device, msg)
}

// applyUpdate copies state and item values from upd into p. Items are
// matched by name; unknown items are ignored.
func applyUpdate(p, upd *model.Property) {
	p.State = upd.State
	for _, ui := range upd.Items {
		it := p.Item(ui.Name)
		if it == nil || it.Value == nil || ui.Value == nil || it.Value.Kind() != ui.Value.Kind() {
			continue
		}
		switch v := it.Value.(type) {
		case *model.NumberValue:
			n := ui.Number()
			v.Value = n.Value
			v.Target = n.Target
		case *model.BLOBValue:
			src := ui.BLOB()
			if src.Format != "" {
				v.Format = src.Format
			}
			v.URL = src.URL
			v.Size = src.Size
			v.Data = append([]byte(nil), src.Data...)
		default:
			it.Value = ui.Clone().Value
		}
	}
}
