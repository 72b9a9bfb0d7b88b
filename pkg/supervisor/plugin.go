package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"plugin"

	"github.com/devbus/devbus-go/pkg/bus"
)

// PluginSymbol is the symbol a driver plugin exports. It is either a
// function with the EntryPoint signature or a variable of type EntryPoint.
const PluginSymbol = "DriverEntry"

// openPlugin loads a driver plugin. Go plugins cannot be unloaded, so
// removing a plugin driver only drops its slot.
func openPlugin(path string) (EntryPoint, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: driver %q", bus.ErrNotFound, path)
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open plugin %s: %v", bus.ErrFailed, path, err)
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: plugin %s: %v", bus.ErrNotFound, path, err)
	}
	switch ep := sym.(type) {
	case func(context.Context, Action, Env, *Info) error:
		return ep, nil
	case *EntryPoint:
		if *ep == nil {
			return nil, fmt.Errorf("%w: plugin %s: nil %s", bus.ErrFailed, path, PluginSymbol)
		}
		return *ep, nil
	default:
		return nil, fmt.Errorf("%w: plugin %s: %s has type %T", bus.ErrFailed, path, PluginSymbol, sym)
	}
}
