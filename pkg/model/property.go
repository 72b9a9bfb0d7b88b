package model

import (
	"errors"
	"fmt"
)

// Property errors.
var (
	ErrInvalidValue  = errors.New("invalid value")
	ErrKindMismatch  = errors.New("item kind does not match property kind")
	ErrDuplicateItem = errors.New("duplicate item name")
	ErrReadOnly      = errors.New("property is read-only")
	ErrEmptyName     = errors.New("empty name")
)

// Property is a named, typed, stateful vector of items owned by one device.
type Property struct {
	Device  string
	Name    string
	Group   string
	Label   string
	Hints   string
	Kind    Kind
	Perm    Perm
	Rule    Rule
	State   State
	Version Version
	Hidden  bool
	Items   []*Item
}

func newProperty(kind Kind, device, name, group, label string, state State, perm Perm, items []*Item) *Property {
	return &Property{
		Device:  device,
		Name:    name,
		Group:   group,
		Label:   label,
		Kind:    kind,
		Perm:    perm,
		State:   state,
		Version: VersionCurrent,
		Items:   items,
	}
}

// NewTextProperty creates a Text vector.
func NewTextProperty(device, name, group, label string, state State, perm Perm, items ...*Item) *Property {
	return newProperty(KindText, device, name, group, label, state, perm, items)
}

// NewNumberProperty creates a Number vector.
func NewNumberProperty(device, name, group, label string, state State, perm Perm, items ...*Item) *Property {
	return newProperty(KindNumber, device, name, group, label, state, perm, items)
}

// NewSwitchProperty creates a Switch vector governed by rule.
func NewSwitchProperty(device, name, group, label string, state State, perm Perm, rule Rule, items ...*Item) *Property {
	p := newProperty(KindSwitch, device, name, group, label, state, perm, items)
	p.Rule = rule
	return p
}

// NewLightProperty creates a Light vector. Lights are always read-only.
func NewLightProperty(device, name, group, label string, state State, items ...*Item) *Property {
	return newProperty(KindLight, device, name, group, label, state, PermRO, items)
}

// NewBLOBProperty creates a BLOB vector.
func NewBLOBProperty(device, name, group, label string, state State, perm Perm, items ...*Item) *Property {
	return newProperty(KindBLOB, device, name, group, label, state, perm, items)
}

// Validate checks the structural invariants: a name, a known kind, and
// uniquely named items whose payload kind equals the property kind.
func (p *Property) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: property on %q", ErrEmptyName, p.Device)
	}
	if _, err := ParseKind(p.Kind.String()); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(p.Items))
	for _, it := range p.Items {
		if it.Name == "" {
			return fmt.Errorf("%w: item in %s.%s", ErrEmptyName, p.Device, p.Name)
		}
		if it.Value == nil || it.Value.Kind() != p.Kind {
			return fmt.Errorf("%w: %s.%s.%s", ErrKindMismatch, p.Device, p.Name, it.Name)
		}
		if _, dup := seen[it.Name]; dup {
			return fmt.Errorf("%w: %s.%s.%s", ErrDuplicateItem, p.Device, p.Name, it.Name)
		}
		seen[it.Name] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the property and its items.
func (p *Property) Clone() *Property {
	c := *p
	c.Items = make([]*Item, len(p.Items))
	for i, it := range p.Items {
		c.Items[i] = it.Clone()
	}
	return &c
}

// Item returns the item with the given name or nil.
func (p *Property) Item(name string) *Item {
	for _, it := range p.Items {
		if it.Name == name {
			return it
		}
	}
	return nil
}

// Matches reports whether p is selected by filter. A nil filter or one with an
// empty device selects everything; an empty filter name selects every
// property of the filter device.
func (p *Property) Matches(filter *Property) bool {
	if filter == nil || filter.Device == "" {
		return true
	}
	if filter.Device != p.Device {
		return false
	}
	return filter.Name == "" || filter.Name == p.Name
}

// PropertyKey identifies a property on the bus. Device names may contain
// dots, so the two parts are kept apart.
type PropertyKey struct {
	Device string
	Name   string
}

// String returns "device.name" for messages and logs.
func (k PropertyKey) String() string {
	return k.Device + "." + k.Name
}

// Key returns the identity of the property on the bus.
func (p *Property) Key() PropertyKey {
	return PropertyKey{Device: p.Device, Name: p.Name}
}

// SetState sets the property state and returns p for chaining.
func (p *Property) SetState(s State) *Property {
	p.State = s
	return p
}

// Merge copies the item values of req into p, matching items by name. Items in
// req that p does not have are ignored. Number values are clamped to the
// item's range and the target follows the value. Switch rules are enforced:
// OneOfMany keeps exactly one switch on, AtMostOne keeps at most one.
func (p *Property) Merge(req *Property) error {
	if p.Perm == PermRO {
		return fmt.Errorf("%w: %s", ErrReadOnly, p.Key())
	}
	if req.Kind != p.Kind {
		return fmt.Errorf("%w: %s is %s, request is %s", ErrKindMismatch, p.Key(), p.Kind, req.Kind)
	}

	if p.Kind == KindSwitch && p.Rule != RuleAnyOfMany {
		p.mergeExclusive(req)
		return nil
	}

	for _, src := range req.Items {
		dst := p.Item(src.Name)
		if dst == nil || src.Value == nil || src.Value.Kind() != p.Kind {
			continue
		}
		switch v := dst.Value.(type) {
		case *TextValue:
			v.Text = src.Text().Text
		case *NumberValue:
			n := min(max(src.Number().Value, v.Min), v.Max)
			v.Value, v.Target = n, n
		case *SwitchValue:
			v.On = src.Switch().On
		case *LightValue:
			v.State = src.Light().State
		case *BLOBValue:
			b := src.BLOB()
			v.Format = b.Format
			v.Data = append([]byte(nil), b.Data...)
			v.Size = int64(len(v.Data))
			v.URL = b.URL
		}
	}
	return nil
}

func (p *Property) mergeExclusive(req *Property) {
	var selected *Item
	for _, src := range req.Items {
		sw := src.Switch()
		if sw == nil || !sw.On {
			continue
		}
		if it := p.Item(src.Name); it != nil {
			selected = it
			break
		}
	}
	if selected == nil {
		if p.Rule == RuleOneOfMany {
			return
		}
		// AtMostOne: an explicit "off" for the current selection clears it.
		for _, src := range req.Items {
			if it := p.Item(src.Name); it != nil && it.Switch() != nil {
				it.Switch().On = false
			}
		}
		return
	}
	for _, it := range p.Items {
		it.Switch().On = it == selected
	}
}

// OnSwitch returns the first item of a Switch vector that is on, or nil.
func (p *Property) OnSwitch() *Item {
	for _, it := range p.Items {
		if sw := it.Switch(); sw != nil && sw.On {
			return it
		}
	}
	return nil
}
