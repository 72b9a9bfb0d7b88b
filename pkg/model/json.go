package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Snapshot is the JSON form of a property published over HTTP and MQTT.
type Snapshot struct {
	Device string         `json:"device"`
	Name   string         `json:"name"`
	Group  string         `json:"group,omitempty"`
	Label  string         `json:"label,omitempty"`
	Kind   string         `json:"kind"`
	Perm   string         `json:"perm,omitempty"`
	Rule   string         `json:"rule,omitempty"`
	State  string         `json:"state"`
	Items  []SnapshotItem `json:"items"`
}

// SnapshotItem is one item of a Snapshot. Value is a string for Text and
// Light items, a number for Number items, a bool for Switch items and a
// BLOBInfo for BLOB items.
type SnapshotItem struct {
	Name   string   `json:"name"`
	Label  string   `json:"label,omitempty"`
	Value  any      `json:"value"`
	Target *float64 `json:"target,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// BLOBInfo describes a BLOB item without its payload.
type BLOBInfo struct {
	Format string `json:"format,omitempty"`
	Size   int64  `json:"size"`
	URL    string `json:"url,omitempty"`
}

// NewSnapshot converts p to its JSON form. BLOB payloads are left out.
func NewSnapshot(p *Property) Snapshot {
	s := Snapshot{
		Device: p.Device,
		Name:   p.Name,
		Group:  p.Group,
		Label:  p.Label,
		Kind:   p.Kind.String(),
		Perm:   p.Perm.String(),
		Rule:   p.Rule.String(),
		State:  p.State.String(),
		Items:  make([]SnapshotItem, 0, len(p.Items)),
	}
	for _, it := range p.Items {
		si := SnapshotItem{Name: it.Name, Label: it.Label}
		switch v := it.Value.(type) {
		case *TextValue:
			si.Value = v.Text
		case *NumberValue:
			si.Value = v.Value
			if v.Target != v.Value {
				target := v.Target
				si.Target = &target
			}
			if v.Max > v.Min {
				lo, hi := v.Min, v.Max
				si.Min, si.Max = &lo, &hi
			}
		case *SwitchValue:
			si.Value = v.On
		case *LightValue:
			si.Value = v.State.String()
		case *BLOBValue:
			si.Value = BLOBInfo{Format: v.Format, Size: v.Size, URL: v.URL}
		}
		s.Items = append(s.Items, si)
	}
	return s
}

// NewRequest builds a change request for current from an item name to value
// map as decoded from JSON. Text items take strings; Number items take
// numbers or numeric strings; Switch items take bools or "On"/"Off".
func NewRequest(current *Property, values map[string]any) (*Property, error) {
	req := &Property{
		Device:  current.Device,
		Name:    current.Name,
		Kind:    current.Kind,
		Version: current.Version,
	}
	for name, raw := range values {
		if current.Item(name) == nil {
			return nil, fmt.Errorf("%w: %s has no item %q", ErrInvalidValue, current.Key(), name)
		}
		it, err := requestItem(current.Kind, name, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", current.Key(), name, err)
		}
		req.Items = append(req.Items, it)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: empty request for %s", ErrInvalidValue, current.Key())
	}
	return req, nil
}

func requestItem(kind Kind, name string, raw any) (*Item, error) {
	switch kind {
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want string, got %T", ErrInvalidValue, raw)
		}
		return TextItem(name, "", s), nil

	case KindNumber:
		switch v := raw.(type) {
		case float64:
			return NumberItem(name, "", "", 0, 0, 0, v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, v)
			}
			return NumberItem(name, "", "", 0, 0, 0, n), nil
		}
		return nil, fmt.Errorf("%w: want number, got %T", ErrInvalidValue, raw)

	case KindSwitch:
		switch v := raw.(type) {
		case bool:
			return SwitchItem(name, "", v), nil
		case string:
			switch v {
			case "On":
				return SwitchItem(name, "", true), nil
			case "Off":
				return SwitchItem(name, "", false), nil
			}
		}
		return nil, fmt.Errorf("%w: want bool or On/Off, got %v", ErrInvalidValue, raw)
	}
	return nil, fmt.Errorf("%w: %s items cannot be changed", ErrInvalidValue, kind)
}
