package model

// Value is the kind-specific payload of an Item.
// The interface is sealed: only the five types in this file implement it.
type Value interface {
	Kind() Kind
	clone() Value
}

// TextValue is the payload of a Text item.
type TextValue struct {
	Text string
}

// NumberValue is the payload of a Number item.
type NumberValue struct {
	Format string
	Min    float64
	Max    float64
	Step   float64
	Value  float64

	// Target is the requested value while a move is in flight (protocol 2.0).
	Target float64
}

// SwitchValue is the payload of a Switch item.
type SwitchValue struct {
	On bool
}

// LightValue is the payload of a Light item.
type LightValue struct {
	State State
}

// BLOBValue is the payload of a BLOB item.
type BLOBValue struct {
	// Format is a file type suffix such as ".fits" or ".jpeg".
	Format string

	// Size is the payload size in bytes.
	Size int64

	// Data is the raw payload.
	Data []byte

	// URL points at the payload on the source server when it is not inlined.
	URL string
}

func (*TextValue) Kind() Kind   { return KindText }
func (*NumberValue) Kind() Kind { return KindNumber }
func (*SwitchValue) Kind() Kind { return KindSwitch }
func (*LightValue) Kind() Kind  { return KindLight }
func (*BLOBValue) Kind() Kind   { return KindBLOB }

func (v *TextValue) clone() Value   { c := *v; return &c }
func (v *NumberValue) clone() Value { c := *v; return &c }
func (v *SwitchValue) clone() Value { c := *v; return &c }
func (v *LightValue) clone() Value  { c := *v; return &c }

func (v *BLOBValue) clone() Value {
	c := *v
	if v.Data != nil {
		c.Data = append([]byte(nil), v.Data...)
	}
	return &c
}

// Item is one named value within a Property.
type Item struct {
	Name  string
	Label string
	Hints string
	Value Value
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	c := *it
	if it.Value != nil {
		c.Value = it.Value.clone()
	}
	return &c
}

// Text returns the text payload or nil.
func (it *Item) Text() *TextValue {
	v, _ := it.Value.(*TextValue)
	return v
}

// Number returns the number payload or nil.
func (it *Item) Number() *NumberValue {
	v, _ := it.Value.(*NumberValue)
	return v
}

// Switch returns the switch payload or nil.
func (it *Item) Switch() *SwitchValue {
	v, _ := it.Value.(*SwitchValue)
	return v
}

// Light returns the light payload or nil.
func (it *Item) Light() *LightValue {
	v, _ := it.Value.(*LightValue)
	return v
}

// BLOB returns the BLOB payload or nil.
func (it *Item) BLOB() *BLOBValue {
	v, _ := it.Value.(*BLOBValue)
	return v
}

// TextItem builds a Text item.
func TextItem(name, label, text string) *Item {
	return &Item{Name: name, Label: label, Value: &TextValue{Text: text}}
}

// NumberItem builds a Number item.
func NumberItem(name, label, format string, min, max, step, value float64) *Item {
	return &Item{Name: name, Label: label, Value: &NumberValue{
		Format: format, Min: min, Max: max, Step: step, Value: value, Target: value,
	}}
}

// SwitchItem builds a Switch item.
func SwitchItem(name, label string, on bool) *Item {
	return &Item{Name: name, Label: label, Value: &SwitchValue{On: on}}
}

// LightItem builds a Light item.
func LightItem(name, label string, state State) *Item {
	return &Item{Name: name, Label: label, Value: &LightValue{State: state}}
}

// BLOBItem builds an empty BLOB item.
func BLOBItem(name, label string) *Item {
	return &Item{Name: name, Label: label, Value: &BLOBValue{}}
}
