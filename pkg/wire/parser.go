package wire

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/devbus/devbus-go/pkg/model"
)

// ErrSyntax is returned when the input is not well-formed XML. The stream
// cannot be resynchronized after it.
var ErrSyntax = errors.New("wire: malformed stream")

// Handler receives the elements read from a stream. Properties passed to a
// handler belong to it.
type Handler interface {
	OnGetProperties(ctx context.Context, filter *model.Property, version model.Version) error
	OnDefine(ctx context.Context, prop *model.Property, msg string) error
	OnUpdate(ctx context.Context, prop *model.Property, msg string) error
	OnDelete(ctx context.Context, prop *model.Property, msg string) error
	OnMessage(ctx context.Context, device, msg string) error
	OnChange(ctx context.Context, prop *model.Property) error
	OnEnableBLOB(ctx context.Context, device, name string, mode BLOBMode) error
}

// BaseHandler ignores every element. Embed it to handle a subset.
type BaseHandler struct{}

func (BaseHandler) OnGetProperties(context.Context, *model.Property, model.Version) error { return nil }
func (BaseHandler) OnDefine(context.Context, *model.Property, string) error               { return nil }
func (BaseHandler) OnUpdate(context.Context, *model.Property, string) error               { return nil }
func (BaseHandler) OnDelete(context.Context, *model.Property, string) error               { return nil }
func (BaseHandler) OnMessage(context.Context, string, string) error                       { return nil }
func (BaseHandler) OnChange(context.Context, *model.Property) error                       { return nil }
func (BaseHandler) OnEnableBLOB(context.Context, string, string, BLOBMode) error          { return nil }

// Parser reads protocol elements from a stream.
//
// Unknown elements are skipped. Elements with an invalid enumeration value
// are dropped. Items with an unparseable value are dropped from their
// vector; the rest of the vector is delivered.
type Parser struct {
	dec    *xml.Decoder
	logger *slog.Logger
}

// NewParser returns a parser reading from r. A nil logger discards warnings.
func NewParser(r io.Reader, logger *slog.Logger) *Parser {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }
	return &Parser{dec: dec, logger: logger}
}

// Serve parses r until EOF, passing each element to h.
func Serve(ctx context.Context, r io.Reader, h Handler, logger *slog.Logger) error {
	return NewParser(r, logger).Run(ctx, h)
}

// Run parses until EOF or ctx is done. A clean EOF returns nil.
func (p *Parser) Run(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := p.dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				return fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if err := p.element(ctx, start, h); err != nil {
			return err
		}
	}
}

type xmlGetProperties struct {
	Version string `xml:"version,attr"`
	Device  string `xml:"device,attr"`
	Name    string `xml:"name,attr"`
}

type xmlEnableBLOB struct {
	Device string `xml:"device,attr"`
	Name   string `xml:"name,attr"`
	Mode   string `xml:",chardata"`
}

type xmlDelete struct {
	Device  string `xml:"device,attr"`
	Name    string `xml:"name,attr"`
	Message string `xml:"message,attr"`
}

type xmlVector struct {
	Device  string    `xml:"device,attr"`
	Name    string    `xml:"name,attr"`
	Group   string    `xml:"group,attr"`
	Label   string    `xml:"label,attr"`
	Hints   string    `xml:"hints,attr"`
	Perm    string    `xml:"perm,attr"`
	State   string    `xml:"state,attr"`
	Rule    string    `xml:"rule,attr"`
	Message string    `xml:"message,attr"`
	Items   []xmlItem `xml:",any"`
}

type xmlItem struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr"`
	Hints   string `xml:"hints,attr"`
	Format  string `xml:"format,attr"`
	Min     string `xml:"min,attr"`
	Max     string `xml:"max,attr"`
	Step    string `xml:"step,attr"`
	Target  string `xml:"target,attr"`
	Size    string `xml:"size,attr"`
	URL     string `xml:"url,attr"`
	Value   string `xml:",chardata"`
}

func (p *Parser) element(ctx context.Context, start xml.StartElement, h Handler) error {
	name := start.Name.Local
	switch name {
	case "getProperties":
		var e xmlGetProperties
		if err := p.decode(&e, start); err != nil {
			return err
		}
		var filter *model.Property
		if e.Device != "" || e.Name != "" {
			filter = &model.Property{Device: e.Device, Name: e.Name}
		}
		return p.deliver(name, h.OnGetProperties(ctx, filter, model.ParseVersion(e.Version)))

	case "enableBLOB":
		var e xmlEnableBLOB
		if err := p.decode(&e, start); err != nil {
			return err
		}
		mode, err := ParseBLOBMode(strings.TrimSpace(e.Mode))
		if err != nil {
			p.warn("dropping enableBLOB", "error", err)
			return nil
		}
		return p.deliver(name, h.OnEnableBLOB(ctx, e.Device, e.Name, mode))

	case "message":
		var e xmlDelete
		if err := p.decode(&e, start); err != nil {
			return err
		}
		return p.deliver(name, h.OnMessage(ctx, e.Device, e.Message))

	case "delProperty":
		var e xmlDelete
		if err := p.decode(&e, start); err != nil {
			return err
		}
		if e.Device == "" {
			p.warn("dropping delProperty without device")
			return nil
		}
		return p.deliver(name, h.OnDelete(ctx, &model.Property{Device: e.Device, Name: e.Name}, e.Message))
	}

	verb, kind, ok := splitVectorTag(name)
	if !ok {
		p.warn("skipping unknown element", "element", name)
		return p.skip()
	}
	var e xmlVector
	if err := p.decode(&e, start); err != nil {
		return err
	}
	prop, err := p.buildVector(verb, kind, &e)
	if err != nil {
		p.warn("dropping "+name, "device", e.Device, "property", e.Name, "error", err)
		return nil
	}
	switch verb {
	case "def":
		return p.deliver(name, h.OnDefine(ctx, prop, e.Message))
	case "set":
		return p.deliver(name, h.OnUpdate(ctx, prop, e.Message))
	default:
		return p.deliver(name, h.OnChange(ctx, prop))
	}
}

// splitVectorTag splits e.g. "setNumberVector" into "set" and KindNumber.
func splitVectorTag(tag string) (string, model.Kind, bool) {
	if len(tag) < 3 || !strings.HasSuffix(tag, "Vector") {
		return "", 0, false
	}
	verb := tag[:3]
	if verb != "def" && verb != "set" && verb != "new" {
		return "", 0, false
	}
	kind, err := model.ParseKind(strings.TrimSuffix(tag[3:], "Vector"))
	if err != nil {
		return "", 0, false
	}
	return verb, kind, true
}

func (p *Parser) buildVector(verb string, kind model.Kind, e *xmlVector) (*model.Property, error) {
	if e.Device == "" || e.Name == "" {
		return nil, fmt.Errorf("%w: missing device or name", model.ErrInvalidValue)
	}
	prop := &model.Property{
		Device:  e.Device,
		Name:    e.Name,
		Group:   e.Group,
		Label:   e.Label,
		Hints:   e.Hints,
		Kind:    kind,
		Version: model.VersionCurrent,
	}

	if verb != "new" {
		state, err := model.ParseState(e.State)
		if err != nil {
			return nil, err
		}
		prop.State = state
	}
	if verb == "def" {
		if kind == model.KindLight {
			prop.Perm = model.PermRO
		} else {
			perm, err := model.ParsePerm(e.Perm)
			if err != nil {
				return nil, err
			}
			prop.Perm = perm
		}
		if kind == model.KindSwitch {
			rule, err := model.ParseRule(e.Rule)
			if err != nil {
				return nil, err
			}
			prop.Rule = rule
		}
	}

	child := "one" + kind.String()
	if verb == "def" {
		child = "def" + kind.String()
	}
	for i := range e.Items {
		x := &e.Items[i]
		if x.XMLName.Local != child {
			p.warn("skipping unexpected item", "property", prop.Key(), "element", x.XMLName.Local)
			continue
		}
		it, err := buildItem(verb, kind, x)
		if err != nil {
			p.warn("dropping item", "property", prop.Key(), "item", x.Name, "error", err)
			continue
		}
		prop.Items = append(prop.Items, it)
	}
	return prop, nil
}

func buildItem(verb string, kind model.Kind, x *xmlItem) (*model.Item, error) {
	if x.Name == "" {
		return nil, fmt.Errorf("%w: item without name", model.ErrInvalidValue)
	}
	it := &model.Item{Name: x.Name, Label: x.Label, Hints: x.Hints}
	switch kind {
	case model.KindText:
		it.Value = &model.TextValue{Text: x.Value}

	case model.KindNumber:
		v := &model.NumberValue{Format: x.Format}
		var err error
		if v.Value, err = ParseNumber(x.Value); err != nil {
			return nil, err
		}
		v.Target = v.Value
		if x.Target != "" {
			if v.Target, err = ParseNumber(x.Target); err != nil {
				return nil, err
			}
		}
		if verb == "def" {
			if v.Min, err = ParseNumber(x.Min); err != nil {
				return nil, err
			}
			if v.Max, err = ParseNumber(x.Max); err != nil {
				return nil, err
			}
			if v.Step, err = ParseNumber(x.Step); err != nil {
				return nil, err
			}
		}
		it.Value = v

	case model.KindSwitch:
		switch strings.TrimSpace(x.Value) {
		case "On":
			it.Value = &model.SwitchValue{On: true}
		case "Off":
			it.Value = &model.SwitchValue{On: false}
		default:
			return nil, fmt.Errorf("%w: switch value %q", model.ErrInvalidValue, x.Value)
		}

	case model.KindLight:
		state, err := model.ParseState(strings.TrimSpace(x.Value))
		if err != nil {
			return nil, err
		}
		it.Value = &model.LightValue{State: state}

	case model.KindBLOB:
		v := &model.BLOBValue{Format: x.Format, URL: x.URL}
		if verb != "def" && x.URL == "" {
			data, err := DecodeBLOB(x.Value)
			if err != nil {
				return nil, err
			}
			if x.Size != "" {
				size, err := strconv.ParseInt(strings.TrimSpace(x.Size), 10, 64)
				if err != nil || size != int64(len(data)) {
					return nil, fmt.Errorf("%w: size %q does not match %d decoded bytes", ErrBadBase64, x.Size, len(data))
				}
			}
			v.Data = data
			v.Size = int64(len(data))
		}
		it.Value = v
	}
	return it, nil
}

// ParseNumber parses a decimal number or a sexagesimal "d:m:s" / "d m s"
// value. Minutes and seconds are optional.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty number", model.ErrInvalidValue)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' })
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("%w: number %q", model.ErrInvalidValue, s)
	}
	negative := strings.HasPrefix(fields[0], "-")
	var total float64
	scale := 1.0
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: number %q", model.ErrInvalidValue, s)
		}
		if i > 0 && v < 0 {
			return 0, fmt.Errorf("%w: number %q", model.ErrInvalidValue, s)
		}
		total += math.Abs(v) / scale
		scale *= 60
	}
	if negative {
		total = -total
	}
	return total, nil
}

func (p *Parser) decode(v any, start xml.StartElement) error {
	if err := p.dec.DecodeElement(v, &start); err != nil {
		var se *xml.SyntaxError
		if errors.As(err, &se) {
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return err
	}
	return nil
}

func (p *Parser) skip() error {
	if err := p.dec.Skip(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return nil
}

// deliver logs a handler error. Handler errors do not stop the stream.
func (p *Parser) deliver(element string, err error) error {
	if err != nil && p.logger != nil {
		p.logger.Debug("wire: handler rejected element", "element", element, "error", err)
	}
	return nil
}

func (p *Parser) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn("wire: "+msg, args...)
	}
}
