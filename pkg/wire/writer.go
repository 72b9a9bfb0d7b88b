package wire

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/model"
)

// Writer serializes protocol elements to one output stream. Each element is
// written and flushed under a single lock, so concurrent callers never
// interleave.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	frame  bytes.Buffer
	trace  log.Logger
	connID string
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 64*1024)}
}

// SetTrace reports every written element to l as a transport frame.
func (w *Writer) SetTrace(l log.Logger, connID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trace = l
	w.connID = connID
}

// Define writes a def*Vector element.
func (w *Writer) Define(p *model.Property, msg string, version model.Version) error {
	return w.element(func(b *bytes.Buffer) error {
		tag := "def" + p.Kind.String() + "Vector"
		fmt.Fprintf(b, "<%s device='%s' name='%s' group='%s' label='%s' perm='%s' state='%s'",
			tag, escape(p.Device), escape(p.Name), escape(p.Group), escape(p.Label), p.Perm, p.State)
		if p.Kind == model.KindSwitch {
			fmt.Fprintf(b, " rule='%s'", p.Rule)
		}
		if p.Hints != "" {
			fmt.Fprintf(b, " hints='%s'", escape(p.Hints))
		}
		writeMessageAttr(b, msg)
		b.WriteString(">\n")

		child := "def" + p.Kind.String()
		for _, it := range p.Items {
			switch v := it.Value.(type) {
			case *model.TextValue:
				fmt.Fprintf(b, "<%s name='%s' label='%s'>%s</%s>\n", child, escape(it.Name), escape(it.Label), escape(v.Text), child)
			case *model.NumberValue:
				fmt.Fprintf(b, "<%s name='%s' label='%s' format='%s' min='%s' max='%s' step='%s'",
					child, escape(it.Name), escape(it.Label), escape(v.Format), formatNumber(v.Min), formatNumber(v.Max), formatNumber(v.Step))
				if withTarget(p, version) {
					fmt.Fprintf(b, " target='%s'", formatNumber(v.Target))
				}
				fmt.Fprintf(b, ">%s</%s>\n", formatNumber(v.Value), child)
			case *model.SwitchValue:
				fmt.Fprintf(b, "<%s name='%s' label='%s'>%s</%s>\n", child, escape(it.Name), escape(it.Label), onOff(v.On), child)
			case *model.LightValue:
				fmt.Fprintf(b, "<%s name='%s' label='%s'>%s</%s>\n", child, escape(it.Name), escape(it.Label), v.State, child)
			case *model.BLOBValue:
				fmt.Fprintf(b, "<%s name='%s' label='%s'/>\n", child, escape(it.Name), escape(it.Label))
			}
		}
		fmt.Fprintf(b, "</%s>\n", tag)
		return nil
	})
}

// Update writes a set*Vector element. BLOB vectors are suppressed for mode
// Never and carry payloads only in state Ok.
func (w *Writer) Update(p *model.Property, msg string, version model.Version, mode BLOBMode) error {
	if p.Kind == model.KindBLOB && mode == BLOBNever {
		return nil
	}
	return w.element(func(b *bytes.Buffer) error {
		tag := "set" + p.Kind.String() + "Vector"
		fmt.Fprintf(b, "<%s device='%s' name='%s' state='%s'", tag, escape(p.Device), escape(p.Name), p.State)
		writeMessageAttr(b, msg)
		b.WriteString(">\n")

		if p.Kind == model.KindBLOB {
			if p.State == model.StateOk {
				if err := writeBLOBItems(b, w, p, mode); err != nil {
					return err
				}
			}
		} else {
			writeOneItems(b, p, version)
		}
		fmt.Fprintf(b, "</%s>\n", tag)
		return nil
	})
}

// Change writes a new*Vector element carrying the requested item values.
func (w *Writer) Change(p *model.Property) error {
	return w.element(func(b *bytes.Buffer) error {
		tag := "new" + p.Kind.String() + "Vector"
		fmt.Fprintf(b, "<%s device='%s' name='%s'>\n", tag, escape(p.Device), escape(p.Name))
		if p.Kind == model.KindBLOB {
			if err := writeBLOBItems(b, w, p, BLOBAlso); err != nil {
				return err
			}
		} else {
			writeOneItems(b, p, model.VersionLegacy)
		}
		fmt.Fprintf(b, "</%s>\n", tag)
		return nil
	})
}

// Delete writes a delProperty element. An empty name deletes the whole device.
func (w *Writer) Delete(device, name, msg string) error {
	return w.element(func(b *bytes.Buffer) error {
		fmt.Fprintf(b, "<delProperty device='%s'", escape(device))
		if name != "" {
			fmt.Fprintf(b, " name='%s'", escape(name))
		}
		writeMessageAttr(b, msg)
		b.WriteString("/>\n")
		return nil
	})
}

// Message writes a message element.
func (w *Writer) Message(device, msg string) error {
	return w.element(func(b *bytes.Buffer) error {
		b.WriteString("<message")
		if device != "" {
			fmt.Fprintf(b, " device='%s'", escape(device))
		}
		writeMessageAttr(b, msg)
		b.WriteString("/>\n")
		return nil
	})
}

// GetProperties writes a getProperties request. Empty device and name select
// everything.
func (w *Writer) GetProperties(version model.Version, device, name string) error {
	return w.element(func(b *bytes.Buffer) error {
		fmt.Fprintf(b, "<getProperties version='%s'", version)
		if device != "" {
			fmt.Fprintf(b, " device='%s'", escape(device))
		}
		if name != "" {
			fmt.Fprintf(b, " name='%s'", escape(name))
		}
		b.WriteString("/>\n")
		return nil
	})
}

// EnableBLOB writes an enableBLOB element.
func (w *Writer) EnableBLOB(device, name string, mode BLOBMode) error {
	return w.element(func(b *bytes.Buffer) error {
		b.WriteString("<enableBLOB")
		if device != "" {
			fmt.Fprintf(b, " device='%s'", escape(device))
		}
		if name != "" {
			fmt.Fprintf(b, " name='%s'", escape(name))
		}
		fmt.Fprintf(b, ">%s</enableBLOB>\n", mode)
		return nil
	})
}

// element builds one element in the frame buffer and writes it out. Large
// BLOB bodies are flushed from inside build through spill.
func (w *Writer) element(build func(b *bytes.Buffer) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.frame.Reset()
	if err := build(&w.frame); err != nil {
		return err
	}
	if err := w.spill(&w.frame); err != nil {
		return err
	}
	return w.bw.Flush()
}

// spill moves buffered bytes to the output. Callers hold w.mu.
func (w *Writer) spill(b *bytes.Buffer) error {
	if b.Len() == 0 {
		return nil
	}
	if w.trace != nil {
		log.Emit(w.trace, log.Event{
			ConnectionID: w.connID,
			Direction:    log.DirectionOut,
			Layer:        log.LayerTransport,
			Frame:        log.NewFrameEvent(b.Bytes()),
		})
	}
	_, err := b.WriteTo(w.bw)
	return err
}

func writeOneItems(b *bytes.Buffer, p *model.Property, version model.Version) {
	child := "one" + p.Kind.String()
	for _, it := range p.Items {
		switch v := it.Value.(type) {
		case *model.TextValue:
			fmt.Fprintf(b, "<%s name='%s'>%s</%s>\n", child, escape(it.Name), escape(v.Text), child)
		case *model.NumberValue:
			if withTarget(p, version) {
				fmt.Fprintf(b, "<%s name='%s' target='%s'>%s</%s>\n", child, escape(it.Name), formatNumber(v.Target), formatNumber(v.Value), child)
			} else {
				fmt.Fprintf(b, "<%s name='%s'>%s</%s>\n", child, escape(it.Name), formatNumber(v.Value), child)
			}
		case *model.SwitchValue:
			fmt.Fprintf(b, "<%s name='%s'>%s</%s>\n", child, escape(it.Name), onOff(v.On), child)
		case *model.LightValue:
			fmt.Fprintf(b, "<%s name='%s'>%s</%s>\n", child, escape(it.Name), v.State, child)
		}
	}
}

func writeBLOBItems(b *bytes.Buffer, w *Writer, p *model.Property, mode BLOBMode) error {
	for _, it := range p.Items {
		v := it.BLOB()
		if v == nil {
			continue
		}
		if mode == BLOBURL && v.URL != "" {
			fmt.Fprintf(b, "<oneBLOB name='%s' url='%s'/>\n", escape(it.Name), escape(v.URL))
			continue
		}
		fmt.Fprintf(b, "<oneBLOB name='%s' format='%s' size='%d'>\n", escape(it.Name), escape(v.Format), len(v.Data))
		if err := w.spill(b); err != nil {
			return err
		}
		enc := NewBLOBEncoder(w.bw)
		if _, err := enc.Write(v.Data); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		b.WriteString("</oneBLOB>\n")
	}
	return nil
}

func withTarget(p *model.Property, version model.Version) bool {
	return version >= model.Version2 && p.Perm != model.PermRO
}

func writeMessageAttr(b *bytes.Buffer, msg string) {
	if msg != "" {
		fmt.Fprintf(b, " message='%s'", escape(msg))
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func onOff(on bool) string {
	if on {
		return "On"
	}
	return "Off"
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
