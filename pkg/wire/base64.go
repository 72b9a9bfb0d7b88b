package wire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// BLOBLineRaw is the number of raw bytes encoded per BLOB line.
	BLOBLineRaw = 54

	// BLOBLineEncoded is the number of base64 characters per BLOB line.
	BLOBLineEncoded = 72
)

// ErrBadBase64 is returned for BLOB bodies that are not valid padded base64.
var ErrBadBase64 = errors.New("malformed base64")

// BLOBEncoder streams raw bytes as base64, one line per 54 raw bytes.
// Close flushes the final partial line.
type BLOBEncoder struct {
	w       io.Writer
	pending []byte
	line    [BLOBLineEncoded + 1]byte
	err     error
}

// NewBLOBEncoder returns an encoder writing lines to w.
func NewBLOBEncoder(w io.Writer) *BLOBEncoder {
	return &BLOBEncoder{w: w, pending: make([]byte, 0, BLOBLineRaw)}
}

// Write encodes p. Full lines are written as soon as they are complete.
func (e *BLOBEncoder) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n := len(p)
	for len(p) > 0 {
		take := BLOBLineRaw - len(e.pending)
		if take > len(p) {
			take = len(p)
		}
		e.pending = append(e.pending, p[:take]...)
		p = p[take:]
		if len(e.pending) == BLOBLineRaw {
			if err := e.flush(); err != nil {
				return n - len(p), err
			}
		}
	}
	return n, nil
}

// Close writes the final partial line, if any.
func (e *BLOBEncoder) Close() error {
	if e.err != nil {
		return e.err
	}
	if len(e.pending) > 0 {
		return e.flush()
	}
	return nil
}

func (e *BLOBEncoder) flush() error {
	n := base64.StdEncoding.EncodedLen(len(e.pending))
	base64.StdEncoding.Encode(e.line[:n], e.pending)
	e.line[n] = '\n'
	e.pending = e.pending[:0]
	if _, err := e.w.Write(e.line[:n+1]); err != nil {
		e.err = err
		return err
	}
	return nil
}

// EncodeBLOB returns data as wrapped base64 text.
func EncodeBLOB(data []byte) string {
	var buf bytes.Buffer
	enc := NewBLOBEncoder(&buf)
	_, _ = enc.Write(data)
	_ = enc.Close()
	return buf.String()
}

// DecodeBLOB decodes wrapped base64 text. Whitespace between characters is
// ignored; the padding must be exact.
func DecodeBLOB(text string) ([]byte, error) {
	compact := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case ' ', '\t', '\r', '\n':
		default:
			compact = append(compact, c)
		}
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(compact)))
	n, err := base64.StdEncoding.Strict().Decode(out, compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBase64, err)
	}
	return out[:n], nil
}
