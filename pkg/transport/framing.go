package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/devbus/devbus-go/pkg/log"
)

// Framing constants.
const (
	// DefaultMaxLineSize is the default maximum length of one line (64 KB).
	DefaultMaxLineSize = 65536

	// DefaultFraming is used when a serial device is opened without one.
	DefaultFraming = "9600-8N1"
)

// Framing errors.
var (
	// ErrLineTooLong indicates a line exceeded the maximum size. The partial
	// line is discarded.
	ErrLineTooLong = errors.New("line too long")

	// ErrBadFraming indicates an unparseable serial framing string.
	ErrBadFraming = errors.New("bad serial framing")
)

// Parity is the serial parity mode.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// String returns the framing letter.
func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	default:
		return "N"
	}
}

// Framing describes serial line settings.
type Framing struct {
	Baud     int
	DataBits int
	Parity   Parity
	StopBits int
}

// String returns the framing in "<baud>-<databits><parity><stopbits>" form.
func (f Framing) String() string {
	return fmt.Sprintf("%d-%d%s%d", f.Baud, f.DataBits, f.Parity, f.StopBits)
}

// ParseFraming parses "<baud>-<databits><parity><stopbits>", for example
// "9600-8N1" or "115200-7E2". The baud rate alone selects 8N1.
func ParseFraming(s string) (Framing, error) {
	s = strings.TrimSpace(s)
	baudText, rest, hasRest := strings.Cut(s, "-")
	baud, err := strconv.Atoi(baudText)
	if err != nil || baud <= 0 {
		return Framing{}, fmt.Errorf("%w: baud rate in %q", ErrBadFraming, s)
	}
	f := Framing{Baud: baud, DataBits: 8, Parity: ParityNone, StopBits: 1}
	if !hasRest {
		return f, nil
	}
	if len(rest) != 3 {
		return Framing{}, fmt.Errorf("%w: %q", ErrBadFraming, s)
	}

	if rest[0] < '5' || rest[0] > '8' {
		return Framing{}, fmt.Errorf("%w: data bits in %q", ErrBadFraming, s)
	}
	f.DataBits = int(rest[0] - '0')

	switch rest[1] {
	case 'N', 'n':
		f.Parity = ParityNone
	case 'E', 'e':
		f.Parity = ParityEven
	case 'O', 'o':
		f.Parity = ParityOdd
	default:
		return Framing{}, fmt.Errorf("%w: parity in %q", ErrBadFraming, s)
	}

	switch rest[2] {
	case '1':
		f.StopBits = 1
	case '2':
		f.StopBits = 2
	default:
		return Framing{}, fmt.Errorf("%w: stop bits in %q", ErrBadFraming, s)
	}
	return f, nil
}

// Mode converts the framing to serial port settings.
func (f Framing) Mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: f.Baud,
		DataBits: f.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch f.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	}
	if f.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

// LineReader reads LF-terminated lines. A trailing CR is stripped. A read
// that fails part way keeps the partial line for the next call.
type LineReader struct {
	br      *bufio.Reader
	maxSize int
	pending []byte

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewLineReader creates a line reader with the default maximum line size.
func NewLineReader(r io.Reader) *LineReader {
	return NewLineReaderWithMaxSize(r, DefaultMaxLineSize)
}

// NewLineReaderWithMaxSize creates a line reader with a custom max size.
func NewLineReaderWithMaxSize(r io.Reader, maxSize int) *LineReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxLineSize
	}
	return &LineReader{br: bufio.NewReader(r), maxSize: maxSize}
}

// SetLogger configures tracing for this reader.
// Pass nil to disable tracing.
func (lr *LineReader) SetLogger(logger log.Logger, connID string) {
	lr.logger = logger
	lr.connID = connID
}

// ReadLine returns the next line without its terminator.
func (lr *LineReader) ReadLine() (string, error) {
	for {
		frag, err := lr.br.ReadSlice('\n')
		lr.pending = append(lr.pending, frag...)
		if len(lr.pending) > lr.maxSize {
			lr.pending = lr.pending[:0]
			return "", fmt.Errorf("%w: > %d bytes", ErrLineTooLong, lr.maxSize)
		}
		switch {
		case err == nil:
			line := strings.TrimSuffix(strings.TrimSuffix(string(lr.pending), "\n"), "\r")
			lr.pending = lr.pending[:0]
			if lr.logger != nil {
				log.Emit(lr.logger, log.Event{
					ConnectionID: lr.connID,
					Direction:    log.DirectionIn,
					Layer:        log.LayerTransport,
					Category:     log.CategoryMessage,
					Frame:        log.NewFrameEvent([]byte(line)),
				})
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", err
		}
	}
}

// Buffered returns the number of bytes readable without blocking.
func (lr *LineReader) Buffered() int {
	return lr.br.Buffered() + len(lr.pending)
}

// Read reads raw bytes, draining buffered data first.
func (lr *LineReader) Read(p []byte) (int, error) {
	if len(lr.pending) > 0 {
		n := copy(p, lr.pending)
		lr.pending = lr.pending[n:]
		return n, nil
	}
	return lr.br.Read(p)
}

// peek blocks until at least one byte is buffered.
func (lr *LineReader) peek() error {
	if len(lr.pending) > 0 {
		return nil
	}
	_, err := lr.br.Peek(1)
	return err
}

// LineWriter writes formatted output. Writes from concurrent goroutines do
// not interleave.
type LineWriter struct {
	w  io.Writer
	mu sync.Mutex

	// Logging support (optional)
	logger log.Logger
	connID string
}

// NewLineWriter creates a line writer.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// SetLogger configures tracing for this writer.
// Pass nil to disable tracing.
func (lw *LineWriter) SetLogger(logger log.Logger, connID string) {
	lw.logger = logger
	lw.connID = connID
}

// Write writes p in one call to the underlying writer.
func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n, err := lw.w.Write(p)
	if err == nil && lw.logger != nil {
		log.Emit(lw.logger, log.Event{
			ConnectionID: lw.connID,
			Direction:    log.DirectionOut,
			Layer:        log.LayerTransport,
			Category:     log.CategoryMessage,
			Frame:        log.NewFrameEvent(p),
		})
	}
	return n, err
}

// Printf formats and writes one chunk of output.
func (lw *LineWriter) Printf(format string, args ...any) error {
	_, err := lw.Write([]byte(fmt.Sprintf(format, args...)))
	return err
}
