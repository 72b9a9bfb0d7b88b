package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/devbus/devbus-go/pkg/log"
)

// DefaultTimeout bounds each network send and receive.
const DefaultTimeout = 5 * time.Second

// Connection errors.
var (
	// ErrConnectionLost indicates the peer closed the stream or a read
	// returned no data.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed indicates the connection was closed locally.
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is a line-oriented byte stream over a serial port, a network socket or
// any other io.ReadWriteCloser.
type Conn struct {
	rwc          io.ReadWriteCloser
	net          net.Conn
	port         serial.Port
	readTimeout  time.Duration
	writeTimeout time.Duration

	readMu  sync.Mutex
	reader  *LineReader
	polling bool
	writer  *LineWriter

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps rwc. Network connections get per-operation deadlines.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:          rwc,
		readTimeout:  DefaultTimeout,
		writeTimeout: DefaultTimeout,
		closed:       make(chan struct{}),
	}
	if nc, ok := rwc.(net.Conn); ok {
		c.net = nc
	}
	c.reader = NewLineReader(readerFunc(c.readRaw))
	c.writer = NewLineWriter(writerFunc(c.writeRaw))
	return c
}

// OpenSerial opens a serial device. A zero readTimeout blocks reads
// indefinitely.
func OpenSerial(path string, framing Framing, readTimeout time.Duration) (*Conn, error) {
	port, err := serial.Open(path, framing.Mode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	c := NewConn(port)
	c.port = port
	c.readTimeout = readTimeout
	return c, nil
}

// OpenTCP resolves host and connects to it.
func OpenTCP(ctx context.Context, host string, port int) (*Conn, error) {
	return dial(ctx, "tcp", host, port)
}

// OpenUDP resolves host and connects a datagram socket to it.
func OpenUDP(ctx context.Context, host string, port int) (*Conn, error) {
	return dial(ctx, "udp", host, port)
}

func dial(ctx context.Context, network, host string, port int) (*Conn, error) {
	d := net.Dialer{Timeout: DefaultTimeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return NewConn(nc), nil
}

// SetTimeout changes the per-operation deadlines of network connections.
// Zero disables them. Call it before the connection is in use.
func (c *Conn) SetTimeout(d time.Duration) {
	c.readTimeout = d
	c.writeTimeout = d
}

// SetReadTimeout changes only the read deadline. Protocol streams that idle
// for long periods disable it and keep the write deadline.
func (c *Conn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

// SetLogger traces every line read and every chunk written.
func (c *Conn) SetLogger(logger log.Logger, connID string) {
	c.reader.SetLogger(logger, connID)
	c.writer.SetLogger(logger, connID)
}

// RemoteAddr returns the peer address of network connections, or nil.
func (c *Conn) RemoteAddr() net.Addr {
	if c.net == nil {
		return nil
	}
	return c.net.RemoteAddr()
}

// ReadLine reads up to the next LF and strips the line terminator.
func (c *Conn) ReadLine() (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.reader.ReadLine()
}

// Read reads raw bytes.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.reader.Read(p)
}

// Write writes p.
func (c *Conn) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

// Printf formats and writes output.
func (c *Conn) Printf(format string, args ...any) error {
	return c.writer.Printf(format, args...)
}

// Poll reports whether input is ready within timeout. Streams that are
// neither sockets nor serial ports block until input arrives.
func (c *Conn) Poll(timeout time.Duration) (bool, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.reader.Buffered() > 0 {
		return true, nil
	}

	switch {
	case c.net != nil:
		if err := c.net.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, err
		}
		defer c.net.SetReadDeadline(time.Time{})
	case c.port != nil:
		if err := c.port.SetReadTimeout(timeout); err != nil {
			return false, err
		}
		defer c.restoreSerialTimeout()
	}

	c.polling = true
	err := c.reader.peek()
	c.polling = false
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return false, nil
	default:
		return false, err
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

// Done is closed when Close is called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) restoreSerialTimeout() {
	t := c.readTimeout
	if t <= 0 {
		t = serial.NoTimeout
	}
	_ = c.port.SetReadTimeout(t)
}

// readRaw applies the read deadline and maps empty reads to ErrConnectionLost.
// Callers hold readMu.
func (c *Conn) readRaw(p []byte) (int, error) {
	if c.net != nil && c.readTimeout > 0 && !c.polling {
		if err := c.net.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.rwc.Read(p)
	if n > 0 {
		return n, nil
	}
	select {
	case <-c.closed:
		return 0, ErrConnectionClosed
	default:
	}
	if err == nil {
		if c.port != nil {
			// A serial read that returns nothing has timed out.
			return 0, os.ErrDeadlineExceeded
		}
		return 0, ErrConnectionLost
	}
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return 0, err
}

func (c *Conn) writeRaw(p []byte) (int, error) {
	if c.net != nil && c.writeTimeout > 0 {
		if err := c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.rwc.Write(p)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
