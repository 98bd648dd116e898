// Package device contains the serial drivers for the PICTURE-C instruments
// and the request/response connection they share.
package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MazinLab/picturec/internal/fault"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// readSlice bounds each blocking read so cancellation is noticed promptly.
const readSlice = 50 * time.Millisecond

// Port is the byte transport under a Conn. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// OpenSerial opens a serial device with 8N1 framing.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return p, nil
}

// Conn serializes commands to one instrument. Every Query writes a command
// and waits for exactly one reply before the timeout; concurrent callers
// queue on the mutex.
type Conn struct {
	name       string
	port       Port
	framer     Framer
	terminator string
	timeout    time.Duration
	logger     zerolog.Logger

	mu  sync.Mutex
	buf []byte
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithFramer replaces the default newline framing.
func WithFramer(f Framer) ConnOption {
	return func(c *Conn) { c.framer = f }
}

// WithTimeout sets the per-query response timeout.
func WithTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.timeout = d }
}

// WithTerminator sets the string appended to every command.
func WithTerminator(t string) ConnOption {
	return func(c *Conn) { c.terminator = t }
}

// WithLogger attaches a logger for wire-level debug output.
func WithLogger(l zerolog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// NewConn wraps port. name identifies the instrument in errors.
func NewConn(name string, port Port, opts ...ConnOption) *Conn {
	c := &Conn{
		name:       name,
		port:       port,
		framer:     NewLineReader('\n', DefaultMaxFrame),
		terminator: "\n",
		timeout:    500 * time.Millisecond,
		logger:     zerolog.Nop(),
		buf:        make([]byte, 128),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) Name() string { return c.name }

// Close closes the underlying port.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}

// Send writes a command that produces no reply.
func (c *Conn) Send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx, cmd)
}

// Query writes cmd and returns the next complete reply. Timeouts, transport
// failures and cancellation come back as *fault.DeviceIOError.
func (c *Conn) Query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A reply that arrived after an earlier timeout must not answer this
	// command.
	c.drain()

	if err := c.write(ctx, cmd); err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", c.ioErr(cmd, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", c.ioErr(cmd, ErrTimeout)
		}
		if remaining > readSlice {
			remaining = readSlice
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return "", c.ioErr(cmd, err)
		}

		n, err := c.port.Read(c.buf)
		if n > 0 {
			if replies := c.framer.Feed(c.buf[:n]); len(replies) > 0 {
				c.logger.Debug().Str("device", c.name).Str("cmd", cmd).Str("reply", replies[0]).Msg("query")
				return replies[0], nil
			}
		}
		if err != nil {
			return "", c.ioErr(cmd, err)
		}
	}
}

// drain discards unread input and any partial reply.
func (c *Conn) drain() {
	c.framer.Reset()
	if err := c.port.SetReadTimeout(time.Millisecond); err != nil {
		return
	}
	for i := 0; i < 64; i++ {
		n, err := c.port.Read(c.buf)
		if n == 0 || err != nil {
			break
		}
	}
	c.framer.Reset()
}

func (c *Conn) write(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return c.ioErr(cmd, err)
	}
	if _, err := c.port.Write([]byte(cmd + c.terminator)); err != nil {
		return c.ioErr(cmd, err)
	}
	return nil
}

func (c *Conn) ioErr(op string, err error) error {
	return &fault.DeviceIOError{Device: c.name, Op: op, Err: err}
}
