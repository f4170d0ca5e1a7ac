package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"gyrolink/pkg/protocol"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultChunkSize   = 10 * 1024
)

// Conn owns exactly one TCP stream. Send is safe for concurrent use;
// Receive is meant for a single reader goroutine. Close may be called
// from anywhere and unblocks both.
type Conn struct {
	addr         string
	conn         net.Conn
	writeTimeout time.Duration
	keepAlive    time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type Option func(*Conn)

// WithWriteTimeout bounds a single Send. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(c *Conn) {
		if d != 0 {
			c.keepAlive = d
		}
	}
}

// Dial opens a TCP stream to ep. It fails with an *OpError matching
// ErrTimeout, ErrRefused, ErrUnreachable or ErrOther if the stream is not
// established within timeout or before ctx ends.
func Dial(ctx context.Context, ep protocol.Endpoint, timeout time.Duration, opts ...Option) (*Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, &OpError{Op: "dial", Addr: ep.Address(), Kind: ErrOther, Err: err}
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	c := &Conn{
		addr:   ep.Address(),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := net.Dialer{Timeout: timeout, KeepAlive: c.keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		kind := classifyDial(err)
		if errors.Is(err, context.Canceled) {
			kind = ErrOther
		}
		return nil, &OpError{Op: "dial", Addr: c.addr, Kind: kind, Err: err}
	}
	c.conn = conn
	return c, nil
}

func (c *Conn) Addr() string {
	if c == nil {
		return ""
	}
	return c.addr
}

func (c *Conn) LocalAddr() net.Addr {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Send writes b in full or returns an error; a short write is reported
// as ErrBrokenPipe, never as success.
func (c *Conn) Send(b []byte) error {
	if c == nil || c.conn == nil || c.isClosed() {
		return &OpError{Op: "send", Addr: c.Addr(), Kind: ErrNotConnected}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Reset on every call so an earlier Interrupt does not leak into it.
	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	n, err := c.conn.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		kind := classifySend(err)
		if c.isClosed() {
			kind = ErrNotConnected
		}
		return &OpError{Op: "send", Addr: c.addr, Kind: kind, Err: err}
	}
	return nil
}

// Interrupt fails a Send that is blocked right now without closing the
// stream. Sends that start afterwards are unaffected.
func (c *Conn) Interrupt() {
	if c == nil || c.conn == nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now())
}

// Receive waits up to timeout for inbound data and returns at most max
// bytes. A timeout yields (nil, nil) so a polling caller can re-check its
// stop condition. Closure or failure returns an error.
func (c *Conn) Receive(max int, timeout time.Duration) ([]byte, error) {
	if c == nil || c.conn == nil || c.isClosed() {
		return nil, &OpError{Op: "receive", Addr: c.Addr(), Kind: ErrClosed, Err: net.ErrClosed}
	}
	if max <= 0 {
		max = DefaultChunkSize
	}
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, max)
	n, err := c.conn.Read(buf)
	if n > 0 {
		// Surface the data now; a trailing error repeats on the next call.
		return buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if isTimeout(err) && !c.isClosed() {
		return nil, nil
	}
	return nil, &OpError{Op: "receive", Addr: c.addr, Kind: classifyReceive(err), Err: err}
}

// Close releases the socket. It is idempotent and safe on a nil or
// never-connected Conn.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.closed != nil {
			close(c.closed)
		}
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	if c.closed == nil {
		return false
	}
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
