package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Send once the channel has been closed.
	ErrClosed = errors.New("ws: connection closed")

	// ErrRemoteClosed is the close cause when the client sent a close frame.
	ErrRemoteClosed = errors.New("ws: closed by peer")
)

// closeGrace bounds the close handshake write and any write still pending at close.
const closeGrace = time.Second

// pastDeadline is used to abort a pending write.
var pastDeadline = time.Unix(1, 0)

// Options tune a Conn.
type Options struct {
	WriteTimeout time.Duration // per-frame write bound; 0 means no bound beyond ctx
	MaxPayload   int64         // client frame limit; 0 means DefaultMaxPayload
	Logger       *slog.Logger
}

// Conn is an upgraded connection. Sends are serialised; a background reader
// answers pings, honours close frames and discards application data.
// Close is idempotent and safe to call from any goroutine.
type Conn struct {
	nc   net.Conn
	br   *bufio.Reader
	opts Options
	log  *slog.Logger

	wmu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error

	mu    sync.Mutex
	cause error
}

// NewConn takes ownership of an upgraded connection. br must be the reader the
// handshake consumed from so buffered client bytes are not lost.
func NewConn(nc net.Conn, br *bufio.Reader, opts Options) *Conn {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if br == nil {
		br = bufio.NewReader(nc)
	}

	c := &Conn{
		nc:   nc,
		br:   br,
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes payload as a single text frame. It returns once the frame is
// handed to the kernel, or fails if the write times out, ctx is cancelled or
// the channel is closed. A failed send closes the channel.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := c.write(ctx, OpText, payload); err != nil {
		return fmt.Errorf("ws: send: %w", err)
	}
	return nil
}

// Ping writes a ping frame.
func (c *Conn) Ping(ctx context.Context, payload []byte) error {
	return c.write(ctx, OpPing, payload)
}

func (c *Conn) write(ctx context.Context, op Opcode, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := AppendFrame(nil, true, op, payload)

	c.wmu.Lock()
	var deadline time.Time
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.nc.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetWriteDeadline(pastDeadline)
	})
	n, err := c.nc.Write(frame)
	stop()

	cancelled := err != nil && ctx.Err() != nil
	if cancelled && n > 0 && n < len(frame) {
		// Finish the frame so the going-away close that follows is readable.
		c.nc.SetWriteDeadline(time.Now().Add(closeGrace))
		c.nc.Write(frame[n:])
	}
	c.wmu.Unlock()

	if err == nil {
		return nil
	}
	select {
	case <-c.done:
		// Closed underneath us; report that rather than the deadline.
		return ErrClosed
	default:
	}
	if cancelled {
		err = ctx.Err()
		c.shutdown(err, CloseGoingAway, "server shutting down")
		return err
	}
	c.shutdown(err, 0, "")
	return err
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	return c.CloseWithStatus(CloseNormal, "")
}

// CloseWithStatus sends a close frame with the given code and closes the
// connection. Only the first call has any effect.
func (c *Conn) CloseWithStatus(code int, reason string) error {
	c.shutdown(ErrClosed, code, reason)
	return c.closeErr
}

// shutdown tears the connection down exactly once. A non-zero code sends a
// close frame first. Must not be called with wmu held.
func (c *Conn) shutdown(cause error, code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)

		// Bounds a pending write as well as our own close frame.
		c.nc.SetWriteDeadline(time.Now().Add(closeGrace))
		if code != 0 {
			c.wmu.Lock()
			c.nc.Write(AppendFrame(nil, true, OpClose, closePayload(code, reason)))
			c.wmu.Unlock()
		}
		c.closeErr = c.nc.Close()

		c.log.Debug("channel closed", "cause", cause, "code", code)
	})
}

// Done is closed when the channel is closed for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) readLoop() {
	for {
		f, err := ReadFrame(c.br, c.opts.MaxPayload)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.log.Warn("protocol error from client", "error", err)
				c.shutdown(err, CloseProtocolError, "")
				return
			}
			c.shutdown(err, 0, "")
			return
		}

		switch f.Opcode {
		case OpPing:
			if err := c.write(context.Background(), OpPong, f.Payload); err != nil {
				return
			}
		case OpPong:
		case OpClose:
			code, reason, err := parseClose(f.Payload)
			if err != nil {
				c.shutdown(err, CloseProtocolError, "")
				return
			}
			c.log.Debug("close from client", "code", code, "reason", reason)
			if code == CloseNoStatus {
				code = CloseNormal
			}
			c.shutdown(ErrRemoteClosed, code, "")
			return
		default:
			c.log.Debug("discarding client frame", "opcode", f.Opcode, "bytes", len(f.Payload))
		}
	}
}
