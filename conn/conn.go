// Package conn implements the per-socket asynchronous I/O state machine
// described in spec §4.C: a single outstanding read (header, then
// payload, then deliver, then re-arm), a single outstanding write driven
// by a FIFO outbound queue, and graceful, idempotent close.
//
// The source this was distilled from drives both directions from one
// completion-based I/O worker thread; Go's blocking-call-per-goroutine
// model makes the natural rendering two goroutines (reader, writer) per
// connection instead of one reactor loop, per the note in spec §9 that
// dispatch style is not part of the observable contract. Both goroutines
// terminate, and are joined, the moment the underlying socket is closed
// from either side.
package conn

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/brineport/netframe/message"
	"github.com/brineport/netframe/queue"
)

// DeliverFunc receives one fully assembled inbound Message. It is called
// from the reader goroutine; implementations must not block for long, and
// must not call back into the Conn synchronously.
type DeliverFunc func(*message.Message)

// ErrorFunc is invoked at most once, the first time a read or write
// completion observes an I/O error that closes the connection. It is
// never invoked for a caller-initiated Close.
type ErrorFunc func(error)

// Conn is one TCP (or TCP-like, e.g. TLS) socket wrapped in the framing
// state machine. The zero value is not usable; construct with New.
type Conn struct {
	nc     net.Conn
	outbox *queue.Queue[*message.Message]

	onDeliver DeliverFunc
	onIOError ErrorFunc

	open        atomic.Bool
	established atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps nc in a Conn. The reader and writer goroutines are not
// started until Start is called (spec §4.C: the reader is not armed
// until the accept handshake, respectively the connect attempt,
// completes).
func New(nc net.Conn, onDeliver DeliverFunc, onIOError ErrorFunc) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		nc:        nc,
		outbox:    queue.New[*message.Message](),
		onDeliver: onDeliver,
		onIOError: onIOError,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.open.Store(true)
	return c
}

// Start marks the connection established and arms the reader and writer
// loops. Callers must not call Start more than once.
func (c *Conn) Start() {
	c.established.Store(true)
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// Established reports whether Start has been called. It stays true after
// the socket closes; use Open to observe that.
func (c *Conn) Established() bool {
	return c.established.Load()
}

// Open reports whether the underlying socket is still open. Once false,
// it never becomes true again.
func (c *Conn) Open() bool {
	return c.open.Load()
}

// RemoteAddr returns the remote address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send enqueues a deep copy of msg for transmission. The caller retains
// ownership of msg. Sending on an already-closed connection is not an
// error here: the message is queued and silently dropped once the
// (already-stopped) writer observes the socket is closed, matching the
// no-raise policy in spec §4.C.
func (c *Conn) Send(msg *message.Message) {
	c.outbox.PushBack(msg.Clone())
}

// Close posts a close, closing the socket if still open, then waits for
// both I/O goroutines to exit. Close is idempotent and safe to call on a
// connection that was never Start-ed.
func (c *Conn) Close() {
	c.shutdown(nil, true)
	c.wg.Wait()
}

// shutdown is the single idempotent teardown path for both the
// caller-initiated Close and an I/O-error-triggered failure. Whichever
// caller wins the race decides whether onIOError fires.
func (c *Conn) shutdown(err error, intentional bool) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.cancel()
		_ = c.nc.Close()
		if !intentional && err != nil && c.onIOError != nil {
			c.onIOError(err)
		}
	})
}

func (c *Conn) fail(err error) {
	c.shutdown(err, false)
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	hdr := make([]byte, message.HeaderSize)
	for {
		if _, err := io.ReadFull(c.nc, hdr); err != nil {
			c.fail(errors.Wrap(err, "conn: read header"))
			return
		}

		id, size := message.DecodeHeader(hdr)
		msg := message.New(id)
		if size > 0 {
			payload := make([]byte, size)
			if _, err := io.ReadFull(c.nc, payload); err != nil {
				c.fail(errors.Wrap(err, "conn: read payload"))
				return
			}
			_ = msg.Append(payload)
		}

		// Deliver, even for an empty payload (spec §4.C: do not skip the
		// deliver step), then immediately re-arm by looping.
		if c.onDeliver != nil {
			c.onDeliver(msg)
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		msg, ok := c.outbox.PopFrontWait(c.ctx)
		if !ok {
			return
		}

		hdr := message.Header(msg.ID(), msg.PayloadSize())
		bufs := net.Buffers{append([]byte(nil), hdr[:]...)}
		if msg.PayloadSize() > 0 {
			bufs = append(bufs, msg.Payload())
		}

		if _, err := bufs.WriteTo(c.nc); err != nil {
			c.fail(errors.Wrap(err, "conn: write frame"))
			return
		}
	}
}
