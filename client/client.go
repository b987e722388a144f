// Package client implements the Client Session of spec §4.D: one
// Connection Engine targeting a resolved endpoint, an incoming message
// queue drained by the application, and a latched I/O error.
package client

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/brineport/netframe/conn"
	"github.com/brineport/netframe/message"
	"github.com/brineport/netframe/neterr"
	"github.com/brineport/netframe/queue"
)

// Client owns exactly one Connection at a time. Construct with New; the
// zero value is not usable.
type Client struct {
	mu   sync.Mutex
	conn *conn.Conn

	incoming   *queue.Queue[*message.Message]
	latchedErr atomic.Pointer[error]

	// dialFunc is overridable in tests to avoid real sockets.
	dialFunc  func(network, addr string) (net.Conn, error)
	tlsConfig *tls.Config
}

// Option configures optional Client behavior at construction time.
type Option func(*Client)

// WithTLS upgrades every future Connect to a TLS 1.3 handshake over the
// dialed socket before the Connection Engine is started, the way
// tlsutil.ClientConfig is meant to be used against a server built with
// server.WithTLS. Leaving it unset keeps Connect plain TCP.
func WithTLS(cfg *tls.Config) Option {
	return func(cl *Client) { cl.tlsConfig = cfg }
}

// New returns a never-connected Client.
func New(opts ...Option) *Client {
	cl := &Client{
		incoming: queue.New[*message.Message](),
		dialFunc: net.Dial,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Connect resolves host:port via the platform resolver, dials it, and
// starts the Connection Engine. It fails synchronously with a
// neterr.KindResolve or neterr.KindConnect error. Connect may be called
// again only after Disconnect.
func (cl *Client) Connect(host string, port int) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.conn != nil {
		return neterr.Connect(errNotDisconnected)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return neterr.Resolve(err)
	}

	nc, err := cl.dialFunc("tcp", tcpAddr.String())
	if err != nil {
		return neterr.Connect(err)
	}
	if cl.tlsConfig != nil {
		tlsConn := tls.Client(nc, cl.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			_ = nc.Close()
			return neterr.Connect(err)
		}
		nc = tlsConn
	}

	cl.incoming.Clear()
	cl.latchedErr.Store(nil)

	c := conn.New(nc, cl.onDeliver, cl.onIOError)
	cl.conn = c
	c.Start()
	return nil
}

// Disconnect posts a close on the connection, joins its I/O goroutines,
// drops the connection, and clears the incoming queue and latched error.
// It is idempotent and safe on a never-connected Client.
func (cl *Client) Disconnect() {
	cl.mu.Lock()
	c := cl.conn
	cl.conn = nil
	cl.mu.Unlock()

	if c != nil {
		c.Close()
	}
	cl.incoming.Clear()
	cl.latchedErr.Store(nil)
}

// Close is an alias for Disconnect so Client satisfies io.Closer.
func (cl *Client) Close() error {
	cl.Disconnect()
	return nil
}

// ConnectionEstablished reports whether the async connect has completed,
// and propagates any latched I/O error from the Connection Engine.
func (cl *Client) ConnectionEstablished() (bool, error) {
	if err := cl.takeLatchedError(); err != nil {
		return false, err
	}
	cl.mu.Lock()
	c := cl.conn
	cl.mu.Unlock()
	return c != nil && c.Established(), nil
}

// AvailableMessages reports whether NextMessage has something to return.
func (cl *Client) AvailableMessages() bool {
	return !cl.incoming.Empty()
}

// NextMessage pops one inbound Message, propagating any latched I/O
// error. Calling it when AvailableMessages is false returns (nil, nil).
func (cl *Client) NextMessage() (*message.Message, error) {
	if err := cl.takeLatchedError(); err != nil {
		return nil, err
	}
	msg, _ := cl.incoming.PopFront()
	return msg, nil
}

// SendMessage forwards msg to the connection's send path. If the client
// is not yet connected, the message is silently dropped, mirroring the
// no-raise policy for an already-closed socket (spec §4.C).
func (cl *Client) SendMessage(msg *message.Message) {
	cl.mu.Lock()
	c := cl.conn
	cl.mu.Unlock()
	if c == nil {
		return
	}
	c.Send(msg)
}

func (cl *Client) onDeliver(msg *message.Message) {
	cl.incoming.PushBack(msg)
}

func (cl *Client) onIOError(err error) {
	wrapped := neterr.IO(err)
	cl.latchedErr.Store(&wrapped)
}

func (cl *Client) takeLatchedError() error {
	p := cl.latchedErr.Load()
	if p == nil {
		return nil
	}
	return *p
}

var errNotDisconnected = notDisconnectedError{}

type notDisconnectedError struct{}

func (notDisconnectedError) Error() string {
	return "client: already connected; call Disconnect first"
}
