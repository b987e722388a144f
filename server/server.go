// Package server implements the Server Session of spec §4.E: an accept
// loop, a bounded client-ID pool, a registry of active ClientConnections,
// broadcast/targeted send with disconnection reconciliation, and a poll
// surface for inbound messages.
package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/brineport/netframe/conn"
	"github.com/brineport/netframe/message"
	"github.com/brineport/netframe/neterr"
	"github.com/brineport/netframe/queue"
)

// ClientConnection is a registered, ID-bearing connection to one client.
// The application receives these through the OnClientConnected hook and
// from NextMessage, and may retain them across calls; the Server also holds one reference
// per active client, so a ClientConnection remains valid past its own
// disconnection.
type ClientConnection struct {
	id   uint32
	conn *conn.Conn
	used atomic.Bool // guards against reporting disconnection more than once
}

// ID returns the client's 32-bit id, allocated from the pool at accept
// time and freed on reconciliation.
func (c *ClientConnection) ID() uint32 { return c.id }

// SocketOpen reports whether the underlying socket is still open.
func (c *ClientConnection) SocketOpen() bool { return c.conn.Open() }

// RemoteAddr returns the client's remote address.
func (c *ClientConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Hooks are the application callbacks of spec §4.E. Any left nil get a
// harmless default (accept everyone, ignore disconnects, log via the
// standard logger), matching the teacher's top-level use of the stdlib
// logger. That default OnLog is the only place the package calls log.
type Hooks struct {
	// OnClientConnected returns false to reject a pending client.
	OnClientConnected func(*ClientConnection) bool
	// OnClientDisconnected is called at most once per registered client,
	// when reconciliation first observes its closed socket. Clients still
	// registered when Stop runs are not reported.
	OnClientDisconnected func(*ClientConnection)
	// OnLog receives human-readable diagnostics.
	OnLog func(string)
}

type inboundItem struct {
	conn *ClientConnection
	msg  *message.Message
}

// Server accepts many concurrent client connections over one listener.
type Server struct {
	hooks Hooks

	listenFunc func(network, addr string) (net.Listener, error)

	mu       sync.Mutex
	ln       net.Listener
	pool     *idPool
	registry map[uint32]*ClientConnection
	running  bool

	newConns *queue.Queue[*ClientConnection]
	incoming *queue.Queue[inboundItem]

	latchedErr atomic.Pointer[error]

	acceptWG sync.WaitGroup

	tlsConfig *tls.Config
}

// Option configures optional Server behavior at construction time.
type Option func(*Server)

// WithTLS wraps the listener Start opens in a TLS 1.3 server, the way
// the teacher's relay hardwires a TLS-only listener in front of its
// accept loop (see tlsutil.ServerConfig). Leaving it unset keeps the
// listener plain TCP.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// New constructs a Server with the given hooks. Start must be called
// before it accepts any connections.
func New(hooks Hooks, opts ...Option) *Server {
	if hooks.OnClientConnected == nil {
		hooks.OnClientConnected = func(*ClientConnection) bool { return true }
	}
	if hooks.OnClientDisconnected == nil {
		hooks.OnClientDisconnected = func(*ClientConnection) {}
	}
	if hooks.OnLog == nil {
		hooks.OnLog = func(s string) { log.Println(s) }
	}

	s := &Server{
		hooks:      hooks,
		listenFunc: net.Listen,
		registry:   make(map[uint32]*ClientConnection),
		newConns:   queue.New[*ClientConnection](),
		incoming:   queue.New[inboundItem](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds and listens on port, creates the ID pool of size
// maxClients, and starts the accept loop. It fails synchronously with a
// neterr.KindBind error on bind/listen failure. If WithTLS was supplied,
// the listener accepts only TLS 1.3 handshakes.
func (s *Server) Start(port int, maxClients int) error {
	ln, err := s.listenFunc("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return neterr.Bind(err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.ln = ln
	s.pool = newIDPool(maxClients)
	s.running = true
	s.mu.Unlock()

	s.acceptWG.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop marks the server non-running, closes every live client
// connection, closes the acceptor, joins the accept loop, and clears the
// registry, new-connections queue, incoming queue, and latched error. It
// is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln

	conns := make([]*ClientConnection, 0, len(s.registry))
	for _, cc := range s.registry {
		conns = append(conns, cc)
	}
	s.mu.Unlock()

	for _, cc := range conns {
		cc.conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.acceptWG.Wait()

	// Pending clients that were never drained by AcceptConnections still
	// hold an open socket and an allocated id; close and free both.
	for {
		cc, ok := s.newConns.PopFront()
		if !ok {
			break
		}
		cc.conn.Close()
		s.pool.Deallocate(cc.id)
	}

	s.mu.Lock()
	s.registry = make(map[uint32]*ClientConnection)
	s.mu.Unlock()

	s.incoming.Clear()
	s.latchedErr.Store(nil)
}

// AcceptConnections drains the new-connections queue. Each pending
// client is offered to OnClientConnected: on acceptance it is registered
// and its reader/writer are started; on rejection its socket is closed
// and its id returned to the pool.
func (s *Server) AcceptConnections() error {
	if err := s.takeLatchedError(); err != nil {
		return err
	}

	for {
		cc, ok := s.newConns.PopFront()
		if !ok {
			return nil
		}

		if s.hooks.OnClientConnected(cc) {
			s.mu.Lock()
			s.registry[cc.id] = cc
			s.mu.Unlock()
			cc.conn.Start()
			s.log("client %d registered from %s", cc.id, cc.RemoteAddr())
		} else {
			s.log("rejected: client %d (%s)", cc.id, neterr.KindRejected)
			cc.conn.Close()
			s.pool.Deallocate(cc.id)
		}
	}
}

// NextMessage pops an (owning ClientConnection, Message) pair from the
// incoming queue, propagating any latched error.
func (s *Server) NextMessage() (*ClientConnection, *message.Message, error) {
	if err := s.takeLatchedError(); err != nil {
		return nil, nil, err
	}
	item, ok := s.incoming.PopFront()
	if !ok {
		return nil, nil, nil
	}
	return item.conn, item.msg, nil
}

// AvailableMessages reports whether NextMessage has something to return.
func (s *Server) AvailableMessages() bool {
	return !s.incoming.Empty()
}

// SendMessage sends msg to cc. If cc's socket is no longer open, this
// performs disconnection reconciliation instead of sending.
func (s *Server) SendMessage(cc *ClientConnection, msg *message.Message) error {
	if err := s.takeLatchedError(); err != nil {
		return err
	}
	if !cc.SocketOpen() {
		s.reconcile(cc)
		return nil
	}
	cc.conn.Send(msg)
	return nil
}

// SendMessageBroadcast sends msg to every registered, open connection
// except those listed in except. Closed connections encountered along
// the way are reconciled in place.
func (s *Server) SendMessageBroadcast(msg *message.Message, except ...*ClientConnection) error {
	if err := s.takeLatchedError(); err != nil {
		return err
	}

	exceptSet := make(map[uint32]struct{}, len(except))
	for _, e := range except {
		if e != nil {
			exceptSet[e.id] = struct{}{}
		}
	}

	for _, cc := range s.snapshotRegistry() {
		if !cc.SocketOpen() {
			s.reconcile(cc)
			continue
		}
		if _, skip := exceptSet[cc.id]; skip {
			continue
		}
		cc.conn.Send(msg)
	}
	return nil
}

// CheckConnections scans the registry and reconciles any closed
// connection. Kept for symmetry with send/broadcast reconciliation per
// spec §9: it is redundant whenever the application sends or polls
// regularly, but matters if it does neither for a long interval.
func (s *Server) CheckConnections() error {
	if err := s.takeLatchedError(); err != nil {
		return err
	}
	for _, cc := range s.snapshotRegistry() {
		if !cc.SocketOpen() {
			s.reconcile(cc)
		}
	}
	return nil
}

func (s *Server) snapshotRegistry() []*ClientConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*ClientConnection, 0, len(s.registry))
	for _, cc := range s.registry {
		conns = append(conns, cc)
	}
	return conns
}

// reconcile invokes OnClientDisconnected exactly once for cc, frees its
// id, and removes it from the registry. It never runs on the I/O
// goroutines — only from SendMessage/SendMessageBroadcast/
// CheckConnections, all application-thread calls.
func (s *Server) reconcile(cc *ClientConnection) {
	if !cc.used.CompareAndSwap(false, true) {
		return
	}
	s.hooks.OnClientDisconnected(cc)
	s.pool.Deallocate(cc.id)
	s.mu.Lock()
	delete(s.registry, cc.id)
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !s.isRunning() {
				return
			}
			s.log("accept error: %v", err)
			continue
		}

		correlationID := uuid.NewString()
		s.log("accepted connection %s from %s", correlationID, nc.RemoteAddr())

		id, ok := s.pool.Allocate()
		if !ok {
			s.log("rejected: pool full (%s)", correlationID)
			_ = nc.Close()
			if !s.isRunning() {
				return
			}
			continue
		}

		cc := &ClientConnection{id: id}
		cc.conn = conn.New(nc,
			func(m *message.Message) { s.incoming.PushBack(inboundItem{cc, m}) },
			// Server-path read/write errors close the socket only; the
			// application observes the disconnection via reconciliation,
			// not via a latched session error (spec §7).
			func(error) {},
		)
		s.newConns.PushBack(cc)

		if !s.isRunning() {
			return
		}
	}
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) log(format string, args ...any) {
	s.hooks.OnLog(fmt.Sprintf(format, args...))
}

func (s *Server) takeLatchedError() error {
	p := s.latchedErr.Load()
	if p == nil {
		return nil
	}
	return *p
}
