package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// serverOptions holds the functional-option configuration for a Server;
// the idiomatic Go substitute for the single reuse-port enum plus the
// thread count and high-water tunables an application would otherwise
// have to set via separate setters before Start.
type serverOptions struct {
	reusePort     bool
	threadNum     int
	highWaterMark int
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverOptions)

// WithReusePort sets SO_REUSEPORT on the listening socket.
func WithReusePort() ServerOption {
	return func(o *serverOptions) { o.reusePort = true }
}

// WithThreadNum sets the worker thread count, equivalent to calling
// SetThreadNum before Start.
func WithThreadNum(n int) ServerOption {
	return func(o *serverOptions) { o.threadNum = n }
}

// WithHighWaterMark overrides the default 64 MiB high-water threshold
// applied to every connection this server creates.
func WithHighWaterMark(n int) ServerOption {
	return func(o *serverOptions) { o.highWaterMark = n }
}

// Server owns the acceptor and the worker pool, maps connection name to
// connection handle, and plumbs the application's callbacks onto every
// connection it creates.
type Server struct {
	baseLoop   *Loop
	name       string
	listenAddr string

	acceptor *Acceptor
	pool     *LoopThreadPool

	highWaterMark int

	mu          sync.Mutex
	connections map[string]*Connection
	nextConnID  int

	connectionCallback    func(*Connection)
	messageCallback       func(*Connection, *Buffer, time.Time)
	writeCompleteCallback func(*Connection)
	threadInitCallback    func(*Loop)

	started int32 // atomic bool
}

// NewServer builds the acceptor bound to listenAddr (on baseLoop) and a
// worker pool rooted at baseLoop. It does not start listening; call
// Start for that, then run baseLoop.Run().
func NewServer(baseLoop *Loop, listenAddr, name string, opts ...ServerOption) (*Server, error) {
	if listenAddr == "" {
		return nil, ErrEmptyListenAddr
	}

	var o serverOptions
	o.highWaterMark = defaultHighWaterMark
	for _, opt := range opts {
		opt(&o)
	}

	acceptor, resolvedAddr, err := NewAcceptor(baseLoop, listenAddr, o.reusePort)
	if err != nil {
		return nil, err
	}

	s := &Server{
		baseLoop:      baseLoop,
		name:          name,
		listenAddr:    resolvedAddr,
		acceptor:      acceptor,
		pool:          NewLoopThreadPool(baseLoop),
		highWaterMark: o.highWaterMark,
		connections:   make(map[string]*Connection),
	}
	if o.threadNum > 0 {
		s.pool.SetThreadNum(o.threadNum)
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetThreadNum sets the worker thread count. Must be called before Start.
func (s *Server) SetThreadNum(n int) { s.pool.SetThreadNum(n) }

func (s *Server) SetConnectionCallback(cb func(*Connection))     { s.connectionCallback = cb }
func (s *Server) SetMessageCallback(cb func(*Connection, *Buffer, time.Time)) {
	s.messageCallback = cb
}
func (s *Server) SetWriteCompleteCallback(cb func(*Connection)) { s.writeCompleteCallback = cb }
func (s *Server) SetThreadInitCallback(cb func(*Loop))          { s.threadInitCallback = cb }

// ListenAddr returns the resolved address the acceptor is bound to.
func (s *Server) ListenAddr() string { return s.listenAddr }

// ConnectionCount returns the number of connections currently in the
// server's map. Intended for tests and administrative introspection.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Start is idempotent: the second and later calls are no-ops. It starts
// the worker pool and defers the listening socket's transition into the
// listening state onto the base loop.
func (s *Server) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}
	s.pool.Start(s.threadInitCallback)
	s.baseLoop.RunInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			log.WithError(err).WithField("addr", s.listenAddr).Fatal("reactor: listen failed")
		}
	})
}

// newConnection is the acceptor's new-connection callback; it always
// runs on the base loop.
func (s *Server) newConnection(connFd int, peerAddr string) {
	loop := s.pool.NextLoop()
	localAddr := localAddrString(connFd)

	s.mu.Lock()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.listenAddr, s.nextConnID)
	s.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"conn": connName, "peer": peerAddr, "local": localAddr,
	}).Debug("reactor: new connection")

	conn := NewConnection(loop, connName, connFd, localAddr, peerAddr)
	conn.highWaterMark = s.highWaterMark
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	loop.RunInLoop(conn.connectEstablished)
}

// removeConnection is installed as every connection's close callback.
// It runs on the connection's owning worker loop and defers the actual
// map erase to the base loop, where the map is exclusively mutated.
func (s *Server) removeConnection(conn *Connection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *Server) removeConnectionInLoop(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	log.WithField("conn", conn.Name()).Debug("reactor: connection removed")

	// Enqueue rather than call inline: the channel currently dispatching
	// handleClose must unwind before connectDestroyed removes it.
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}
