package reactor

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// connState is a Connection's position in its lifecycle state machine.
type connState int32

const (
	StateConnecting connState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s connState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// defaultHighWaterMark is the output buffer size, in bytes, above which
// the high-water callback fires.
const defaultHighWaterMark = 64 * 1024 * 1024

// Connection is the per-client state machine: one non-blocking socket,
// one channel, two buffers, and the user callbacks that drive and
// observe them. It is always owned by a worker loop (or the base loop,
// if the server was configured with zero worker threads); every method
// that touches socket, buffer, or channel state either runs on that
// loop already or hops onto it first.
type Connection struct {
	loop *Loop
	name string
	fd   int

	state int32 // connState, accessed via atomic

	channel *channel

	localAddr string
	peerAddr  string

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCallback    func(*Connection)
	messageCallback       func(*Connection, *Buffer, time.Time)
	writeCompleteCallback func(*Connection)
	highWaterCallback     func(*Connection, int)
	closeCallback         func(*Connection)
}

// NewConnection wraps an already-accepted, already non-blocking fd. The
// connection starts in StateConnecting; the server moves it onto its
// owning loop and calls connectEstablished before any callback fires.
func NewConnection(loop *Loop, name string, fd int, localAddr, peerAddr string) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		fd:            fd,
		state:         int32(StateConnecting),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	c.channel = newChannel(loop, fd)
	c.channel.setReadCallback(c.handleRead)
	c.channel.setWriteCallback(c.handleWrite)
	c.channel.setCloseCallback(c.handleClose)
	c.channel.setErrorCallback(c.handleError)
	return c
}

func (c *Connection) State() connState { return connState(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(s connState) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Connection) casState(old, next connState) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(old), int32(next))
}

func (c *Connection) Connected() bool      { return c.State() == StateConnected }
func (c *Connection) Name() string         { return c.name }
func (c *Connection) PeerAddress() string  { return c.peerAddr }
func (c *Connection) LocalAddress() string { return c.localAddr }
func (c *Connection) Loop() *Loop          { return c.loop }

func (c *Connection) SetConnectionCallback(cb func(*Connection))     { c.connectionCallback = cb }
func (c *Connection) SetMessageCallback(cb func(*Connection, *Buffer, time.Time)) {
	c.messageCallback = cb
}
func (c *Connection) SetWriteCompleteCallback(cb func(*Connection)) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback installs cb, fired (on the owning loop) the
// first time the output buffer's readable size crosses threshold bytes
// upward. It does not re-fire while the buffer stays above threshold,
// only on the next upward crossing after it has dropped back below.
func (c *Connection) SetHighWaterMarkCallback(cb func(*Connection, int), threshold int) {
	c.highWaterCallback = cb
	c.highWaterMark = threshold
}

// setCloseCallback is reserved for the Server: it is the hook that
// removes the connection from the server's map once handleClose fires.
func (c *Connection) setCloseCallback(cb func(*Connection)) { c.closeCallback = cb }

// Send queues data for transmission. Dropped silently if the connection
// is not currently connected, matching spec.md's "send after shutdown is
// a no-op" rule. Safe to call from any goroutine; data is copied before
// the call returns so the caller may reuse its slice immediately.
func (c *Connection) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	payload := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(payload) })
}

// Shutdown half-closes the connection for writing once any queued
// output has drained. A no-op unless currently connected.
func (c *Connection) Shutdown() {
	if c.casState(StateConnected, StateDisconnecting) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

// connectEstablished is called exactly once, on the owning loop, by the
// server after handing the connection off. It must not be called twice.
func (c *Connection) connectEstablished() {
	if err := c.loop.AssertInLoopThread(); err != nil {
		log.WithError(err).WithField("conn", c.name).Error("reactor: connectEstablished off the owning loop")
		return
	}
	c.setState(StateConnected)
	c.channel.tie(func() bool { return c.State() != StateDisconnected })
	c.channel.enableReading()

	if err := setKeepAlive(c.fd, true); err != nil {
		log.WithError(err).WithField("conn", c.name).Warn("reactor: SO_KEEPALIVE failed")
	}
	if err := setTCPNoDelay(c.fd, true); err != nil {
		log.WithError(err).WithField("conn", c.name).Warn("reactor: TCP_NODELAY failed")
	}

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is called exactly once, on the owning loop, by the
// server, after the close callback has had a chance to erase the map
// entry. It deregisters the channel and closes the underlying fd.
func (c *Connection) connectDestroyed() {
	if err := c.loop.AssertInLoopThread(); err != nil {
		log.WithError(err).WithField("conn", c.name).Error("reactor: connectDestroyed off the owning loop")
		return
	}
	if c.State() == StateConnected {
		c.setState(StateDisconnected)
		c.channel.disableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.remove()
	unix.Close(c.fd)
}

func (c *Connection) handleRead(receiveTime time.Time) {
	n, err := c.inputBuffer.readFd(c.fd)
	switch {
	case err != nil:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		log.WithError(err).WithField("conn", c.name).Error("reactor: read failed")
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.isWriting() {
		return
	}
	n, err := c.outputBuffer.writeFd(c.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		log.WithError(err).WithField("conn", c.name).Error("reactor: write failed")
		c.handleError()
		return
	}

	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.disableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose fires once, on readable zero-byte return or explicit peer
// hang-up, and drives the terminal state transition. The close callback
// (installed by the server) is responsible for the map erase and for
// deferring connectDestroyed so this dispatch can unwind first.
func (c *Connection) handleClose() {
	prev := c.State()
	if prev == StateDisconnected {
		return
	}
	c.setState(StateDisconnected)
	c.channel.disableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

// handleError only logs; it does not force a state transition. A
// genuine socket error surfaces again through the next readiness cycle
// as a hang-up or a zero-byte read, which do drive the transition; a
// failed read in handleRead only reaches this method.
func (c *Connection) handleError() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		log.WithError(err).WithField("conn", c.name).Error("reactor: socket error (unreadable)")
		return
	}
	log.WithField("conn", c.name).WithField("errno", errno).Error("reactor: socket error")
}

func (c *Connection) shutdownInLoop() {
	if !c.channel.isWriting() {
		if err := shutdownWrite(c.fd); err != nil {
			log.WithError(err).WithField("conn", c.name).Warn("reactor: shutdown(SHUT_WR) failed")
		}
	}
}

// sendInLoop implements spec.md's three-step send algorithm: try a
// direct write when nothing is already queued, fall back to buffering
// the remainder, and fire the high-water callback exactly once per
// upward crossing of the threshold.
func (c *Connection) sendInLoop(data []byte) {
	if c.State() == StateDisconnected {
		log.WithError(ErrConnClosed).WithField("conn", c.name).Warn("reactor: dropping queued send")
		return
	}

	written := 0
	faulted := false

	if !c.channel.isWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			written = n
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			written = 0
		case err == unix.EPIPE || err == unix.ECONNRESET:
			faulted = true
			log.WithError(err).WithField("conn", c.name).Warn("reactor: write faulted")
		default:
			faulted = true
			log.WithError(err).WithField("conn", c.name).Error("reactor: write failed")
		}

		if !faulted && written == len(data) && c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
	}

	if faulted {
		return
	}

	remaining := data[written:]
	if len(remaining) == 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	newLen := oldLen + len(remaining)
	if oldLen < c.highWaterMark && newLen >= c.highWaterMark && c.highWaterCallback != nil {
		cb := c.highWaterCallback
		c.loop.QueueInLoop(func() { cb(c, newLen) })
	}

	c.outputBuffer.Append(remaining)
	if !c.channel.isWriting() {
		c.channel.enableWriting()
	}
}
