package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// channelState tracks whether the multiplexer currently knows about a
// channel's descriptor: stateNew (never registered, or just removed),
// stateAdded (registered), stateDeleted (still in the poller's map, but
// its interest went empty and EPOLL_CTL_DEL has already been issued;
// re-enabling interest issues a fresh EPOLL_CTL_ADD).
type channelState int

const (
	stateNew channelState = iota
	stateAdded
	stateDeleted
)

const (
	eventNone  = uint32(0)
	eventRead  = uint32(unix.EPOLLIN | unix.EPOLLPRI)
	eventWrite = uint32(unix.EPOLLOUT)
)

// channel binds one descriptor to its interest mask, its last-returned
// event mask, and four event callbacks. A channel is created before its
// descriptor is registered with the multiplexer and destroyed after it
// is deregistered; it never closes the descriptor itself — whoever owns
// the fd (Connection, Acceptor, Loop's wakeup descriptor) does that.
type channel struct {
	loop    *Loop
	fd      int
	events  uint32
	revents uint32
	index   channelState

	// tieAlive, when non-nil, is consulted at the top of every
	// handleEvent: if it returns false the owning higher-level object
	// has been torn down and the callbacks are skipped. This is the Go
	// substitute for the original's weak_ptr-promote guard — see
	// DESIGN.md Open Question 1.
	tieAlive func() bool

	readCallback  func(t time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

func newChannel(loop *Loop, fd int) *channel {
	return &channel{loop: loop, fd: fd, index: stateNew}
}

func (c *channel) setReadCallback(cb func(time.Time)) { c.readCallback = cb }
func (c *channel) setWriteCallback(cb func())         { c.writeCallback = cb }
func (c *channel) setCloseCallback(cb func())         { c.closeCallback = cb }
func (c *channel) setErrorCallback(cb func())         { c.errorCallback = cb }

// tie arranges for handleEvent to skip dispatch once alive reports false.
func (c *channel) tie(alive func() bool) { c.tieAlive = alive }

func (c *channel) enableReading()  { c.events |= eventRead; c.update() }
func (c *channel) disableReading() { c.events &^= eventRead; c.update() }
func (c *channel) enableWriting()  { c.events |= eventWrite; c.update() }
func (c *channel) disableWriting() { c.events &^= eventWrite; c.update() }
func (c *channel) disableAll()     { c.events = eventNone; c.update() }

func (c *channel) isNoneEvent() bool { return c.events == eventNone }
func (c *channel) isWriting() bool   { return c.events&eventWrite != 0 }
func (c *channel) isReading() bool   { return c.events&eventRead != 0 }

func (c *channel) setRevents(revt uint32) { c.revents = revt }

func (c *channel) update() { c.loop.updateChannel(c) }
func (c *channel) remove() { c.loop.removeChannel(c) }

// handleEvent dispatches revents to callbacks in the order readable,
// writable, close, error. Hang-up coincident with readable data is
// treated as readable: drain first, the subsequent zero-byte read
// signals close on its own. Missing callbacks are silently skipped;
// callbacks may mutate this channel's own interest mask but must not
// destroy the channel itself.
func (c *channel) handleEvent(receiveTime time.Time) {
	if c.tieAlive != nil && !c.tieAlive() {
		return
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *channel) handleEventWithGuard(receiveTime time.Time) {
	if c.revents&uint32(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&uint32(unix.EPOLLOUT) != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
	if c.revents&uint32(unix.EPOLLHUP) != 0 && c.revents&uint32(unix.EPOLLIN) == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&uint32(unix.EPOLLERR) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
}
