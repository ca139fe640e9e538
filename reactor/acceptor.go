package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// Acceptor owns the listening descriptor and lives entirely on the
// server's base loop: Channel dispatch guarantees accept() is only ever
// called from that loop's own thread, so no locking is needed around
// the listening fd itself.
type Acceptor struct {
	loop     *Loop
	listenFd int
	channel  *channel

	newConnectionCallback func(connFd int, peerAddr string)
}

// NewAcceptor builds a listening socket for addr and wraps it in a
// channel on loop. The channel is not registered with the poller until
// Listen enables reading on it.
func NewAcceptor(loop *Loop, addr string, reusePort bool) (*Acceptor, string, error) {
	fd, resolvedAddr, err := newListeningSocket(addr, reusePort)
	if err != nil {
		return nil, "", err
	}
	a := &Acceptor{loop: loop, listenFd: fd}
	a.channel = newChannel(loop, fd)
	a.channel.setReadCallback(a.handleRead)
	return a, resolvedAddr, nil
}

// SetNewConnectionCallback installs the hook invoked, on the base loop's
// thread, with each newly accepted descriptor and its peer address.
func (a *Acceptor) SetNewConnectionCallback(cb func(connFd int, peerAddr string)) {
	a.newConnectionCallback = cb
}

// Listen puts the socket into the listening state and starts watching it
// for incoming connections. Must be called from the base loop's thread.
func (a *Acceptor) Listen() error {
	if err := a.loop.AssertInLoopThread(); err != nil {
		return err
	}
	if err := unix.Listen(a.listenFd, unix.SOMAXCONN); err != nil {
		return err
	}
	a.channel.enableReading()
	return nil
}

func (a *Acceptor) handleRead(time.Time) {
	for {
		connFd, peerAddr, err := acceptConn(a.listenFd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				log.WithError(err).Warn("reactor: accept4 hit a descriptor limit")
				return
			case unix.ECONNABORTED, unix.EINTR:
				continue
			default:
				log.WithError(err).Error("reactor: accept4 failed")
				return
			}
		}
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peerAddr)
		} else {
			unix.Close(connFd)
		}
	}
}
