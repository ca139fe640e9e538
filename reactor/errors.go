package reactor

import "errors"

var (
	// ErrLoopAlreadyRunning is returned by Loop when Run is called a
	// second time on the same loop.
	ErrLoopAlreadyRunning = errors.New("reactor: loop already running")

	// ErrForeignThread is returned by operations that must run on a
	// specific loop's owning goroutine but were invoked from another.
	ErrForeignThread = errors.New("reactor: operation invoked off the owning loop")

	// ErrEmptyListenAddr is returned by Server construction when the
	// listen address is empty.
	ErrEmptyListenAddr = errors.New("reactor: empty listen address")

	// ErrAddrInUse wraps a bind failure caused by the listen address
	// already being in use by another socket.
	ErrAddrInUse = errors.New("reactor: address already in use")

	// ErrConnClosed identifies a queued send dropped because the
	// connection reached StateDisconnected before sendInLoop ran it.
	ErrConnClosed = errors.New("reactor: connection is not open")
)
