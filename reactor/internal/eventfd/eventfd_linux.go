// Package eventfd wraps the Linux eventfd(2) counter descriptor used to
// wake a blocked epoll_wait from another goroutine.
package eventfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking, close-on-exec event counter descriptor.
type EventFD struct {
	fd int
}

// New creates an eventfd initialized to zero.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Fd returns the underlying descriptor.
func (e *EventFD) Fd() int {
	return e.fd
}

// WriteEvent adds val to the kernel counter, making the descriptor
// readable. Concurrent writers are safe: the kernel accumulates values.
func (e *EventFD) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// ReadEvent drains the counter, returning its accumulated value and
// resetting it to zero. EAGAIN (nothing pending) is reported as an error
// so callers can distinguish a spurious wakeup from a real one.
func (e *EventFD) ReadEvent() (uint64, error) {
	var buf [8]byte
	for {
		n, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n != 8 {
			return 0, unix.EIO
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

// Close releases the descriptor.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
