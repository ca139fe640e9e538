package reactor

import (
	"golang.org/x/sys/unix"
)

const (
	// cheapPrepend is the constant reserve kept free before readerIndex,
	// always available again immediately after retrieveAll.
	cheapPrepend = 8
	// initialBufferSize is the default usable (post-prepend) capacity of
	// a freshly constructed Buffer.
	initialBufferSize = 1024
	// overflowSize bounds the on-stack scatter-read overflow region used
	// by readFd, so a single readable event never costs more than two
	// syscalls regardless of how much data the kernel has buffered.
	overflowSize = 65536
)

// Buffer is a contiguous byte region with three indices:
// prependable [0, readerIndex), readable [readerIndex, writerIndex),
// writable [writerIndex, len(buf)). It backs both a connection's input
// and output queues.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, cheapPrepend+initialBufferSize),
		readerIndex: cheapPrepend,
		writerIndex: cheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int    { return b.writerIndex - b.readerIndex }
func (b *Buffer) WritableBytes() int    { return len(b.buf) - b.writerIndex }
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// peek returns the readable region without consuming it.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// retrieve advances readerIndex by n, or resets both indices to the
// prepend boundary if n consumes everything readable.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = cheapPrepend
	b.writerIndex = cheapPrepend
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// append copies data into the writable region, growing or compacting
// first via makeSpace if there isn't enough room.
func (b *Buffer) Append(data []byte) {
	if b.WritableBytes() < len(data) {
		b.makeSpace(len(data))
	}
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

// makeSpace either slides the readable region back to the prepend
// boundary (when the prependable+writable slack already covers len) or
// grows the underlying slice to fit (when it doesn't).
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+cheapPrepend {
		grown := make([]byte, b.writerIndex+n)
		copy(grown, b.buf[:b.writerIndex])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[cheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = cheapPrepend
	b.writerIndex = b.readerIndex + readable
}

// readFd performs a scatter read from fd: the writable region first,
// spilling into a 64 KiB overflow slice if the kernel has more ready
// than the buffer currently has room for. This bounds the syscall count
// to one readv regardless of burst size, and grows the buffer only when
// the overflow region was actually used.
func (b *Buffer) readFd(fd int) (int, error) {
	var overflow [overflowSize]byte
	writable := b.WritableBytes()

	iovs := [][]byte{b.buf[b.writerIndex:]}
	if writable < overflowSize {
		iovs = append(iovs, overflow[:])
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}

	switch {
	case n <= writable:
		b.writerIndex += n
	default:
		b.writerIndex = len(b.buf)
		b.Append(overflow[:n-writable])
	}
	return n, nil
}

// writeFd writes as much of the readable region as the kernel will
// accept in one call. The caller is responsible for retiring the bytes
// actually written via retrieve.
func (b *Buffer) writeFd(fd int) (int, error) {
	return unix.Write(fd, b.Peek())
}
