package reactor

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"
)

// newListeningSocket builds a non-blocking, close-on-exec listening
// descriptor for addr ("host:port"). With reusePort, SO_REUSEPORT is set
// via go_reuseport so multiple processes (or, less commonly, multiple
// sockets in this one) can share the port for kernel-level load
// balancing; without it, a single stdlib listener is built and SO_REUSEADDR
// is left at Go's default.
//
// Either way the returned fd is a raw, independently-owned descriptor:
// the net.Listener used to build it is always closed before returning,
// so the reactor's own epoll registration is the only thing managing
// the descriptor's lifetime from here on.
func newListeningSocket(addr string, reusePort bool) (fd int, resolvedAddr string, err error) {
	var ln net.Listener
	if reusePort {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return 0, "", fmt.Errorf("%w: %s: %v", ErrAddrInUse, addr, err)
		}
		return 0, "", err
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return 0, "", fmt.Errorf("reactor: unexpected listener type %T for %q", ln, addr)
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	fd, err = dupCloexecNonblock(int(file.Fd()))
	if err != nil {
		return 0, "", err
	}
	return fd, ln.Addr().String(), nil
}

// dupCloexecNonblock duplicates fd and arranges for the duplicate to
// survive independent of the original (which the caller closes) while
// carrying close-on-exec and non-blocking flags, matching what
// accept4(..., SOCK_NONBLOCK|SOCK_CLOEXEC) would have given a freshly
// accepted connection.
func dupCloexecNonblock(fd int) (int, error) {
	newFd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(newFd, true); err != nil {
		unix.Close(newFd)
		return 0, err
	}
	return newFd, nil
}

// acceptConn accepts one pending connection off a listening descriptor,
// returning it already non-blocking and close-on-exec, plus the peer's
// address in "host:port" form.
func acceptConn(listenFd int) (connFd int, peerAddr string, err error) {
	connFd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, "", err
	}
	return connFd, sockaddrToString(sa), nil
}

func sockaddrToString(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(s.Addr[:]).String(), strconv.Itoa(s.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(s.Addr[:]).String(), strconv.Itoa(s.Port))
	default:
		return ""
	}
}

func localAddrString(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ""
	}
	return sockaddrToString(sa)
}

func setTCPNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

func setKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
