package reactor

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAcceptorAcceptsAndInvokesCallback(t *testing.T) {
	loop, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	done := runLoopAsync(t, loop)
	defer func() { loop.Quit(); <-done }()

	a, addr, err := NewAcceptor(loop, "127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("NewAcceptor: %v", err)
	}

	var accepted int32
	var gotPeer string
	a.SetNewConnectionCallback(func(connFd int, peerAddr string) {
		atomic.AddInt32(&accepted, 1)
		gotPeer = peerAddr
		unix.Close(connFd)
	})

	listenDone := make(chan error, 1)
	loop.RunInLoop(func() { listenDone <- a.Listen() })
	if err := <-listenDone; err != nil {
		t.Fatalf("Listen: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return atomic.LoadInt32(&accepted) == 1 })
	if gotPeer == "" {
		t.Fatal("new-connection callback received an empty peer address")
	}
}

func TestAcceptorListenOffLoopThreadFails(t *testing.T) {
	loop, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	done := runLoopAsync(t, loop)
	defer func() { loop.Quit(); <-done }()

	a, _, err := NewAcceptor(loop, "127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("NewAcceptor: %v", err)
	}

	// Called from the test goroutine, not the loop's own thread.
	if err := a.Listen(); err != ErrForeignThread {
		t.Fatalf("Listen() off-loop = %v, want ErrForeignThread", err)
	}

	time.Sleep(10 * time.Millisecond)
}
