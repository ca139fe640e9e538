package reactor

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startTestServer(t *testing.T, threadNum int, opts ...ServerOption) (*Server, *Loop, chan struct{}) {
	t.Helper()
	baseLoop, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	allOpts := append([]ServerOption{WithThreadNum(threadNum)}, opts...)
	srv, err := NewServer(baseLoop, "127.0.0.1:0", "echotest", allOpts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetMessageCallback(func(c *Connection, buf *Buffer, _ time.Time) {
		c.Send([]byte(buf.RetrieveAllAsString()))
	})

	srv.Start()
	done := runLoopAsync(t, baseLoop)
	// Start() defers Listen() onto the base loop; give it a cycle.
	time.Sleep(20 * time.Millisecond)
	return srv, baseLoop, done
}

func TestServerEchoThreeClients(t *testing.T) {
	srv, baseLoop, done := startTestServer(t, 3)
	defer func() { baseLoop.Quit(); <-done }()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.ListenAddr())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()

			if _, err := conn.Write([]byte("ping\n")); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			buf := make([]byte, 16)
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := conn.Read(buf)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if string(buf[:n]) != "ping\n" {
				t.Errorf("echoed %q, want %q", buf[:n], "ping\n")
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return srv.ConnectionCount() == 0 })
}

func TestServerHalfClose(t *testing.T) {
	srv, baseLoop, done := startTestServer(t, 1)
	defer func() { baseLoop.Quit(); <-done }()

	const payloadSize = 1 << 20
	var totalReceived int64
	var writeCompleted int32
	srv.SetMessageCallback(func(c *Connection, buf *Buffer, _ time.Time) {
		n := buf.ReadableBytes()
		payload := buf.RetrieveAllAsString()
		atomic.AddInt64(&totalReceived, int64(n))
		c.Send([]byte(payload))
	})
	srv.SetWriteCompleteCallback(func(c *Connection) {
		// Every echoed chunk's drain fires this; only the drain of the
		// chunk that completes the full payload should trigger shutdown,
		// or the connection half-closes while the client is still
		// sending.
		if atomic.LoadInt64(&totalReceived) == payloadSize {
			atomic.StoreInt32(&writeCompleted, 1)
			c.Shutdown()
		}
	})

	conn, err := net.Dial("tcp", srv.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	received := make([]byte, 0, len(payload))
	buf := make([]byte, 64*1024)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(received) < len(payload) {
		n, err := conn.Read(buf)
		if n > 0 {
			received = append(received, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("read: %v (got %d of %d bytes)", err, len(received), len(payload))
		}
	}
	if len(received) != len(payload) {
		t.Fatalf("received %d bytes, want %d", len(received), len(payload))
	}

	// After the full echo, the server should shutdown(SHUT_WR); the
	// client should observe a clean EOF on its next read.
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected EOF after half-close, got n=%d err=%v", n, err)
	}
	if atomic.LoadInt32(&writeCompleted) == 0 {
		t.Fatal("writeCompleteCallback never fired")
	}
}

func TestServerBackpressureHighWaterFiresOnce(t *testing.T) {
	srv, baseLoop, done := startTestServer(t, 1)
	defer func() { baseLoop.Quit(); <-done }()

	const highWater = 64 * 1024 * 1024
	var fireCount int32
	var conn *Connection
	var connMu sync.Mutex
	srv.SetConnectionCallback(func(c *Connection) {
		if c.Connected() {
			c.SetHighWaterMarkCallback(func(*Connection, int) {
				atomic.AddInt32(&fireCount, 1)
			}, highWater)
			connMu.Lock()
			conn = c
			connMu.Unlock()
		}
	})

	netConn, err := net.Dial("tcp", srv.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer netConn.Close()

	waitFor(t, func() bool {
		connMu.Lock()
		defer connMu.Unlock()
		return conn != nil
	})

	// The client never reads, so the kernel socket buffer and then the
	// server's output Buffer both fill; 128 MiB in 1 MiB chunks should
	// cross the 64 MiB threshold exactly once.
	chunk := make([]byte, 1<<20)
	for i := 0; i < 128; i++ {
		connMu.Lock()
		c := conn
		connMu.Unlock()
		c.Send(chunk)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&fireCount) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&fireCount); got != 1 {
		t.Fatalf("highWaterCallback fired %d times, want exactly 1", got)
	}
}

func TestServerCrossThreadSendPreservesOrder(t *testing.T) {
	srv, baseLoop, done := startTestServer(t, 3)
	defer func() { baseLoop.Quit(); <-done }()

	var conn *Connection
	var connMu sync.Mutex
	srv.SetConnectionCallback(func(c *Connection) {
		if c.Connected() {
			connMu.Lock()
			conn = c
			connMu.Unlock()
		}
	})
	// Override the echo callback installed by startTestServer: this
	// scenario drives all writes from the base thread instead.
	srv.SetMessageCallback(func(*Connection, *Buffer, time.Time) {})

	netConn, err := net.Dial("tcp", srv.ListenAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer netConn.Close()

	waitFor(t, func() bool {
		connMu.Lock()
		defer connMu.Unlock()
		return conn != nil
	})
	connMu.Lock()
	c := conn
	connMu.Unlock()

	// conn is owned by a worker loop; every Send here originates from
	// this test goroutine, never the owning loop, so each call takes the
	// QueueInLoop path and must still preserve issue order.
	const n = 500
	for i := 0; i < n; i++ {
		c.Send([]byte{byte(i % 256)})
	}

	netConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	received := make([]byte, 0, n)
	buf := make([]byte, 4096)
	for len(received) < n {
		read, err := netConn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (got %d of %d)", err, len(received), n)
		}
		received = append(received, buf[:read]...)
	}
	for i := 0; i < n; i++ {
		if received[i] != byte(i%256) {
			t.Fatalf("byte %d = %d, want %d (ordering violated)", i, received[i], i%256)
		}
	}
}

func TestServerAcceptBurstRoundRobin(t *testing.T) {
	srv, baseLoop, done := startTestServer(t, 3)
	defer func() { baseLoop.Quit(); <-done }()

	const numClients = 30
	var wg sync.WaitGroup
	conns := make([]net.Conn, numClients)
	for i := 0; i < numClients; i++ {
		c, err := net.Dial("tcp", srv.ListenAddr())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns[i] = c
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	waitFor(t, func() bool { return srv.ConnectionCount() == numClients })

	seen := map[*Loop]int{}
	srv.mu.Lock()
	for _, c := range srv.connections {
		seen[c.Loop()]++
	}
	srv.mu.Unlock()

	if len(seen) != 3 {
		t.Fatalf("connections spread across %d loops, want 3", len(seen))
	}
	for l, n := range seen {
		if n < numClients/3-1 || n > numClients/3+1 {
			t.Fatalf("loop %p got %d connections, want roughly %d", l, n, numClients/3)
		}
	}
	wg.Wait()
}
