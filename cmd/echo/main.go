// Command echo is a minimal reactor-core server: it echoes every byte
// it receives back to the sender on the connection it arrived on.
package main

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goreactor/netcore/reactor"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:8000", "listen address")
	threads := flag.Int("threads", 3, "worker thread count")
	reusePort := flag.Bool("reuseport", false, "set SO_REUSEPORT on the listening socket")
	flag.Parse()

	baseLoop, err := reactor.NewLoop()
	if err != nil {
		panic(err)
	}

	var opts []reactor.ServerOption
	opts = append(opts, reactor.WithThreadNum(*threads))
	if *reusePort {
		opts = append(opts, reactor.WithReusePort())
	}

	server, err := reactor.NewServer(baseLoop, *addr, "echo", opts...)
	if err != nil {
		panic(err)
	}

	server.SetConnectionCallback(func(c *reactor.Connection) {
		if c.Connected() {
			logrus.WithField("peer", c.PeerAddress()).Info("conn UP")
		} else {
			logrus.WithField("peer", c.PeerAddress()).Info("conn DOWN")
		}
	})
	server.SetMessageCallback(func(c *reactor.Connection, buf *reactor.Buffer, _ time.Time) {
		c.Send([]byte(buf.RetrieveAllAsString()))
	})

	server.Start()
	baseLoop.Run()
}
