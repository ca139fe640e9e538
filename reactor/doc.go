// Package reactor implements a multi-reactor, non-blocking TCP server
// core: an epoll-based event loop, a round-robin pool of worker loops,
// and a per-connection state machine built on top of it.
//
// The design follows the one-loop-per-thread reactor pattern: a single
// base Loop runs on the caller's goroutine and owns the Acceptor, while N
// worker Loops each run pinned to their own OS thread and own a disjoint
// subset of live Connections. See DESIGN.md at the repository root for
// the line-by-line grounding of each component.
package reactor
