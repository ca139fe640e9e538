package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goreactor/netcore/reactor/internal/eventfd"
)

// kPollTimeoutMs bounds how long a single epoll_wait call may block, so a
// loop that has nothing registered still wakes periodically (useful for
// tests and for noticing a Quit that raced the wakeup write).
const kPollTimeoutMs = 10000

// Loop is one reactor iteration bound to exactly one OS thread for its
// entire life: created on any goroutine, but from the moment Run is
// called, every other method must either be invoked from that same
// goroutine or go through RunInLoop/QueueInLoop.
type Loop struct {
	poller *epollPoller

	tid     int32 // Linux thread id, set once Run starts; 0 before then
	running int32 // atomic bool

	wakeupFD      *eventfd.EventFD
	wakeupChannel *channel

	mu                  sync.Mutex
	pendingTasks        []func()
	callingPendingTasks int32 // atomic bool, guards re-entrant queueInLoop wakeups

	activeChannels []*channel
	quit           int32 // atomic bool
}

// NewLoop constructs a Loop. The returned Loop does nothing until Run is
// called; Run must be called from the goroutine that will own it, and
// that goroutine should not be used for anything else afterward.
func NewLoop() (*Loop, error) {
	poller, err := newEpollPoller()
	if err != nil {
		return nil, err
	}
	efd, err := eventfd.New()
	if err != nil {
		poller.close()
		return nil, err
	}

	l := &Loop{poller: poller, wakeupFD: efd}
	l.wakeupChannel = newChannel(l, efd.Fd())
	l.wakeupChannel.setReadCallback(l.handleWakeup)
	l.wakeupChannel.enableReading()
	return l, nil
}

// Run pins the calling goroutine to its OS thread and runs the
// poll/dispatch cycle until Quit is called. It returns ErrLoopAlreadyRunning
// if called twice.
func (l *Loop) Run() error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return ErrLoopAlreadyRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	atomic.StoreInt32(&l.tid, int32(unix.Gettid()))

	log.WithField("tid", l.tid).Debug("reactor: loop started")

	for atomic.LoadInt32(&l.quit) == 0 {
		active, pollTime, err := l.poller.poll(kPollTimeoutMs)
		if err != nil {
			log.WithError(err).Error("reactor: epoll_wait failed")
			continue
		}
		l.activeChannels = active
		for _, c := range l.activeChannels {
			c.handleEvent(pollTime)
		}
		l.activeChannels = nil
		l.doPendingTasks()
	}

	log.WithField("tid", l.tid).Debug("reactor: loop stopping")
	return nil
}

// Quit asks the loop to stop. Safe to call from any goroutine; if called
// from outside the loop it wakes the loop so the quit flag is observed
// promptly instead of waiting out the poll timeout.
func (l *Loop) Quit() {
	atomic.StoreInt32(&l.quit, 1)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// IsInLoopThread reports whether the calling goroutine is running on the
// OS thread this loop's Run is executing on. Before Run has set the tid
// it always reports false.
func (l *Loop) IsInLoopThread() bool {
	tid := atomic.LoadInt32(&l.tid)
	return tid != 0 && tid == int32(unix.Gettid())
}

// AssertInLoopThread returns ErrForeignThread when called off the loop's
// own thread. Intended for methods that would otherwise touch
// loop-owned state unsynchronized.
func (l *Loop) AssertInLoopThread() error {
	if !l.IsInLoopThread() {
		return ErrForeignThread
	}
	return nil
}

// RunInLoop runs cb immediately if called from the loop's own thread, or
// queues it otherwise.
func (l *Loop) RunInLoop(cb func()) {
	if l.IsInLoopThread() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop always defers cb to run after the loop's current
// poll/dispatch pass, even when called from the loop's own thread
// (useful for callbacks that must not run reentrantly inside
// handleEvent). It wakes the loop when necessary: from another thread
// always, or from this thread while it is already draining its pending
// queue (a task queued by a running task runs on the next cycle, and the
// wakeup keeps that cycle's poll from blocking first).
func (l *Loop) QueueInLoop(cb func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, cb)
	l.mu.Unlock()

	if !l.IsInLoopThread() || atomic.LoadInt32(&l.callingPendingTasks) == 1 {
		l.wakeup()
	}
}

func (l *Loop) updateChannel(c *channel) { l.poller.updateChannel(c) }
func (l *Loop) removeChannel(c *channel) { l.poller.removeChannel(c) }

func (l *Loop) wakeup() {
	if err := l.wakeupFD.WriteEvent(1); err != nil {
		log.WithError(err).Warn("reactor: wakeup write failed")
	}
}

func (l *Loop) handleWakeup(time.Time) {
	if _, err := l.wakeupFD.ReadEvent(); err != nil {
		log.WithError(err).Warn("reactor: wakeup read failed")
	}
}

// doPendingTasks swaps the pending queue under the mutex, then runs the
// snapshot outside the lock so a task that calls back into QueueInLoop
// doesn't deadlock. Tasks queued while the snapshot runs go into the
// fresh queue and run on the next cycle.
func (l *Loop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.mu.Unlock()

	atomic.StoreInt32(&l.callingPendingTasks, 1)
	for _, task := range tasks {
		task()
	}
	atomic.StoreInt32(&l.callingPendingTasks, 0)
}
