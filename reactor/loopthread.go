package reactor

import "sync"

// LoopThread owns exactly one OS thread for exactly one Loop's lifetime.
// StartLoop spawns the goroutine and blocks the caller until the new
// Loop has been constructed and is about to enter Run (which pins the
// goroutine to its OS thread), so StartLoop never returns a nil loop.
type LoopThread struct {
	mu      sync.Mutex
	cond    *sync.Cond
	loop    *Loop
	initCb  func(*Loop)
	started bool
}

// NewLoopThread constructs a LoopThread. initCb, if non-nil, runs on the
// goroutine that will run the new loop, before Run pins it to an OS
// thread and starts polling (so IsInLoopThread reports false inside
// initCb) — the place to register callbacks that must not race the
// first epoll_wait.
func NewLoopThread(initCb func(*Loop)) *LoopThread {
	t := &LoopThread{initCb: initCb}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the owning goroutine and returns once its Loop exists.
func (t *LoopThread) StartLoop() *Loop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *LoopThread) threadFunc() {
	loop, err := NewLoop()
	if err != nil {
		log.WithError(err).Fatal("reactor: failed to construct loop for thread")
	}

	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	if err := loop.Run(); err != nil {
		log.WithError(err).Error("reactor: loop thread exited with error")
	}
}
