package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const initialEventListSize = 16

// epollPoller wraps one epoll instance and the channels currently
// registered with it. It never touches application callbacks directly;
// poll only fills in each ready channel's revents and returns the slice
// for the owning Loop to dispatch.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*channel // fd -> channel, mirrors what the kernel thinks is registered
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEventListSize),
		channels: make(map[int]*channel),
	}, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

// poll blocks up to timeoutMs and returns the channels whose revents are
// now non-zero, alongside the time the wait returned. The event list
// doubles in size whenever the kernel fills it completely; the larger
// list takes effect on the next call, and since epoll is level-triggered
// any ready descriptors that did not fit are reported again then.
func (p *epollPoller) poll(timeoutMs int) ([]*channel, time.Time, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	receiveTime := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return nil, receiveTime, nil
		}
		return nil, receiveTime, err
	}

	active := make([]*channel, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.setRevents(ev.Events)
		active = append(active, ch)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return active, receiveTime, nil
}

// updateChannel registers a new channel (stateNew/stateDeleted -> add),
// updates an already-registered one (stateAdded -> mod), or disarms one
// whose interest just became empty (stateAdded, isNoneEvent -> del,
// transitioning it to stateDeleted rather than dropping it entirely, so
// re-enabling interest later is an add, not a fresh registration).
func (p *epollPoller) updateChannel(c *channel) {
	switch c.index {
	case stateNew, stateDeleted:
		if c.index == stateNew {
			p.channels[c.fd] = c
		}
		c.index = stateAdded
		p.ctl(unix.EPOLL_CTL_ADD, c)
	default:
		if c.isNoneEvent() {
			p.ctl(unix.EPOLL_CTL_DEL, c)
			c.index = stateDeleted
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, c)
		}
	}
}

// removeChannel deregisters a channel entirely. The caller must have
// already disabled all interest (isNoneEvent) before calling this.
func (p *epollPoller) removeChannel(c *channel) {
	delete(p.channels, c.fd)
	// The bug in the original poller assigned instead of compared here
	// (`if (index = kAdded)`), which made the EPOLL_CTL_DEL unconditional
	// and masked a double-remove. A channel already in stateDeleted has
	// no kernel registration left to remove.
	if c.index == stateAdded {
		p.ctl(unix.EPOLL_CTL_DEL, c)
	}
	c.index = stateNew
}

func (p *epollPoller) ctl(op int, c *channel) {
	ev := unix.EpollEvent{Events: c.events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(p.epfd, op, c.fd, &ev); err != nil {
		// EPOLL_CTL_DEL against a descriptor the kernel already dropped
		// (e.g. the peer closed and epoll auto-removed it) is harmless;
		// everything else is a programming error in channel bookkeeping.
		if op == unix.EPOLL_CTL_DEL {
			log.WithError(err).WithField("fd", c.fd).Warn("reactor: epoll_ctl(DEL) failed, ignoring")
			return
		}
		log.WithError(err).WithFields(map[string]interface{}{
			"fd": c.fd, "op": op,
		}).Fatal("reactor: epoll_ctl failed")
	}
}
