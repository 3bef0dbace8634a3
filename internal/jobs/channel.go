package jobs

import (
	"sync"

	"stem-separator/internal/domain"
)

// ProgressChannel relays snapshots from one worker to one consumer.
//
// Unconsumed non-terminal snapshots are coalesced: a new one replaces a
// trailing non-terminal snapshot that has not been drained yet. A terminal
// snapshot is always kept and closes the channel to further sends.
type ProgressChannel struct {
	mu      sync.Mutex
	pending []domain.Snapshot
	closed  bool
	notify  chan<- struct{}
}

// NewProgressChannel creates an empty channel. notify, when non-nil, receives
// a non-blocking signal after each accepted send.
func NewProgressChannel(notify chan<- struct{}) *ProgressChannel {
	return &ProgressChannel{
		pending: make([]domain.Snapshot, 0, 2),
		notify:  notify,
	}
}

// Send enqueues snap and reports whether it was accepted. Sends after a
// terminal snapshot are refused.
func (c *ProgressChannel) Send(snap domain.Snapshot) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if n := len(c.pending); n > 0 && !c.pending[n-1].Terminal && !snap.Terminal {
		c.pending[n-1] = snap
	} else {
		c.pending = append(c.pending, snap)
	}
	if snap.Terminal {
		c.closed = true
	}
	c.mu.Unlock()

	if c.notify != nil {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// Drain removes and returns all pending snapshots in arrival order. It never
// waits; an empty channel yields nil.
func (c *ProgressChannel) Drain() []domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = make([]domain.Snapshot, 0, 2)
	return out
}

// Closed reports whether a terminal snapshot has been sent.
func (c *ProgressChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
