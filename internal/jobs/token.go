package jobs

import "sync/atomic"

// Token is a cooperative cancellation flag shared by the controller and one
// worker. Reads are lock-free.
type Token struct {
	cancelled  atomic.Bool
	generation atomic.Uint64
}

// NewToken returns an uncancelled token at generation zero.
func NewToken() *Token {
	return &Token{}
}

// Cancel marks the token cancelled. Repeated calls are no-ops.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// IsCancelled reports whether Cancel was called since the last Reset.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Generation identifies the job the token currently belongs to.
func (t *Token) Generation() uint64 {
	return t.generation.Load()
}

// Reset clears the flag and advances the generation. Callers must only reset
// once no worker is running against the current generation.
func (t *Token) Reset() uint64 {
	gen := t.generation.Add(1)
	t.cancelled.Store(false)
	return gen
}

// CancelledFor reports cancellation from the point of view of a worker bound
// to gen. A token that has moved on to another generation counts as cancelled.
func (t *Token) CancelledFor(gen uint64) bool {
	return t.generation.Load() != gen || t.cancelled.Load()
}
