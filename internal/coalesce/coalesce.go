// Package coalesce batches subprocess output into fewer ShellData messages.
//
// A shell command like `cat bigfile` produces many small PTY reads. The
// Coalescer accumulates them and emits a batch when:
//
//   - the deadline expires (measured from the first byte in the batch and
//     not reset by later adds: deadline semantics, not debounce)
//   - the threshold is reached
//   - Flush is called, as when the subprocess exits
package coalesce

import (
	"sync"
	"time"

	"github.com/chronologos/rrepl/internal/clock"
)

const (
	// Delay is the coalescing deadline from the first byte in a batch.
	Delay = 2 * time.Millisecond

	// Threshold triggers an immediate emit.
	Threshold = 32 * 1024
)

// Coalescer accumulates bytes and hands batches to an emit function. It is
// safe for concurrent use; emit is called with the Coalescer locked, so
// batches are emitted in order and emit must not call back into it.
type Coalescer struct {
	clock clock.Clock
	emit  func([]byte)

	mu      sync.Mutex
	buf     []byte
	timer   clock.Timer
	batch   uint64
	stopped bool
}

// New creates a Coalescer that passes each batch to emit. A nil clock
// means wall-clock time.
func New(clk clock.Clock, emit func([]byte)) *Coalescer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coalescer{
		clock: clk,
		emit:  emit,
		buf:   make([]byte, 0, Threshold+4096),
	}
}

// Add appends data, arming the deadline on the first byte of a batch. It
// reports whether the threshold was hit, in which case the batch has
// already been emitted.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}

	if len(c.buf) == 0 {
		batch := c.batch
		c.timer = c.clock.AfterFunc(Delay, func() { c.deadline(batch) })
	}
	c.buf = append(c.buf, data...)
	if len(c.buf) >= Threshold {
		c.flushLocked()
		return true
	}
	return false
}

// deadline fires for a specific batch; a late timer for an already flushed
// batch does nothing.
func (c *Coalescer) deadline(batch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if batch != c.batch || c.stopped {
		return
	}
	c.flushLocked()
}

// Flush emits whatever is buffered.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.batch++
	if len(c.buf) == 0 {
		return
	}
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	c.emit(out)
}

// Stop flushes the remaining bytes and disables the Coalescer.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.flushLocked()
	c.stopped = true
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
