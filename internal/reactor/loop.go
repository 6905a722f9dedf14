// Package reactor provides the single event-loop goroutine that owns all
// protocol state. Other goroutines (socket readers, REPL tasks, timers)
// never touch that state directly; they post closures onto the loop.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronologos/rrepl/internal/clock"
)

// Loop runs posted functions one at a time, in the order they were posted.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// New creates a loop driven by clk. Call Run to start it.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	return &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It never blocks and is safe from any
// goroutine. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish. It returns false if
// the loop stopped before fn ran. Calling it from the loop deadlocks.
func (l *Loop) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Run processes posted functions until ctx is cancelled or Stop is called.
// Functions still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
			select {
			case <-l.quit:
				return nil
			default:
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

// Stop asks Run to return after the function currently executing.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Now reads the loop's clock.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Clock returns the clock driving the loop's timers.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Timer is a pending AfterFunc or Every registration.
type Timer struct {
	mu        sync.Mutex
	t         clock.Timer
	cancelled atomic.Bool
}

func (t *Timer) set(ct clock.Timer) {
	t.mu.Lock()
	t.t = ct
	t.mu.Unlock()
}

// Stop cancels the timer. A callback already queued on the loop is
// skipped. Safe from any goroutine; safe on a nil Timer.
func (t *Timer) Stop() {
	if t == nil || t.cancelled.Swap(true) {
		return
	}
	t.mu.Lock()
	ct := t.t
	t.mu.Unlock()
	if ct != nil {
		ct.Stop()
	}
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.set(l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if !t.cancelled.Load() {
				fn()
			}
		})
	}))
	return t
}

// Every runs fn on the loop each time d elapses, until stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		panic("reactor: non-positive interval for Every")
	}
	t := &Timer{}
	var arm func()
	arm = func() {
		t.set(l.clock.AfterFunc(d, func() {
			if t.cancelled.Load() {
				return
			}
			arm()
			l.Post(func() {
				if !t.cancelled.Load() {
					fn()
				}
			})
		}))
	}
	arm()
	return t
}
