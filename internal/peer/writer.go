package peer

import (
	"io"
	"sync"
)

// writer drains encoded frames to the socket on its own goroutine so a slow
// peer never stalls the event loop. The destination can be swapped (plain
// to TLS) once everything queued for the old one has been written.
type writer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frames  [][]byte
	dst     io.Writer
	writing bool
	closed  bool
	err     error

	// onDone runs on the writer goroutine after the last write.
	onDone func(err error)
}

func newWriter(dst io.Writer, onDone func(error)) *writer {
	w := &writer{dst: dst, onDone: onDone}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *writer) run() {
	for {
		w.mu.Lock()
		for len(w.frames) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.frames) == 0 {
			w.mu.Unlock()
			w.onDone(nil)
			return
		}
		frames := w.frames
		w.frames = nil
		dst := w.dst
		w.writing = true
		w.mu.Unlock()

		var err error
		for _, f := range frames {
			if _, err = dst.Write(f); err != nil {
				break
			}
		}

		w.mu.Lock()
		w.writing = false
		if err != nil {
			w.err = err
			w.closed = true
			w.frames = nil
		}
		w.cond.Broadcast()
		w.mu.Unlock()
		if err != nil {
			w.onDone(err)
			return
		}
	}
}

func (w *writer) enqueue(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.frames = append(w.frames, frame)
	w.cond.Broadcast()
}

// drain blocks until every queued frame has been written.
func (w *writer) drain() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for (len(w.frames) > 0 || w.writing) && w.err == nil {
		w.cond.Wait()
	}
	return w.err
}

func (w *writer) swap(dst io.Writer) {
	w.mu.Lock()
	w.dst = dst
	w.mu.Unlock()
}

// finish stops the writer once queued frames are out. discard drops them
// instead.
func (w *writer) finish(discard bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if discard {
		w.frames = nil
	}
	w.cond.Broadcast()
}
