package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronologos/rrepl/internal/clock"
)

func startLoop(t *testing.T, clk clock.Clock) *Loop {
	t.Helper()
	l := New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t, nil)

	var got []int
	for i := range 100 {
		l.Post(func() { got = append(got, i) })
	}
	l.Call(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 runs, got %d", len(got))
	}
}

func TestPostFromManyGoroutines(t *testing.T) {
	l := startLoop(t, nil)

	counter := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 250 {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var total int
	l.Call(func() { total = counter })
	if total != 2000 {
		t.Fatalf("expected 2000, got %d", total)
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New(nil)
	go l.Run(context.Background())
	l.Stop()
	<-l.Done()

	if l.Post(func() {}) {
		t.Fatal("Post should fail after stop")
	}
	if l.Call(func() {}) {
		t.Fatal("Call should fail after stop")
	}
}

func TestStopFromInsideLoop(t *testing.T) {
	l := New(nil)
	ran := false
	l.Post(l.Stop)
	l.Post(func() { ran = true })
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Fatal("function queued after Stop should not run")
	}
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	l := startLoop(t, fake)

	fired := 0
	l.AfterFunc(15*time.Second, func() { fired++ })

	fake.Advance(14 * time.Second)
	l.Call(func() {})
	if fired != 0 {
		t.Fatal("fired early")
	}

	fake.Advance(time.Second)
	var got int
	l.Call(func() { got = fired })
	if got != 1 {
		t.Fatalf("expected 1 fire, got %d", got)
	}
}

func TestAfterFuncStop(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	l := startLoop(t, fake)

	fired := false
	timer := l.AfterFunc(time.Second, func() { fired = true })
	timer.Stop()
	fake.Advance(time.Minute)
	l.Call(func() {})
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	l := startLoop(t, fake)

	ticks := 0
	timer := l.Every(20*time.Second, func() { ticks++ })

	for range 3 {
		fake.Advance(20 * time.Second)
	}
	var got int
	l.Call(func() { got = ticks })
	if got != 3 {
		t.Fatalf("expected 3 ticks, got %d", got)
	}

	timer.Stop()
	fake.Advance(time.Minute)
	l.Call(func() { got = ticks })
	if got != 3 {
		t.Fatalf("ticked after stop: %d", got)
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected no armed timers, got %d", fake.Pending())
	}
}

func TestRunReturnsContextError(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
