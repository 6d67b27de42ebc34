package chipset

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollBoundedStopsAtBound(t *testing.T) {
	calls := 0
	ok := PollBounded(5, time.Microsecond, func() bool {
		calls++
		return false
	})
	if ok || calls != 5 {
		t.Fatalf("ok=%v calls=%d, want false/5", ok, calls)
	}

	calls = 0
	ok = PollBounded(5, time.Microsecond, func() bool {
		calls++
		return calls == 2
	})
	if !ok || calls != 2 {
		t.Fatalf("ok=%v calls=%d, want true/2", ok, calls)
	}
}

func TestAsyncStopWaitsForWorker(t *testing.T) {
	started := make(chan struct{})
	exited := false
	a := StartAsync(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		exited = true
	})
	<-started
	a.Stop()
	if !exited {
		t.Fatalf("Stop returned before the worker exited")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed")
	}

	var nilAsync *Async
	nilAsync.Stop()
}

func TestDefaultTimerFactoryStops(t *testing.T) {
	if DefaultTimerFactory(0, func() {}) != nil {
		t.Fatal("zero period returned a handle")
	}
	var ticks atomic.Int32
	h := DefaultTimerFactory(time.Millisecond, func() { ticks.Add(1) })
	if !PollBounded(200, time.Millisecond, func() bool { return ticks.Load() >= 3 }) {
		t.Fatal("timer never fired")
	}
	h.Stop()
	h.Stop()
	time.Sleep(5 * time.Millisecond)
	n := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if got := ticks.Load(); got != n {
		t.Fatalf("timer fired %d times after Stop", got-n)
	}
}
