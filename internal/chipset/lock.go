package chipset

import (
	"context"
	"sync"
	"time"
)

// SharedLock serializes every mutation of device and interrupt-controller
// state. The guest CPU takes it around each dispatched access; asynchronous
// completion workers take it after their blocking wait returns.
type SharedLock struct {
	mu sync.Mutex
}

func (l *SharedLock) Lock()   { l.mu.Lock() }
func (l *SharedLock) Unlock() { l.mu.Unlock() }

// Do runs fn with the lock held.
func (l *SharedLock) Do(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// Async is one asynchronous completion source: a goroutine that blocks on a
// host event outside the shared lock and then takes the lock to publish the
// result.
type Async struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartAsync runs fn on a new goroutine. fn must return once ctx is done.
func StartAsync(parent context.Context, fn func(ctx context.Context)) *Async {
	ctx, cancel := context.WithCancel(parent)
	a := &Async{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		fn(ctx)
	}()
	return a
}

// Cancel asks the worker to exit without waiting. A worker blocked in host
// I/O only notices once its handle is closed.
func (a *Async) Cancel() {
	if a != nil {
		a.cancel()
	}
}

// Wait blocks until the worker has exited. The caller must not hold the
// shared lock.
func (a *Async) Wait() {
	if a != nil {
		<-a.done
	}
}

// Stop cancels the worker and waits for it to exit. The caller must not hold
// the shared lock. Stop on a nil Async is a no-op.
func (a *Async) Stop() {
	a.Cancel()
	a.Wait()
}

// Done is closed once the worker has exited.
func (a *Async) Done() <-chan struct{} {
	return a.done
}

// PollBounded calls fn up to attempts times, sleeping interval between calls,
// and reports whether fn ever returned true.
func PollBounded(attempts int, interval time.Duration, fn func() bool) bool {
	for i := 0; i < attempts; i++ {
		if fn() {
			return true
		}
		if i+1 < attempts {
			time.Sleep(interval)
		}
	}
	return false
}
