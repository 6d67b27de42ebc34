package chipset

import (
	"context"
	"time"
)

// TimerHandle cancels a running periodic timer.
type TimerHandle interface {
	Stop()
}

// TimerFactory starts cb every period and returns its handle, or nil when
// period is not positive. Devices take one so tests can fire expiries by
// hand. Callbacks run without the shared lock and take it themselves; Stop
// does not wait for a callback in progress, so it is safe under the lock.
type TimerFactory func(period time.Duration, cb func()) TimerHandle

type hostTicker struct {
	cancel context.CancelFunc
}

func (t *hostTicker) Stop() { t.cancel() }

// DefaultTimerFactory drives cb from a time.Ticker on its own goroutine.
func DefaultTimerFactory(period time.Duration, cb func()) TimerHandle {
	if period <= 0 || cb == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := time.NewTicker(period)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			// A tick racing with Stop is dropped.
			if ctx.Err() != nil {
				return
			}
			cb()
		}
	}()
	return &hostTicker{cancel: cancel}
}
