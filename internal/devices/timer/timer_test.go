package timer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
)

type manualTimer struct {
	period  time.Duration
	cb      func()
	stopped bool
}

func (m *manualTimer) Stop() {
	m.stopped = true
}

func (m *manualTimer) Fire() {
	if m.stopped || m.cb == nil {
		return
	}
	m.cb()
}

type manualTimerFactory struct {
	timers []*manualTimer
}

func (m *manualTimerFactory) Factory(period time.Duration, cb func()) chipset.TimerHandle {
	timer := &manualTimer{period: period, cb: cb}
	m.timers = append(m.timers, timer)
	return timer
}

func (m *manualTimerFactory) last() *manualTimer {
	return m.timers[len(m.timers)-1]
}

type testIRQ struct {
	mu     sync.Mutex
	raised []intc.Source
}

func (r *testIRQ) RaiseInterrupt(src intc.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, src)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTimers() (*Timers, *manualTimerFactory, *testIRQ, *testClock) {
	factory := &manualTimerFactory{}
	irq := &testIRQ{}
	clock := &testClock{now: time.Unix(0, 0)}
	t := New(&chipset.SharedLock{}, irq, nil,
		WithClock(clock.Now),
		WithTimerFactory(factory.Factory),
		WithPCLK(1_000_000),
	)
	return t, factory, irq, clock
}

func mustWrite(t *testing.T, timers *Timers, off, v uint32) {
	t.Helper()
	if err := timers.Write32(off, v); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func TestTickDerivedFromPrescalerAndDivider(t *testing.T) {
	timers, _, _, _ := newTestTimers()
	mustWrite(t, timers, TCFG0, 0x0401) // prescaler0 1, prescaler1 4
	mustWrite(t, timers, TCFG1, 0x00030)
	// 1 MHz / 2 / 2
	if got := timers.tick(0); got != 4*time.Microsecond {
		t.Fatalf("timer0 tick = %v", got)
	}
	// 1 MHz / 2 / 16
	if got := timers.tick(1); got != 32*time.Microsecond {
		t.Fatalf("timer1 tick = %v", got)
	}
	// 1 MHz / 5 / 2
	if got := timers.tick(2); got != 10*time.Microsecond {
		t.Fatalf("timer2 tick = %v", got)
	}
}

func TestAutoReloadTimerRaisesRepeatedly(t *testing.T) {
	timers, factory, irq, clock := newTestTimers()
	mustWrite(t, timers, TCFG1, 0x3<<8) // timer2: divide by 16
	mustWrite(t, timers, TCNTB0+2*12, 999)
	mustWrite(t, timers, TCON, 1<<13)       // manual update
	mustWrite(t, timers, TCON, 1<<12|1<<15) // start, auto-reload
	if len(factory.timers) != 1 {
		t.Fatalf("expected one armed timer, got %d", len(factory.timers))
	}
	if got := factory.last().period; got != 1000*16*time.Microsecond {
		t.Fatalf("period = %v", got)
	}

	clock.advance(100 * 16 * time.Microsecond)
	if v, _ := timers.Read32(TCNTB0 + 2*12 + 8); v != 899 {
		t.Fatalf("TCNTO2 = %d, want 899", v)
	}

	for i := 0; i < 3; i++ {
		factory.last().Fire()
	}
	if len(irq.raised) != 3 || irq.raised[0] != intc.Timer2 {
		t.Fatalf("raised = %v", irq.raised)
	}
	if timers.Expiries(2) != 3 {
		t.Fatalf("expiries = %d", timers.Expiries(2))
	}
}

func TestOneShotTimerStops(t *testing.T) {
	timers, factory, irq, _ := newTestTimers()
	mustWrite(t, timers, TCNTB4, 10)
	mustWrite(t, timers, TCON, 1<<21)
	mustWrite(t, timers, TCON, 1<<20)
	h := factory.last()
	h.Fire()
	h.Fire()
	if len(irq.raised) != 1 || irq.raised[0] != intc.Timer4 {
		t.Fatalf("raised = %v", irq.raised)
	}
	if !h.stopped {
		t.Fatalf("one-shot timer still armed")
	}
	if v, _ := timers.Read32(TCNTO4); v != 0 {
		t.Fatalf("TCNTO4 = %d after expiry", v)
	}
}

func TestStopPausesCount(t *testing.T) {
	timers, factory, irq, clock := newTestTimers()
	mustWrite(t, timers, TCNTB0, 500)
	mustWrite(t, timers, TCON, 1<<1)
	mustWrite(t, timers, TCON, 1<<0)
	h := factory.last()

	clock.advance(200 * timers.tick(0))
	mustWrite(t, timers, TCON, 0)
	if v, _ := timers.Read32(TCNTO0); v != 300 {
		t.Fatalf("TCNTO0 = %d, want 300", v)
	}
	h.Fire()
	if len(irq.raised) != 0 {
		t.Fatalf("stopped timer raised %v", irq.raised)
	}
	clock.advance(time.Second)
	if v, _ := timers.Read32(TCNTO0); v != 300 {
		t.Fatalf("stopped timer counted to %d", v)
	}
}

func TestStaleExpiryIgnored(t *testing.T) {
	timers, factory, irq, _ := newTestTimers()
	mustWrite(t, timers, TCNTB0, 5)
	mustWrite(t, timers, TCON, 1<<1)
	mustWrite(t, timers, TCON, 1<<0|1<<3)
	stale := factory.last()
	mustWrite(t, timers, TCON, 0)
	mustWrite(t, timers, TCON, 1<<0|1<<3)

	// Calling the stale callback directly bypasses its stopped flag.
	stale.cb()
	if len(irq.raised) != 0 {
		t.Fatalf("stale expiry raised %v", irq.raised)
	}
	factory.last().Fire()
	if len(irq.raised) != 1 {
		t.Fatalf("current expiry not raised")
	}
}

func TestTCNTOIsReadOnly(t *testing.T) {
	timers, _, _, _ := newTestTimers()
	if err := timers.Write32(TCNTO0, 1); err == nil {
		t.Fatalf("write to TCNTO0 succeeded")
	}
	if _, err := timers.Read32(Size); err == nil {
		t.Fatalf("read past end succeeded")
	}
}

func TestCheckpointRearmsRunningTimer(t *testing.T) {
	timers, _, _, clock := newTestTimers()
	mustWrite(t, timers, TCNTB0+12, 400)
	mustWrite(t, timers, TCMPB0+12, 100)
	mustWrite(t, timers, TCON, 1<<9)
	mustWrite(t, timers, TCON, 1<<8|1<<11)
	clock.advance(150 * timers.tick(1))

	var buf bytes.Buffer
	if err := timers.SaveState(checkpoint.NewWriter(&buf)); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored, factory, irq, _ := newTestTimers()
	if err := restored.RestoreState(checkpoint.NewReader(&buf)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(factory.timers) != 1 {
		t.Fatalf("running timer not re-armed")
	}
	if v, _ := restored.Read32(TCNTB0 + 12 + 8); v != 250 {
		t.Fatalf("TCNTO1 = %d, want 250", v)
	}
	factory.last().Fire()
	if len(irq.raised) != 1 || irq.raised[0] != intc.Timer1 {
		t.Fatalf("raised = %v", irq.raised)
	}
	if v, _ := restored.Read32(TCNTB0 + 12 + 8); v != 400 {
		t.Fatalf("reload after restore = %d, want 400", v)
	}
}
