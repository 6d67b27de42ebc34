// Package timer emulates the five S3C2410 PWM timers.
//
// Each timer counts down from its latched count at PCLK/(prescaler+1)/divider
// and raises its interrupt source when it passes zero. Countdowns run on host
// time: a started timer arms a host ticker for the expiry, and the ticker
// callback takes the shared lock before touching any state.
package timer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
)

// Register offsets.
const (
	TCFG0  = 0x00
	TCFG1  = 0x04
	TCON   = 0x08
	TCNTB0 = 0x0c
	TCMPB0 = 0x10
	TCNTO0 = 0x14
	TCNTB4 = 0x3c
	TCNTO4 = 0x40

	Size = 0x44

	// DefaultPCLK is the peripheral clock of the SMDK2410 at 200 MHz FCLK.
	DefaultPCLK = 50_000_000

	// NumTimers is the number of PWM timers.
	NumTimers = 5
)

const (
	deviceID     = "pwm"
	stateVersion = 1

	countMask = 0xffff

	// minPeriod bounds how fast a host ticker may fire.
	minPeriod = 100 * time.Microsecond
)

var stateTag = checkpoint.TagOf("PWMT")

// Interrupts is the part of the interrupt controller the timers drive.
type Interrupts interface {
	RaiseInterrupt(src intc.Source) error
}

type channel struct {
	cntb uint32
	cmpb uint32
	cnt  uint32
	cmp  uint32

	running bool
	start   time.Time
	period  time.Duration
	handle  chipset.TimerHandle
	gen     uint64

	expiries uint64
}

// Timers is the PWM timer block.
type Timers struct {
	lock *chipset.SharedLock
	irq  Interrupts
	halt chipset.Halter

	now     func() time.Time
	factory chipset.TimerFactory
	pclk    uint32

	tcfg0 uint32
	tcfg1 uint32
	tcon  uint32
	ch    [NumTimers]channel
}

// Option customises the timer block, mainly for tests.
type Option func(*Timers)

// WithClock overrides the time base used to compute counter state.
func WithClock(now func() time.Time) Option {
	return func(t *Timers) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTimerFactory injects the factory used to arm expiries.
func WithTimerFactory(factory chipset.TimerFactory) Option {
	return func(t *Timers) {
		if factory != nil {
			t.factory = factory
		}
	}
}

// WithPCLK sets the peripheral clock frequency in Hz.
func WithPCLK(hz uint32) Option {
	return func(t *Timers) {
		if hz != 0 {
			t.pclk = hz
		}
	}
}

// New returns the timer block. Expiry callbacks take lock before raising
// interrupts through irq.
func New(lock *chipset.SharedLock, irq Interrupts, halt chipset.Halter, opts ...Option) *Timers {
	if halt == nil {
		halt = chipset.HaltFunc(nil)
	}
	t := &Timers{
		lock:    lock,
		irq:     irq,
		halt:    halt,
		now:     time.Now,
		factory: chipset.DefaultTimerFactory,
		pclk:    DefaultPCLK,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DeviceID implements chipset.Device.
func (t *Timers) DeviceID() string { return deviceID }

// PowerOff implements chipset.PowerOffer.
func (t *Timers) PowerOff() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	for n := range t.ch {
		t.disarm(n)
	}
	return nil
}

// Reset implements chipset.Resetter.
func (t *Timers) Reset() error {
	for n := range t.ch {
		t.disarm(n)
		t.ch[n] = channel{gen: t.ch[n].gen}
	}
	t.tcfg0 = 0
	t.tcfg1 = 0
	t.tcon = 0
	return nil
}

// tconShift returns the position of timer n's field in TCON.
func tconShift(n int) uint {
	if n == 0 {
		return 0
	}
	return uint(4 + 4*n)
}

func tconStart(tcon uint32, n int) bool {
	return tcon&(1<<tconShift(n)) != 0
}

func tconManualUpdate(tcon uint32, n int) bool {
	return tcon&(1<<(tconShift(n)+1)) != 0
}

func tconAutoReload(tcon uint32, n int) bool {
	if n == 4 {
		return tcon&(1<<(tconShift(n)+2)) != 0
	}
	return tcon&(1<<(tconShift(n)+3)) != 0
}

// tick returns the duration of one count of timer n.
func (t *Timers) tick(n int) time.Duration {
	prescaler := t.tcfg0 & 0xff
	if n >= 2 {
		prescaler = (t.tcfg0 >> 8) & 0xff
	}
	mux := (t.tcfg1 >> (4 * n)) & 0xf
	divider := uint64(16)
	if mux < 4 {
		divider = 2 << mux
	}
	return time.Duration(uint64(time.Second) * uint64(prescaler+1) * divider / uint64(t.pclk))
}

func (t *Timers) arm(n int) {
	c := &t.ch[n]
	t.disarm(n)
	c.running = true
	c.start = t.now()
	c.period = time.Duration(c.cnt+1) * t.tick(n)
	if c.period < minPeriod {
		c.period = minPeriod
	}
	gen := c.gen
	c.handle = t.factory(c.period, func() { t.expire(n, gen) })
}

func (t *Timers) disarm(n int) {
	c := &t.ch[n]
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
	c.running = false
	c.gen++
}

// remaining returns the current count of timer n.
func (t *Timers) remaining(n int) uint32 {
	c := &t.ch[n]
	if !c.running {
		return c.cnt
	}
	tick := t.tick(n)
	if tick <= 0 {
		return c.cnt
	}
	elapsed := uint64(t.now().Sub(c.start) / tick)
	if elapsed > uint64(c.cnt) {
		return 0
	}
	return c.cnt - uint32(elapsed)
}

func (t *Timers) expire(n int, gen uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	c := &t.ch[n]
	if c.gen != gen || !c.running {
		return
	}
	c.expiries++
	if tconAutoReload(t.tcon, n) {
		reload := c.cntb
		c.cmp = c.cmpb
		if reload != c.cnt {
			c.cnt = reload
			t.arm(n)
		} else {
			c.start = t.now()
		}
	} else {
		t.disarm(n)
		c.cnt = 0
	}
	if t.irq == nil {
		return
	}
	if err := t.irq.RaiseInterrupt(intc.Timer0 + intc.Source(n)); err != nil {
		t.halt.Halt(err)
	}
}

// Expiries returns how many times timer n has expired.
func (t *Timers) Expiries(n int) uint64 {
	return t.ch[n].expiries
}

func (t *Timers) writeTCON(value uint32) {
	prev := t.tcon
	t.tcon = value
	for n := range t.ch {
		c := &t.ch[n]
		if tconManualUpdate(value, n) {
			c.cnt = c.cntb
			c.cmp = c.cmpb
		}
		switch {
		case tconStart(value, n) && !tconStart(prev, n):
			t.arm(n)
		case !tconStart(value, n) && tconStart(prev, n):
			c.cnt = t.remaining(n)
			t.disarm(n)
		case tconStart(value, n) && c.running && tconManualUpdate(value, n):
			t.arm(n)
		}
	}
}

// regIndex decodes a per-timer register offset into the timer and register
// kind (0 TCNTB, 1 TCMPB, 2 TCNTO).
func regIndex(offset uint32) (n int, kind int, ok bool) {
	switch {
	case offset == TCNTB4:
		return 4, 0, true
	case offset == TCNTO4:
		return 4, 2, true
	case offset >= TCNTB0 && offset < TCNTB4 && offset%4 == 0:
		rel := (offset - TCNTB0) / 4
		return int(rel / 3), int(rel % 3), true
	}
	return 0, 0, false
}

// Read32 implements chipset.WordReader.
func (t *Timers) Read32(offset uint32) (uint32, error) {
	switch offset {
	case TCFG0:
		return t.tcfg0, nil
	case TCFG1:
		return t.tcfg1, nil
	case TCON:
		return t.tcon, nil
	}
	n, kind, ok := regIndex(offset)
	if !ok {
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
	switch kind {
	case 0:
		return t.ch[n].cntb, nil
	case 1:
		return t.ch[n].cmpb, nil
	default:
		return t.remaining(n), nil
	}
}

// Write32 implements chipset.WordWriter.
func (t *Timers) Write32(offset uint32, value uint32) error {
	switch offset {
	case TCFG0:
		t.tcfg0 = value & 0x00ffffff
		return nil
	case TCFG1:
		t.tcfg1 = value & 0x00ffffff
		return nil
	case TCON:
		t.writeTCON(value & 0x007fff1f)
		return nil
	}
	n, kind, ok := regIndex(offset)
	if !ok {
		return chipset.UnsupportedOffset(deviceID, offset)
	}
	switch kind {
	case 0:
		t.ch[n].cntb = value & countMask
	case 1:
		t.ch[n].cmpb = value & countMask
	default:
		return chipset.UnsupportedValue(deviceID, fmt.Sprintf("TCNTO%d", n), value)
	}
	return nil
}

// SaveState implements chipset.Checkpointer.
func (t *Timers) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.U32(t.tcfg0)
	w.U32(t.tcfg1)
	w.U32(t.tcon)
	for n := range t.ch {
		c := &t.ch[n]
		w.U32(c.cntb)
		w.U32(c.cmpb)
		w.U32(t.remaining(n))
		w.U32(c.cmp)
		w.Bool(c.running)
		w.U64(c.expiries)
	}
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. Running timers restart their
// countdown from the saved count.
func (t *Timers) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	tcfg0 := r.U32()
	tcfg1 := r.U32()
	tcon := r.U32()
	var saved [NumTimers]channel
	for n := range saved {
		c := &saved[n]
		c.cntb = r.U32()
		c.cmpb = r.U32()
		c.cnt = r.U32()
		c.cmp = r.U32()
		c.running = r.Bool()
		c.expiries = r.U64()
	}
	if err := r.Err(); err != nil {
		return err
	}
	for n, c := range saved {
		if c.cntb > countMask || c.cmpb > countMask || c.cnt > countMask || c.cmp > countMask {
			return fmt.Errorf("pwm: checkpoint timer %d count out of range", n)
		}
	}

	for n := range t.ch {
		t.disarm(n)
	}
	t.tcfg0 = tcfg0
	t.tcfg1 = tcfg1
	t.tcon = tcon
	for n := range t.ch {
		gen := t.ch[n].gen
		running := saved[n].running
		t.ch[n] = saved[n]
		t.ch[n].running = false
		t.ch[n].gen = gen
		if running {
			t.arm(n)
		}
	}
	slog.Debug("pwm: restored", "tcon", fmt.Sprintf("%#x", tcon))
	return nil
}

var (
	_ chipset.Device       = (*Timers)(nil)
	_ chipset.WordReader   = (*Timers)(nil)
	_ chipset.WordWriter   = (*Timers)(nil)
	_ chipset.Resetter     = (*Timers)(nil)
	_ chipset.PowerOffer   = (*Timers)(nil)
	_ chipset.Checkpointer = (*Timers)(nil)
)
