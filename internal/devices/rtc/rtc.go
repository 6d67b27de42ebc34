// Package rtc implements the S3C2410 real time clock.
//
// The clock runs on host time plus an offset the guest sets through the BCD
// registers. The tick generator raises TICK every (TICNT+1)/128 seconds and
// the alarm raises RTC when the enabled fields match the current time.
package rtc

import (
	"fmt"
	"time"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
)

// Register offsets from the mapped base (0x57000040).
const (
	RTCCON  = 0x00
	TICNT   = 0x04
	RTCALM  = 0x10
	ALMSEC  = 0x14
	ALMMIN  = 0x18
	ALMHOUR = 0x1c
	ALMDATE = 0x20
	ALMMON  = 0x24
	ALMYEAR = 0x28
	RTCRST  = 0x2c
	BCDSEC  = 0x30
	BCDMIN  = 0x34
	BCDHOUR = 0x38
	BCDDATE = 0x3c
	BCDDAY  = 0x40
	BCDMON  = 0x44
	BCDYEAR = 0x48

	Size = 0x4c
)

// RTCCON bits
const (
	RTCCON_EN = 1 << 0
)

// TICNT bits
const (
	TICNT_EN    = 1 << 7
	ticntCounts = 0x7f
)

// RTCALM bits
const (
	RTCALM_EN   = 1 << 6
	RTCALM_YEAR = 1 << 5
	RTCALM_MON  = 1 << 4
	RTCALM_DATE = 1 << 3
	RTCALM_HOUR = 1 << 2
	RTCALM_MIN  = 1 << 1
	RTCALM_SEC  = 1 << 0
)

const (
	deviceID     = "rtc"
	stateVersion = 1

	yearBase = 2000
)

var stateTag = checkpoint.TagOf("RTC0")

// Interrupts is the part of the interrupt controller the RTC drives.
type Interrupts interface {
	RaiseInterrupt(src intc.Source) error
}

// RTC is the real time clock.
type RTC struct {
	lock *chipset.SharedLock
	irq  Interrupts
	halt chipset.Halter

	now     func() time.Time
	factory chipset.TimerFactory

	offset time.Duration // guest time minus host time

	rtccon uint32
	ticnt  uint32
	rtcalm uint32
	alarm  [6]uint32 // ALMSEC..ALMYEAR, BCD
	rtcrst uint32

	tick      chipset.TimerHandle
	tickGen   uint64
	alarmT    chipset.TimerHandle
	alarmGen  uint64
	lastAlarm int64
}

// Option customises the RTC, mainly for tests.
type Option func(*RTC)

// WithClock overrides the host time source.
func WithClock(now func() time.Time) Option {
	return func(r *RTC) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTimerFactory injects the factory used for the tick and alarm timers.
func WithTimerFactory(factory chipset.TimerFactory) Option {
	return func(r *RTC) {
		if factory != nil {
			r.factory = factory
		}
	}
}

// New creates an RTC showing host time.
func New(lock *chipset.SharedLock, irq Interrupts, halt chipset.Halter, opts ...Option) *RTC {
	if halt == nil {
		halt = chipset.HaltFunc(nil)
	}
	r := &RTC{
		lock:      lock,
		irq:       irq,
		halt:      halt,
		now:       time.Now,
		factory:   chipset.DefaultTimerFactory,
		lastAlarm: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resetRegisters()
	return r
}

func (r *RTC) resetRegisters() {
	r.rtccon = 0
	r.ticnt = 0
	r.rtcalm = 0
	r.alarm = [6]uint32{0, 0, 0, 0x01, 0x01, 0}
	r.rtcrst = 0
}

// DeviceID implements chipset.Device.
func (r *RTC) DeviceID() string { return deviceID }

// PowerOff implements chipset.PowerOffer.
func (r *RTC) PowerOff() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.stopTick()
	r.stopAlarm()
	return nil
}

// Reset implements chipset.Resetter. The time of day is battery backed and
// survives a reset.
func (r *RTC) Reset() error {
	r.stopTick()
	r.stopAlarm()
	r.resetRegisters()
	return nil
}

// Time returns the current guest time.
func (r *RTC) Time() time.Time {
	return r.now().Add(r.offset).UTC()
}

func (r *RTC) setTime(t time.Time) {
	r.offset = t.Sub(r.now())
}

func toBCD(n int) uint32 {
	return uint32(n/10)<<4 | uint32(n%10)
}

func fromBCD(b uint32) (int, bool) {
	hi, lo := b>>4, b&0xf
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return int(hi*10 + lo), true
}

func (r *RTC) readReg(offset uint32) (uint32, error) {
	t := r.Time()
	switch offset {
	case RTCCON:
		return r.rtccon, nil
	case TICNT:
		return r.ticnt, nil
	case RTCALM:
		return r.rtcalm, nil
	case ALMSEC, ALMMIN, ALMHOUR, ALMDATE, ALMMON, ALMYEAR:
		return r.alarm[(offset-ALMSEC)/4], nil
	case RTCRST:
		return r.rtcrst, nil
	case BCDSEC:
		return toBCD(t.Second()), nil
	case BCDMIN:
		return toBCD(t.Minute()), nil
	case BCDHOUR:
		return toBCD(t.Hour()), nil
	case BCDDATE:
		return toBCD(t.Day()), nil
	case BCDDAY:
		return uint32(t.Weekday()) + 1, nil
	case BCDMON:
		return toBCD(int(t.Month())), nil
	case BCDYEAR:
		return toBCD(t.Year() % 100), nil
	default:
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
}

func (r *RTC) writeReg(offset uint32, value uint32) error {
	value &= 0xff
	switch offset {
	case RTCCON:
		r.rtccon = value & 0x0f
	case TICNT:
		r.ticnt = value
		r.armTick()
	case RTCALM:
		r.rtcalm = value & 0x7f
		r.armAlarm()
	case ALMSEC, ALMMIN, ALMHOUR, ALMDATE, ALMMON, ALMYEAR:
		r.alarm[(offset-ALMSEC)/4] = value
		r.lastAlarm = -1
	case RTCRST:
		r.rtcrst = value & 0x0f
	case BCDSEC, BCDMIN, BCDHOUR, BCDDATE, BCDDAY, BCDMON, BCDYEAR:
		if r.rtccon&RTCCON_EN == 0 {
			return nil
		}
		return r.writeTime(offset, value)
	default:
		return chipset.UnsupportedOffset(deviceID, offset)
	}
	return nil
}

func (r *RTC) writeTime(offset uint32, value uint32) error {
	if offset == BCDDAY {
		// Day of week is derived from the date.
		return nil
	}
	n, ok := fromBCD(value)
	if !ok {
		return chipset.UnsupportedValue(deviceID, fmt.Sprintf("BCD register 0x%x", offset), value)
	}
	t := r.Time()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	switch offset {
	case BCDSEC:
		sec = n
	case BCDMIN:
		min = n
	case BCDHOUR:
		hour = n
	case BCDDATE:
		day = n
	case BCDMON:
		month = time.Month(n)
	case BCDYEAR:
		year = yearBase + n
	}
	r.setTime(time.Date(year, month, day, hour, min, sec, t.Nanosecond(), time.UTC))
	return nil
}

// Read8 implements chipset.ByteReader.
func (r *RTC) Read8(offset uint32) (uint8, error) {
	v, err := r.readReg(offset)
	return uint8(v), err
}

// Write8 implements chipset.ByteWriter.
func (r *RTC) Write8(offset uint32, value uint8) error {
	return r.writeReg(offset, uint32(value))
}

// Read32 implements chipset.WordReader.
func (r *RTC) Read32(offset uint32) (uint32, error) {
	return r.readReg(offset)
}

// Write32 implements chipset.WordWriter.
func (r *RTC) Write32(offset uint32, value uint32) error {
	return r.writeReg(offset, value)
}

func (r *RTC) stopTick() {
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
	r.tickGen++
}

func (r *RTC) armTick() {
	r.stopTick()
	if r.ticnt&TICNT_EN == 0 {
		return
	}
	period := time.Duration(r.ticnt&ticntCounts+1) * time.Second / 128
	gen := r.tickGen
	r.tick = r.factory(period, func() { r.onTick(gen) })
}

func (r *RTC) onTick(gen uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if gen != r.tickGen {
		return
	}
	r.raise(intc.Tick)
}

func (r *RTC) stopAlarm() {
	if r.alarmT != nil {
		r.alarmT.Stop()
		r.alarmT = nil
	}
	r.alarmGen++
}

func (r *RTC) armAlarm() {
	r.stopAlarm()
	r.lastAlarm = -1
	if r.rtcalm&RTCALM_EN == 0 {
		return
	}
	gen := r.alarmGen
	r.alarmT = r.factory(time.Second, func() { r.onAlarmCheck(gen) })
}

func (r *RTC) onAlarmCheck(gen uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if gen != r.alarmGen {
		return
	}
	r.CheckAlarm()
}

// CheckAlarm raises RTC if the alarm matches the current second. Each
// matching second is reported once. The caller holds the shared lock.
func (r *RTC) CheckAlarm() {
	if r.rtcalm&RTCALM_EN == 0 || r.rtcalm&0x3f == 0 {
		return
	}
	t := r.Time()
	fields := [6]struct {
		bit  uint32
		have int
	}{
		{RTCALM_SEC, t.Second()},
		{RTCALM_MIN, t.Minute()},
		{RTCALM_HOUR, t.Hour()},
		{RTCALM_DATE, t.Day()},
		{RTCALM_MON, int(t.Month())},
		{RTCALM_YEAR, t.Year() % 100},
	}
	for i, f := range fields {
		if r.rtcalm&f.bit == 0 {
			continue
		}
		want, ok := fromBCD(r.alarm[i])
		if !ok || want != f.have {
			return
		}
	}
	if sec := t.Unix(); sec != r.lastAlarm {
		r.lastAlarm = sec
		r.raise(intc.RTC)
	}
}

func (r *RTC) raise(src intc.Source) {
	if r.irq == nil {
		return
	}
	if err := r.irq.RaiseInterrupt(src); err != nil {
		r.halt.Halt(err)
	}
}

// SaveState implements chipset.Checkpointer.
func (r *RTC) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.I64(int64(r.offset))
	w.U32(r.rtccon)
	w.U32(r.ticnt)
	w.U32(r.rtcalm)
	w.U32s(r.alarm[:])
	w.U32(r.rtcrst)
	return w.Err()
}

// RestoreState implements chipset.Checkpointer.
func (r *RTC) RestoreState(rd *checkpoint.Reader) error {
	if err := rd.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	offset := time.Duration(rd.I64())
	rtccon := rd.U32()
	ticnt := rd.U32()
	rtcalm := rd.U32()
	var alarm [6]uint32
	rd.U32s(alarm[:])
	rtcrst := rd.U32()
	if err := rd.Err(); err != nil {
		return err
	}
	if ticnt > 0xff || rtcalm > 0x7f {
		return fmt.Errorf("rtc: checkpoint TICNT 0x%x / RTCALM 0x%x out of range", ticnt, rtcalm)
	}
	r.offset = offset
	r.rtccon = rtccon & 0x0f
	r.ticnt = ticnt
	r.rtcalm = rtcalm
	r.alarm = alarm
	r.rtcrst = rtcrst & 0x0f
	r.armTick()
	r.armAlarm()
	return nil
}

var (
	_ chipset.Device       = (*RTC)(nil)
	_ chipset.ByteReader   = (*RTC)(nil)
	_ chipset.ByteWriter   = (*RTC)(nil)
	_ chipset.WordReader   = (*RTC)(nil)
	_ chipset.WordWriter   = (*RTC)(nil)
	_ chipset.Resetter     = (*RTC)(nil)
	_ chipset.PowerOffer   = (*RTC)(nil)
	_ chipset.Checkpointer = (*RTC)(nil)
)
