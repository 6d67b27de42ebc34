// Package intc emulates the S3C2410 interrupt controller: 32 main sources
// with pending, mask and mode registers, 11 sub-sources rolling up into the
// UART and ADC main sources, and the rotating two-level priority arbiter that
// reports one interrupt at a time through INTPND.
//
// The controller has no lock of its own. Every method must be called with the
// board's shared lock held, either by the dispatcher or by an asynchronous
// worker that took it explicitly.
package intc

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/hv"
)

// Register offsets.
const (
	SRCPND    = 0x00
	INTMOD    = 0x04
	INTMSK    = 0x08
	PRIORITY  = 0x0c
	INTPND    = 0x10
	INTOFFSET = 0x14
	SUBSRCPND = 0x18
	INTSUBMSK = 0x1c

	Size = 0x20
)

const (
	deviceID = "intc"

	stateVersion = 1
)

var stateTag = checkpoint.TagOf("INTC")

// Controller is the interrupt controller state.
type Controller struct {
	cpu  hv.InterruptTarget
	halt chipset.Halter

	srcpnd    uint32
	intmod    uint32
	intmsk    uint32
	prio      priority
	intpnd    uint32
	intoffset uint32
	subsrcpnd uint32
	intsubmsk uint32

	// levels and subLevels hold lines whose device currently asserts them;
	// they are merged back into the pending registers after the guest
	// clears them.
	levels    uint32
	subLevels uint32

	delivered [numSources]uint64
}

// New returns a controller in its power-on state. cpu receives the IRQ line;
// halt receives faults raised through Line handles.
func New(cpu hv.InterruptTarget, halt chipset.Halter) *Controller {
	if cpu == nil {
		cpu = hv.InterruptTargetFuncs{}
	}
	if halt == nil {
		halt = chipset.HaltFunc(nil)
	}
	c := &Controller{cpu: cpu, halt: halt}
	c.resetLocked()
	return c
}

func (c *Controller) resetLocked() {
	c.srcpnd = 0
	c.intmod = 0
	c.intmsk = 0xffffffff
	c.prio = 0
	c.intpnd = 0
	c.intoffset = 0
	c.subsrcpnd = 0
	c.intsubmsk = subSourceBits
	c.levels = 0
	c.subLevels = 0
	c.cpu.ClearInterruptPending()
}

// DeviceID implements chipset.Device.
func (c *Controller) DeviceID() string { return deviceID }

// Reset implements chipset.Resetter.
func (c *Controller) Reset() error {
	c.resetLocked()
	return nil
}

// RaiseInterrupt latches a main source and re-arbitrates.
func (c *Controller) RaiseInterrupt(src Source) error {
	c.srcpnd |= src.Mask()
	return c.evaluate()
}

// RaiseSubInterrupt latches a sub-source, forces its main source if the
// sub-source is unmasked, and re-arbitrates.
func (c *Controller) RaiseSubInterrupt(sub SubSource) error {
	c.subsrcpnd |= sub.Mask()
	c.srcpnd |= c.forced()
	return c.evaluate()
}

// SetLevel drives a level-triggered main line. While high the source is
// latched again whenever the guest clears it. Dropping the line does not
// clear a latched SRCPND bit.
func (c *Controller) SetLevel(src Source, high bool) error {
	if !high {
		c.levels &^= src.Mask()
		return nil
	}
	c.levels |= src.Mask()
	return c.RaiseInterrupt(src)
}

// SetSubLevel drives a level-triggered sub-source line.
func (c *Controller) SetSubLevel(sub SubSource, high bool) error {
	if !high {
		c.subLevels &^= sub.Mask()
		return nil
	}
	c.subLevels |= sub.Mask()
	return c.RaiseSubInterrupt(sub)
}

// IsPending reports whether any source in mask is latched in SRCPND.
func (c *Controller) IsPending(mask uint32) bool {
	return c.srcpnd&mask != 0
}

// IsSubPending reports whether any sub-source in mask is latched in SUBSRCPND.
func (c *Controller) IsSubPending(mask uint32) bool {
	return c.subsrcpnd&mask != 0
}

// Delivered returns how many times src has been reported through INTPND.
func (c *Controller) Delivered(src Source) uint64 {
	return c.delivered[src]
}

// forced returns the main sources whose unmasked sub-sources are pending.
func (c *Controller) forced() uint32 {
	active := c.subsrcpnd &^ c.intsubmsk
	var out uint32
	for _, r := range rollups {
		if active&r.subs != 0 {
			out |= r.main.Mask()
		}
	}
	return out
}

// relatch merges still-asserted lines back into the pending registers.
func (c *Controller) relatch() {
	c.subsrcpnd |= c.subLevels
	c.srcpnd |= c.levels | c.forced()
}

// evaluate reports the next interrupt if none is in flight.
func (c *Controller) evaluate() error {
	if c.intpnd != 0 {
		return nil
	}
	candidates := c.srcpnd &^ c.intmsk
	if candidates == 0 {
		return nil
	}
	if fiq := candidates & c.intmod; fiq != 0 {
		return chipset.UnsupportedValue(deviceID, "INTMOD", c.intmod)
	}

	src, next, ok := c.prio.arbitrate(candidates)
	if !ok {
		panic(fmt.Sprintf("intc: candidates 0x%08x matched no arbiter input", candidates))
	}
	c.prio = next
	c.intpnd = src.Mask()
	c.intoffset = uint32(src)
	c.delivered[src]++
	c.cpu.SetInterruptPending()
	return nil
}

// Read32 implements chipset.WordReader.
func (c *Controller) Read32(offset uint32) (uint32, error) {
	switch offset {
	case SRCPND:
		return c.srcpnd, nil
	case INTMOD:
		return c.intmod, nil
	case INTMSK:
		return c.intmsk, nil
	case PRIORITY:
		// Not the ARB_MODE/ARB_SEL layout: the seven rotation selectors,
		// three bits each, as described on type priority.
		return uint32(c.prio), nil
	case INTPND:
		return c.intpnd, nil
	case INTOFFSET:
		return c.intoffset, nil
	case SUBSRCPND:
		return c.subsrcpnd, nil
	case INTSUBMSK:
		return c.intsubmsk, nil
	default:
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
}

// Write32 implements chipset.WordWriter.
func (c *Controller) Write32(offset uint32, value uint32) error {
	switch offset {
	case SRCPND:
		c.srcpnd &^= value
		c.relatch()
		return c.evaluate()
	case INTMOD:
		if value != 0 {
			return chipset.UnsupportedValue(deviceID, "INTMOD", value)
		}
		c.intmod = 0
		return nil
	case INTMSK:
		c.intmsk = value
		return c.evaluate()
	case PRIORITY:
		return chipset.UnsupportedValue(deviceID, "PRIORITY", value)
	case INTPND:
		c.intpnd &^= value
		if c.intpnd != 0 {
			return nil
		}
		c.cpu.ClearInterruptPending()
		c.intoffset = 0
		c.relatch()
		return c.evaluate()
	case SUBSRCPND:
		c.subsrcpnd &^= value & subSourceBits
		c.relatch()
		return c.evaluate()
	case INTSUBMSK:
		c.intsubmsk = value & subSourceBits
		c.srcpnd |= c.forced()
		return c.evaluate()
	default:
		return chipset.UnsupportedOffset(deviceID, offset)
	}
}

// SaveState implements chipset.Checkpointer.
func (c *Controller) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.U32(c.srcpnd)
	w.U32(c.intmod)
	w.U32(c.intmsk)
	w.U32(uint32(c.prio))
	w.U32(c.intpnd)
	w.U32(c.intoffset)
	w.U32(c.subsrcpnd)
	w.U32(c.intsubmsk)
	w.U32(c.levels)
	w.U32(c.subLevels)
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. Fields that would break the
// controller's invariants are replaced by safe values rather than trusted.
func (c *Controller) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	srcpnd := r.U32()
	intmod := r.U32()
	intmsk := r.U32()
	prio := priority(r.U32())
	intpnd := r.U32()
	intoffset := r.U32()
	subsrcpnd := r.U32()
	intsubmsk := r.U32()
	levels := r.U32()
	subLevels := r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if intmod != 0 {
		return chipset.UnsupportedValue(deviceID, "INTMOD", intmod)
	}

	if !prio.valid() {
		slog.Warn("intc: checkpoint priority state out of range, rotation reset", "priority", fmt.Sprintf("%#x", uint32(prio)))
		prio = 0
	}
	if bits.OnesCount32(intpnd) > 1 || (intpnd != 0 && intoffset != uint32(bits.TrailingZeros32(intpnd))) {
		slog.Warn("intc: checkpoint INTPND inconsistent, dropping in-flight interrupt",
			"intpnd", fmt.Sprintf("%#x", intpnd), "intoffset", intoffset)
		intpnd = 0
	}
	if intpnd == 0 {
		intoffset = 0
	}

	c.srcpnd = srcpnd
	c.intmod = 0
	c.intmsk = intmsk
	c.prio = prio
	c.intpnd = intpnd
	c.intoffset = intoffset
	c.subsrcpnd = subsrcpnd & subSourceBits
	c.intsubmsk = intsubmsk & subSourceBits
	c.levels = levels
	c.subLevels = subLevels & subSourceBits

	if c.intpnd != 0 {
		c.cpu.SetInterruptPending()
		return nil
	}
	c.cpu.ClearInterruptPending()
	return c.evaluate()
}

// Line returns a LineInterrupt driving src. Level changes become SetLevel
// calls and pulses become RaiseInterrupt; faults go to the halter. The
// caller must hold the shared lock when using the line.
func (c *Controller) Line(src Source) chipset.LineInterrupt {
	return &line{c: c, src: src}
}

type line struct {
	c   *Controller
	src Source
}

func (l *line) SetLevel(high bool) {
	if err := l.c.SetLevel(l.src, high); err != nil {
		l.c.halt.Halt(err)
	}
}

func (l *line) PulseInterrupt() {
	if err := l.c.RaiseInterrupt(l.src); err != nil {
		l.c.halt.Halt(err)
	}
}

var (
	_ chipset.Device       = (*Controller)(nil)
	_ chipset.WordReader   = (*Controller)(nil)
	_ chipset.WordWriter   = (*Controller)(nil)
	_ chipset.Resetter     = (*Controller)(nil)
	_ chipset.Checkpointer = (*Controller)(nil)
)
