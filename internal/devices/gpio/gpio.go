// Package gpio emulates the S3C2410 I/O port block and its external
// interrupt logic.
//
// EINT0..3 reach the interrupt controller directly and are edge triggered.
// EINT4..23 latch into EINTPEND and are reported to the controller as two
// level-triggered sources, EINT4_7 and EINT8_23, which stay asserted while
// any unmasked bit of their group is pending. A line that is still driven
// high when the guest clears its EINTPEND bit latches again immediately.
package gpio

import (
	"fmt"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
)

// Register offsets outside the port banks.
const (
	MISCCR   = 0x80
	DCLKCON  = 0x84
	EXTINT0  = 0x88
	EXTINT1  = 0x8c
	EXTINT2  = 0x90
	EINTFLT0 = 0x94
	EINTFLT3 = 0xa0
	EINTMASK = 0xa4
	EINTPEND = 0xa8
	GSTATUS0 = 0xac
	GSTATUS1 = 0xb0
	GSTATUS2 = 0xb4
	GSTATUS3 = 0xb8
	GSTATUS4 = 0xbc

	Size = 0xc0

	// NumLines is the number of external interrupt lines.
	NumLines = 24
)

const (
	deviceID     = "gpio"
	stateVersion = 1

	portWords = 0x80 / 4
	miscWords = (Size - MISCCR) / 4

	chipID = 0x32410002

	eintMaskReset = 0x00fffff0
	eint4to7Bits  = 0x000000f0
	eint8to23Bits = 0x00ffff00
	eintLatched   = eint4to7Bits | eint8to23Bits

	gstatus2PowerOn = 1 << 0
)

var stateTag = checkpoint.TagOf("GPIO")

// Interrupts is the part of the interrupt controller GPIO drives.
type Interrupts interface {
	RaiseInterrupt(src intc.Source) error
	SetLevel(src intc.Source, high bool) error
}

// GPIO is the port block. Like every device reached through the dispatcher
// it relies on the shared lock; Line handles must be used with it held.
type GPIO struct {
	irq  Interrupts
	halt chipset.Halter

	ports [portWords]uint32
	misc  [miscWords]uint32

	// lines holds the current level of every external line.
	lines uint32
}

// New returns the port block in its reset state.
func New(irq Interrupts, halt chipset.Halter) *GPIO {
	if halt == nil {
		halt = chipset.HaltFunc(nil)
	}
	g := &GPIO{irq: irq, halt: halt}
	g.resetRegisters()
	return g
}

func (g *GPIO) resetRegisters() {
	g.ports = [portWords]uint32{}
	g.ports[0] = 0x007fffff // GPACON: all pins on their address function
	g.misc = [miscWords]uint32{}
	g.setMisc(MISCCR, 0x00010330)
	g.setMisc(EINTMASK, eintMaskReset)
	g.setMisc(GSTATUS1, chipID)
	g.setMisc(GSTATUS2, gstatus2PowerOn)
}

func (g *GPIO) getMisc(off uint32) uint32 { return g.misc[(off-MISCCR)/4] }

func (g *GPIO) setMisc(off uint32, v uint32) { g.misc[(off-MISCCR)/4] = v }

// DeviceID implements chipset.Device.
func (g *GPIO) DeviceID() string { return deviceID }

// Reset implements chipset.Resetter. External line levels are driven by
// other devices and survive a reset of the port block.
func (g *GPIO) Reset() error {
	g.resetRegisters()
	g.relatch()
	return g.update()
}

// Read32 implements chipset.WordReader.
func (g *GPIO) Read32(offset uint32) (uint32, error) {
	if offset%4 != 0 || offset >= Size {
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
	if offset < MISCCR {
		return g.ports[offset/4], nil
	}
	return g.getMisc(offset), nil
}

// Write32 implements chipset.WordWriter.
func (g *GPIO) Write32(offset uint32, value uint32) error {
	if offset%4 != 0 || offset >= Size {
		return chipset.UnsupportedOffset(deviceID, offset)
	}
	if offset < MISCCR {
		g.ports[offset/4] = value
		return nil
	}
	switch offset {
	case EINTMASK:
		g.setMisc(EINTMASK, value&eintLatched)
		return g.update()
	case EINTPEND:
		g.setMisc(EINTPEND, g.getMisc(EINTPEND)&^value)
		g.relatch()
		return g.update()
	case GSTATUS0, GSTATUS1:
		return nil
	case GSTATUS2:
		g.setMisc(GSTATUS2, g.getMisc(GSTATUS2)&^value)
		return nil
	default:
		g.setMisc(offset, value)
		return nil
	}
}

// relatch sets EINTPEND for every grouped line still driven high.
func (g *GPIO) relatch() {
	g.setMisc(EINTPEND, g.getMisc(EINTPEND)|g.lines&eintLatched)
}

// update drives the two grouped controller sources from EINTPEND.
func (g *GPIO) update() error {
	active := g.getMisc(EINTPEND) &^ g.getMisc(EINTMASK)
	if g.irq == nil {
		return nil
	}
	if err := g.irq.SetLevel(intc.EINT4to7, active&eint4to7Bits != 0); err != nil {
		return err
	}
	return g.irq.SetLevel(intc.EINT8to23, active&eint8to23Bits != 0)
}

// SetLine drives external line n. The caller holds the shared lock.
func (g *GPIO) SetLine(n int, high bool) error {
	if n < 0 || n >= NumLines {
		panic(fmt.Sprintf("gpio: external line %d out of range", n))
	}
	bit := uint32(1) << n
	was := g.lines&bit != 0
	if high {
		g.lines |= bit
	} else {
		g.lines &^= bit
	}
	if n < 4 {
		if high && !was && g.irq != nil {
			return g.irq.RaiseInterrupt(intc.EINT0 + intc.Source(n))
		}
		return nil
	}
	if high {
		g.setMisc(EINTPEND, g.getMisc(EINTPEND)|bit)
	}
	return g.update()
}

// Pending returns EINTPEND.
func (g *GPIO) Pending() uint32 { return g.getMisc(EINTPEND) }

// Line returns a LineInterrupt for external line n. Faults from the
// interrupt controller go to the halter.
func (g *GPIO) Line(n int) chipset.LineInterrupt {
	if n < 0 || n >= NumLines {
		panic(fmt.Sprintf("gpio: external line %d out of range", n))
	}
	return &line{g: g, n: n}
}

type line struct {
	g *GPIO
	n int
}

func (l *line) SetLevel(high bool) {
	if err := l.g.SetLine(l.n, high); err != nil {
		l.g.halt.Halt(err)
	}
}

func (l *line) PulseInterrupt() {
	l.SetLevel(true)
	l.SetLevel(false)
}

// SaveState implements chipset.Checkpointer.
func (g *GPIO) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.U32s(g.ports[:])
	w.U32s(g.misc[:])
	w.U32(g.lines)
	return w.Err()
}

// RestoreState implements chipset.Checkpointer.
func (g *GPIO) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	var ports [portWords]uint32
	var misc [miscWords]uint32
	r.U32s(ports[:])
	r.U32s(misc[:])
	lines := r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if lines&^(1<<NumLines-1) != 0 {
		return fmt.Errorf("gpio: checkpoint line levels 0x%x out of range", lines)
	}
	g.ports = ports
	g.misc = misc
	g.setMisc(GSTATUS1, chipID)
	g.lines = lines
	return g.update()
}

var (
	_ chipset.Device       = (*GPIO)(nil)
	_ chipset.WordReader   = (*GPIO)(nil)
	_ chipset.WordWriter   = (*GPIO)(nil)
	_ chipset.Resetter     = (*GPIO)(nil)
	_ chipset.Checkpointer = (*GPIO)(nil)
)
