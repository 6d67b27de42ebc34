// Package dma emulates the four-channel S3C2410 DMA controller.
//
// Software-requested channels copy between guest memory regions when
// triggered. Hardware-requested channels serve an attached peripheral sink:
// the whole block is read from guest memory and handed to the sink, and the
// channel completes when the sink reports the block consumed.
package dma

import (
	"fmt"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
	"github.com/tinyrange/smdk2410/internal/hv"
)

// Per-channel register offsets; channel n starts at n*ChannelStride.
const (
	DISRC     = 0x00
	DISRCC    = 0x04
	DIDST     = 0x08
	DIDSTC    = 0x0c
	DCON      = 0x10
	DSTAT     = 0x14
	DCSRC     = 0x18
	DCDST     = 0x1c
	DMASKTRIG = 0x20

	ChannelStride = 0x40
	NumChannels   = 4

	Size = NumChannels * ChannelStride
)

// DMASKTRIG bits
const (
	DMASKTRIG_SW_TRIG = 1 << 0
	DMASKTRIG_ON      = 1 << 1
	DMASKTRIG_STOP    = 1 << 2
)

// DISRCC/DIDSTC bits
const (
	addrFixed = 1 << 0
)

const (
	deviceID     = "dma"
	stateVersion = 1

	tcMask    = 0xfffff
	dstatBusy = 1 << 20

	// maxBlock bounds a single transfer.
	maxBlock = 16 << 20
)

var stateTag = checkpoint.TagOf("DMA0")

// dcon holds DCON. Its accessors decode the transfer fields.
type dcon uint32

func (c dcon) tc() uint32       { return uint32(c) & tcMask }
func (c dcon) unitSize() uint32 { return 1 << ((uint32(c) >> 20) & 3) }
func (c dcon) noReload() bool   { return c&(1<<22) != 0 }
func (c dcon) hwRequest() bool  { return c&(1<<23) != 0 }
func (c dcon) hwSource() uint32 { return (uint32(c) >> 24) & 7 }
func (c dcon) burst() bool      { return c&(1<<28) != 0 }
func (c dcon) irqEnable() bool  { return c&(1<<29) != 0 }

// blockSize returns the number of bytes moved by one full transfer.
func (c dcon) blockSize() uint64 {
	n := uint64(c.tc()) * uint64(c.unitSize())
	if c.burst() {
		n *= 4
	}
	return n
}

// Sink is a peripheral fed by a hardware-requested channel.
type Sink interface {
	// Ready reports whether the sink would accept a block now.
	Ready() bool
	// Submit queues a block; done runs with the shared lock held once the
	// sink has consumed it.
	Submit(data []byte, done func()) error
}

// Discarder is implemented by sinks that can drop blocks they have accepted
// but not yet consumed. Dropped blocks are never completed.
type Discarder interface {
	Discard()
}

// Interrupts is the part of the interrupt controller the DMA drives.
type Interrupts interface {
	RaiseInterrupt(src intc.Source) error
}

type channel struct {
	disrc  uint32
	disrcc uint32
	didst  uint32
	didstc uint32
	dcon   dcon

	on    bool
	busy  bool
	curTC uint32
	csrc  uint32
	cdst  uint32
	gen   uint64

	completions uint64

	sink    Sink
	sinkSrc uint32
}

// DMA is the controller.
type DMA struct {
	mem  hv.Memory
	irq  Interrupts
	halt chipset.Halter

	ch [NumChannels]channel
}

// New returns the controller moving data in mem.
func New(mem hv.Memory, irq Interrupts, halt chipset.Halter) *DMA {
	if halt == nil {
		halt = chipset.HaltFunc(nil)
	}
	return &DMA{mem: mem, irq: irq, halt: halt}
}

// AttachSink connects sink to channel n as hardware source hwsrc.
func (d *DMA) AttachSink(n int, hwsrc uint32, sink Sink) {
	d.ch[n].sink = sink
	d.ch[n].sinkSrc = hwsrc
}

// DeviceID implements chipset.Device.
func (d *DMA) DeviceID() string { return deviceID }

// Reset implements chipset.Resetter.
func (d *DMA) Reset() error {
	for n := range d.ch {
		c := &d.ch[n]
		*c = channel{gen: c.gen + 1, sink: c.sink, sinkSrc: c.sinkSrc}
	}
	return nil
}

// Completions returns how many transfers channel n has finished.
func (d *DMA) Completions(n int) uint64 {
	return d.ch[n].completions
}

func (d *DMA) start(n int) {
	c := &d.ch[n]
	c.on = true
	c.busy = false
	c.curTC = c.dcon.tc()
	c.csrc = c.disrc
	c.cdst = c.didst
}

func (d *DMA) stop(n int) {
	c := &d.ch[n]
	c.on = false
	c.busy = false
	c.gen++
}

// Request is the hardware request line of channel n. The caller holds the
// shared lock.
func (d *DMA) Request(n int) {
	c := &d.ch[n]
	if !c.on || c.busy || !c.dcon.hwRequest() || c.sink == nil || !c.sink.Ready() {
		return
	}
	if err := d.kick(n); err != nil {
		d.halt.Halt(err)
	}
}

// kick reads the current block and hands it to the channel's sink.
func (d *DMA) kick(n int) error {
	c := &d.ch[n]
	size := c.dcon.blockSize()
	if size == 0 || size > maxBlock {
		return chipset.UnsupportedValue(deviceID, fmt.Sprintf("DCON%d", n), uint32(c.dcon))
	}
	buf := make([]byte, size)
	if c.disrcc&addrFixed != 0 {
		unit := make([]byte, c.dcon.unitSize())
		if _, err := d.mem.ReadAt(unit, int64(c.csrc)); err != nil {
			return fmt.Errorf("dma: channel %d source: %w", n, err)
		}
		for off := 0; off < len(buf); off += len(unit) {
			copy(buf[off:], unit)
		}
	} else if _, err := d.mem.ReadAt(buf, int64(c.csrc)); err != nil {
		return fmt.Errorf("dma: channel %d source: %w", n, err)
	}

	c.busy = true
	gen := c.gen
	err := c.sink.Submit(buf, func() {
		if d.ch[n].gen != gen || !d.ch[n].on {
			return
		}
		d.ch[n].busy = false
		if d.ch[n].disrcc&addrFixed == 0 {
			d.ch[n].csrc += uint32(size)
		}
		d.complete(n)
	})
	if err != nil {
		c.busy = false
		return fmt.Errorf("dma: channel %d: %w", n, err)
	}
	return nil
}

// copyBlock performs a software-requested memory to memory transfer.
func (d *DMA) copyBlock(n int) error {
	c := &d.ch[n]
	size := c.dcon.blockSize()
	if size > maxBlock {
		return chipset.UnsupportedValue(deviceID, fmt.Sprintf("DCON%d", n), uint32(c.dcon))
	}
	unit := c.dcon.unitSize()
	srcFixed := c.disrcc&addrFixed != 0
	dstFixed := c.didstc&addrFixed != 0

	if !srcFixed && !dstFixed {
		buf := make([]byte, size)
		if _, err := d.mem.ReadAt(buf, int64(c.csrc)); err != nil {
			return fmt.Errorf("dma: channel %d source: %w", n, err)
		}
		if _, err := d.mem.WriteAt(buf, int64(c.cdst)); err != nil {
			return fmt.Errorf("dma: channel %d destination: %w", n, err)
		}
		c.csrc += uint32(size)
		c.cdst += uint32(size)
		return nil
	}

	buf := make([]byte, unit)
	for moved := uint64(0); moved < size; moved += uint64(unit) {
		if _, err := d.mem.ReadAt(buf, int64(c.csrc)); err != nil {
			return fmt.Errorf("dma: channel %d source: %w", n, err)
		}
		if _, err := d.mem.WriteAt(buf, int64(c.cdst)); err != nil {
			return fmt.Errorf("dma: channel %d destination: %w", n, err)
		}
		if !srcFixed {
			c.csrc += unit
		}
		if !dstFixed {
			c.cdst += unit
		}
	}
	return nil
}

// complete finishes the current block: it raises the channel interrupt and
// either reloads the channel or turns it off.
func (d *DMA) complete(n int) {
	c := &d.ch[n]
	c.completions++
	c.curTC = 0
	if c.dcon.noReload() {
		c.on = false
	} else {
		c.curTC = c.dcon.tc()
		c.csrc = c.disrc
		c.cdst = c.didst
	}
	if c.dcon.irqEnable() && d.irq != nil {
		if err := d.irq.RaiseInterrupt(intc.DMA0 + intc.Source(n)); err != nil {
			d.halt.Halt(err)
			return
		}
	}
	if c.on && c.dcon.hwRequest() {
		d.Request(n)
	}
}

func (d *DMA) writeMaskTrig(n int, value uint32) error {
	c := &d.ch[n]
	if value&DMASKTRIG_STOP != 0 || value&DMASKTRIG_ON == 0 {
		d.stop(n)
		return nil
	}
	if !c.on {
		if c.dcon.hwRequest() && (c.sink == nil || c.sinkSrc != c.dcon.hwSource()) {
			return chipset.UnsupportedValue(deviceID, fmt.Sprintf("DCON%d hardware source", n), c.dcon.hwSource())
		}
		d.start(n)
	}
	if c.dcon.hwRequest() {
		d.Request(n)
		return nil
	}
	if value&DMASKTRIG_SW_TRIG != 0 {
		if err := d.copyBlock(n); err != nil {
			d.stop(n)
			return err
		}
		d.complete(n)
	}
	return nil
}

func decode(offset uint32) (n int, reg uint32, ok bool) {
	if offset >= Size || offset%4 != 0 {
		return 0, 0, false
	}
	reg = offset % ChannelStride
	if reg > DMASKTRIG {
		return 0, 0, false
	}
	return int(offset / ChannelStride), reg, true
}

// Read32 implements chipset.WordReader.
func (d *DMA) Read32(offset uint32) (uint32, error) {
	n, reg, ok := decode(offset)
	if !ok {
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
	c := &d.ch[n]
	switch reg {
	case DISRC:
		return c.disrc, nil
	case DISRCC:
		return c.disrcc, nil
	case DIDST:
		return c.didst, nil
	case DIDSTC:
		return c.didstc, nil
	case DCON:
		return uint32(c.dcon), nil
	case DSTAT:
		v := c.curTC
		if c.busy {
			v |= dstatBusy
		}
		return v, nil
	case DCSRC:
		return c.csrc, nil
	case DCDST:
		return c.cdst, nil
	default:
		var v uint32
		if c.on {
			v |= DMASKTRIG_ON
		}
		return v, nil
	}
}

// Write32 implements chipset.WordWriter.
func (d *DMA) Write32(offset uint32, value uint32) error {
	n, reg, ok := decode(offset)
	if !ok {
		return chipset.UnsupportedOffset(deviceID, offset)
	}
	c := &d.ch[n]
	switch reg {
	case DISRC:
		c.disrc = value & 0x7fffffff
	case DISRCC:
		c.disrcc = value & 3
	case DIDST:
		c.didst = value & 0x7fffffff
	case DIDSTC:
		c.didstc = value & 3
	case DCON:
		c.dcon = dcon(value)
	case DMASKTRIG:
		return d.writeMaskTrig(n, value)
	default:
		return chipset.UnsupportedValue(deviceID, fmt.Sprintf("read-only register 0x%x", offset), value)
	}
	return nil
}

// SaveState implements chipset.Checkpointer.
func (d *DMA) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	for n := range d.ch {
		c := &d.ch[n]
		w.U32(c.disrc)
		w.U32(c.disrcc)
		w.U32(c.didst)
		w.U32(c.didstc)
		w.U32(uint32(c.dcon))
		w.Bool(c.on)
		w.U32(c.curTC)
		w.U32(c.csrc)
		w.U32(c.cdst)
		w.U64(c.completions)
	}
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. Sinks that can discard drop
// what they still hold from before the restore, and a hardware-requested
// block that was in flight is fetched again on the next request.
func (d *DMA) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	var saved [NumChannels]channel
	for n := range saved {
		c := &saved[n]
		c.disrc = r.U32()
		c.disrcc = r.U32()
		c.didst = r.U32()
		c.didstc = r.U32()
		c.dcon = dcon(r.U32())
		c.on = r.Bool()
		c.curTC = r.U32()
		c.csrc = r.U32()
		c.cdst = r.U32()
		c.completions = r.U64()
	}
	if err := r.Err(); err != nil {
		return err
	}
	for n, c := range saved {
		if c.curTC > c.dcon.tc() {
			return fmt.Errorf("dma: checkpoint channel %d count %d exceeds DCON count %d", n, c.curTC, c.dcon.tc())
		}
	}
	discarded := map[Sink]bool{}
	for _, c := range d.ch {
		if ds, ok := c.sink.(Discarder); ok && !discarded[c.sink] {
			discarded[c.sink] = true
			ds.Discard()
		}
	}
	for n := range d.ch {
		cur := &d.ch[n]
		c := saved[n]
		c.gen = cur.gen + 1
		c.sink = cur.sink
		c.sinkSrc = cur.sinkSrc
		*cur = c
		if c.on && c.dcon.hwRequest() {
			// The partly played block is sent again from its start.
			cur.csrc = cur.disrc
			cur.cdst = cur.didst
			cur.curTC = cur.dcon.tc()
			d.Request(n)
		}
	}
	return nil
}

var (
	_ chipset.Device       = (*DMA)(nil)
	_ chipset.WordReader   = (*DMA)(nil)
	_ chipset.WordWriter   = (*DMA)(nil)
	_ chipset.Resetter     = (*DMA)(nil)
	_ chipset.Checkpointer = (*DMA)(nil)
)
