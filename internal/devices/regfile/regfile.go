// Package regfile provides peripherals that the board maps but does not
// model beyond their registers: a guest can program them and read back what
// it wrote, and their state survives a checkpoint.
package regfile

import (
	"fmt"
	"sort"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
)

const stateVersion = 1

var stateTag = checkpoint.TagOf("REGF")

// Register describes one word-wide register.
type Register struct {
	Name   string
	Offset uint32
	Reset  uint32
	// ReadOnly registers ignore writes and keep their reset value.
	ReadOnly bool
}

// Device is a bank of word-wide registers. It has no lock; the dispatcher
// holds the shared lock around every access.
type Device struct {
	id    string
	regs  []Register
	index map[uint32]int
	vals  []uint32
}

// New builds a register file. Offsets must be word aligned and unique.
func New(id string, regs []Register) (*Device, error) {
	sorted := append([]Register(nil), regs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	d := &Device{
		id:    id,
		regs:  sorted,
		index: make(map[uint32]int, len(sorted)),
		vals:  make([]uint32, len(sorted)),
	}
	for i, r := range sorted {
		if r.Offset%4 != 0 {
			return nil, fmt.Errorf("regfile %s: register %s offset 0x%x not word aligned", id, r.Name, r.Offset)
		}
		if _, dup := d.index[r.Offset]; dup {
			return nil, fmt.Errorf("regfile %s: duplicate register offset 0x%x", id, r.Offset)
		}
		d.index[r.Offset] = i
	}
	d.resetValues()
	return d, nil
}

func (d *Device) resetValues() {
	for i, r := range d.regs {
		d.vals[i] = r.Reset
	}
}

// DeviceID implements chipset.Device.
func (d *Device) DeviceID() string { return d.id }

// Reset implements chipset.Resetter.
func (d *Device) Reset() error {
	d.resetValues()
	return nil
}

// Read32 implements chipset.WordReader.
func (d *Device) Read32(offset uint32) (uint32, error) {
	i, ok := d.index[offset]
	if !ok {
		return 0, chipset.UnsupportedOffset(d.id, offset)
	}
	return d.vals[i], nil
}

// Write32 implements chipset.WordWriter.
func (d *Device) Write32(offset uint32, value uint32) error {
	i, ok := d.index[offset]
	if !ok {
		return chipset.UnsupportedOffset(d.id, offset)
	}
	if d.regs[i].ReadOnly {
		return nil
	}
	d.vals[i] = value
	return nil
}

// SaveState implements chipset.Checkpointer.
func (d *Device) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.U32(uint32(len(d.vals)))
	w.U32s(d.vals)
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. A record with a different
// register count cannot belong to this device; its values are consumed and
// rejected.
func (d *Device) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	n := r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if n > 1024 {
		return fmt.Errorf("regfile %s: checkpoint register count %d out of range", d.id, n)
	}
	vals := make([]uint32, n)
	r.U32s(vals)
	if err := r.Err(); err != nil {
		return err
	}
	if int(n) != len(d.vals) {
		return fmt.Errorf("regfile %s: checkpoint has %d registers, want %d", d.id, n, len(d.vals))
	}
	for i, reg := range d.regs {
		if reg.ReadOnly {
			continue
		}
		d.vals[i] = vals[i]
	}
	return nil
}

var (
	_ chipset.Device       = (*Device)(nil)
	_ chipset.WordReader   = (*Device)(nil)
	_ chipset.WordWriter   = (*Device)(nil)
	_ chipset.Resetter     = (*Device)(nil)
	_ chipset.Checkpointer = (*Device)(nil)
)
