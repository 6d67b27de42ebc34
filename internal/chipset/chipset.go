package chipset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/hv"
)

// ErrNoDevice is returned by lookups for an unknown device id.
var ErrNoDevice = errors.New("chipset: no such device")

// Tracer observes every dispatched access. It is called with the shared lock
// held, so the trace order is the serialization order.
type Tracer interface {
	TraceAccess(addr uint32, width hv.Width, write bool, value uint32, err error)
}

type entry struct {
	region   hv.MMIORegion
	name     string
	dev      Device
	critical bool

	unavailable atomic.Bool

	r8  ByteReader
	r16 HalfReader
	r32 WordReader
	w8  ByteWriter
	w16 HalfWriter
	w32 WordWriter
}

// Chipset is the built, sorted device table plus the dispatcher over it.
type Chipset struct {
	lock    *SharedLock
	entries []*entry
	tracer  Tracer
}

// Lock returns the shared lock guarding all device state.
func (c *Chipset) Lock() *SharedLock {
	return c.lock
}

// SetTracer installs an access tracer. It must be called before dispatch
// starts.
func (c *Chipset) SetTracer(t Tracer) {
	c.tracer = t
}

// Regions returns the table as named regions, sorted by base.
func (c *Chipset) Regions() []hv.Region {
	out := make([]hv.Region, len(c.entries))
	for i, e := range c.entries {
		out[i] = hv.Region{Name: e.name, Base: e.region.Address, Size: e.region.Size}
	}
	return out
}

// Device returns the device registered under id.
func (c *Chipset) Device(id string) (Device, error) {
	for _, e := range c.entries {
		if e.name == id {
			return e.dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, id)
}

// find returns the entry whose range contains addr. The table is immutable so
// no lock is needed.
func (c *Chipset) find(addr uint32) *entry {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].region.End() > uint64(addr)
	})
	if i < len(c.entries) && c.entries[i].region.Address <= addr {
		return c.entries[i]
	}
	return nil
}

// Lookup resolves addr to its device and the offset within it.
func (c *Chipset) Lookup(addr uint32) (Device, uint32, bool) {
	e := c.find(addr)
	if e == nil {
		return nil, 0, false
	}
	return e.dev, addr - e.region.Address, true
}

// Dispatch performs one guest access. For writes value is stored and the
// returned value is zero. Any failure is a *Fault.
func (c *Chipset) Dispatch(addr uint32, width hv.Width, isWrite bool, value uint32) (uint32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	result, err := c.dispatchLocked(addr, width, isWrite, value)
	if c.tracer != nil {
		traced := result
		if isWrite {
			traced = value
		}
		c.tracer.TraceAccess(addr, width, isWrite, traced, err)
	}
	return result, err
}

// Read performs a guest load.
func (c *Chipset) Read(addr uint32, width hv.Width) (uint32, error) {
	return c.Dispatch(addr, width, false, 0)
}

// Write performs a guest store.
func (c *Chipset) Write(addr uint32, width hv.Width, value uint32) error {
	_, err := c.Dispatch(addr, width, true, value)
	return err
}

func (c *Chipset) dispatchLocked(addr uint32, width hv.Width, isWrite bool, value uint32) (uint32, error) {
	fault := func(kind FaultKind, name string, err error) error {
		return &Fault{Kind: kind, Addr: addr, Width: width, Write: isWrite, Value: value, Device: name, Err: err}
	}

	e := c.find(addr)
	if e == nil || !e.region.Contains(addr, width) {
		return 0, fault(FaultNoDevice, "", nil)
	}
	if e.unavailable.Load() {
		return 0, fault(FaultUnavailable, e.name, nil)
	}

	off := addr - e.region.Address
	var (
		result uint32
		err    error
		ok     = true
	)
	switch {
	case !isWrite && width == hv.WidthByte && e.r8 != nil:
		var v uint8
		v, err = e.r8.Read8(off)
		result = uint32(v)
	case !isWrite && width == hv.WidthHalf && e.r16 != nil:
		var v uint16
		v, err = e.r16.Read16(off)
		result = uint32(v)
	case !isWrite && width == hv.WidthWord && e.r32 != nil:
		result, err = e.r32.Read32(off)
	case isWrite && width == hv.WidthByte && e.w8 != nil:
		err = e.w8.Write8(off, uint8(value))
	case isWrite && width == hv.WidthHalf && e.w16 != nil:
		err = e.w16.Write16(off, uint16(value))
	case isWrite && width == hv.WidthWord && e.w32 != nil:
		err = e.w32.Write32(off, value)
	default:
		ok = false
	}
	if !ok {
		return 0, fault(FaultWidth, e.name, nil)
	}
	if err != nil {
		return 0, fault(FaultDevice, e.name, err)
	}
	return result, nil
}

// HandleMMIO adapts a byte-slice access, as produced by a CPU core's memory
// exit, onto Dispatch. Data is little endian.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr+uint64(len(data)) > 1<<32 {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}
	width := hv.Width(len(data))
	if !width.Valid() {
		return &Fault{Kind: FaultWidth, Addr: uint32(addr), Width: width, Write: isWrite}
	}

	var value uint32
	if isWrite {
		switch width {
		case hv.WidthByte:
			value = uint32(data[0])
		case hv.WidthHalf:
			value = uint32(binary.LittleEndian.Uint16(data))
		case hv.WidthWord:
			value = binary.LittleEndian.Uint32(data)
		}
	}
	result, err := c.Dispatch(uint32(addr), width, isWrite, value)
	if err != nil || isWrite {
		return err
	}
	switch width {
	case hv.WidthByte:
		data[0] = uint8(result)
	case hv.WidthHalf:
		binary.LittleEndian.PutUint16(data, uint16(result))
	case hv.WidthWord:
		binary.LittleEndian.PutUint32(data, result)
	}
	return nil
}

// PowerOn powers every device on in table order. A failing device is logged
// and marked unavailable; a failing critical device aborts bring-up.
func (c *Chipset) PowerOn() error {
	for _, e := range c.entries {
		p, ok := e.dev.(PowerOner)
		if !ok {
			continue
		}
		if err := p.PowerOn(); err != nil {
			if e.critical {
				return fmt.Errorf("chipset: power on device %q: %w", e.name, err)
			}
			slog.Error("chipset: device unavailable", "device", e.name, "err", err)
			e.unavailable.Store(true)
		}
	}
	return nil
}

// PowerOff powers devices off in reverse table order.
func (c *Chipset) PowerOff() error {
	var errs []error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		p, ok := e.dev.(PowerOffer)
		if !ok || e.unavailable.Load() {
			continue
		}
		if err := p.PowerOff(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: power off device %q: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Reset resets all registered devices under the shared lock.
func (c *Chipset) Reset() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, e := range c.entries {
		r, ok := e.dev.(Resetter)
		if !ok || e.unavailable.Load() {
			continue
		}
		if err := r.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", e.name, err)
		}
	}
	return nil
}

// Reconfigure rebinds one device. The shared lock is not held; the device
// takes it around its own register updates.
func (c *Chipset) Reconfigure(id, param string) error {
	dev, err := c.Device(id)
	if err != nil {
		return err
	}
	r, ok := dev.(Reconfigurer)
	if !ok {
		return fmt.Errorf("chipset: device %q cannot be reconfigured", id)
	}
	if err := r.Reconfigure(param); err != nil {
		return fmt.Errorf("chipset: reconfigure device %q: %w", id, err)
	}
	return nil
}

// Checkpointers returns how many records SaveState writes.
func (c *Chipset) Checkpointers() int {
	n := 0
	for _, e := range c.entries {
		if _, ok := e.dev.(Checkpointer); ok {
			n++
		}
	}
	return n
}

// SaveState writes one framed record per checkpointable device in table
// order.
func (c *Chipset) SaveState(w *checkpoint.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, e := range c.entries {
		cp, ok := e.dev.(Checkpointer)
		if !ok {
			continue
		}
		if err := w.Framed(cp.SaveState); err != nil {
			return fmt.Errorf("chipset: save device %q: %w", e.name, err)
		}
	}
	return nil
}

// RestoreState reads the records written by SaveState. An outer stream error
// (short read, oversized frame) or a record whose tag or version does not
// match the device aborts the restore. A device that rejects its own fields,
// or whose record ends early, is reset and the restore moves on to the next
// record.
func (c *Chipset) RestoreState(r *checkpoint.Reader) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, e := range c.entries {
		cp, ok := e.dev.(Checkpointer)
		if !ok {
			continue
		}
		rec := r.Framed()
		if err := r.Err(); err != nil {
			return fmt.Errorf("chipset: restore device %q: %w", e.name, err)
		}
		err := cp.RestoreState(rec)
		if recErr := rec.Err(); recErr != nil {
			if errors.Is(recErr, checkpoint.ErrTagMismatch) || errors.Is(recErr, checkpoint.ErrVersionMismatch) {
				return fmt.Errorf("chipset: restore device %q: %w", e.name, recErr)
			}
			if err == nil {
				err = recErr
			}
		}
		if err != nil {
			slog.Warn("chipset: device state rejected, resetting", "device", e.name, "err", err)
			if rs, ok := e.dev.(Resetter); ok {
				if err := rs.Reset(); err != nil {
					return fmt.Errorf("chipset: reset device %q after restore: %w", e.name, err)
				}
			}
		}
	}
	return nil
}
