package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/smdk2410/internal/hv"
)

// RegisterOption adjusts how a device is registered.
type RegisterOption func(*entry)

// Critical marks a device whose power-on failure aborts board bring-up.
// Other devices that fail to power on are marked unavailable and every access
// to them faults.
func Critical() RegisterOption {
	return func(e *entry) { e.critical = true }
}

// Builder registers devices and their address ranges before creating a
// Chipset. The table it produces is immutable.
type Builder struct {
	entries []*entry
	names   map[string]struct{}
}

// NewBuilder returns an empty Builder instance.
func NewBuilder() *Builder {
	return &Builder{
		names: make(map[string]struct{}),
	}
}

// RegisterDevice maps dev at [base, base+size) and resolves its per-width
// handlers once so that dispatch never needs a type assertion.
func (b *Builder) RegisterDevice(dev Device, base, size uint32, opts ...RegisterOption) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if dev == nil {
		return fmt.Errorf("device at 0x%x is nil", base)
	}
	name := dev.DeviceID()
	if name == "" {
		return fmt.Errorf("device at 0x%x has an empty id", base)
	}
	if _, exists := b.names[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	if size == 0 {
		return fmt.Errorf("device %q: region at 0x%x has zero size", name, base)
	}
	region := hv.MMIORegion{Address: base, Size: size}
	if region.End() > 1<<32 {
		return fmt.Errorf("device %q: region at 0x%x with size 0x%x overflows", name, base, size)
	}
	for _, existing := range b.entries {
		if regionsOverlap(region, existing.region) {
			return fmt.Errorf(
				"device %q: region 0x%x-0x%x overlaps %q at 0x%x-0x%x",
				name, base, region.End()-1,
				existing.name, existing.region.Address, existing.region.End()-1)
		}
	}

	e := &entry{
		region: region,
		name:   name,
		dev:    dev,
	}
	e.r8, _ = dev.(ByteReader)
	e.r16, _ = dev.(HalfReader)
	e.r32, _ = dev.(WordReader)
	e.w8, _ = dev.(ByteWriter)
	e.w16, _ = dev.(HalfWriter)
	e.w32, _ = dev.(WordWriter)
	for _, opt := range opts {
		opt(e)
	}

	b.entries = append(b.entries, e)
	b.names[name] = struct{}{}
	return nil
}

// Build sorts the table by base address and returns the Chipset. Every access
// the Chipset dispatches is serialized on lock.
func (b *Builder) Build(lock *SharedLock) (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}
	if lock == nil {
		return nil, fmt.Errorf("chipset: shared lock is nil")
	}

	entries := make([]*entry, len(b.entries))
	copy(entries, b.entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].region.Address < entries[j].region.Address
	})

	return &Chipset{
		lock:    lock,
		entries: entries,
	}, nil
}

func regionsOverlap(a, b hv.MMIORegion) bool {
	return uint64(a.Address) < b.End() && uint64(b.Address) < a.End()
}
