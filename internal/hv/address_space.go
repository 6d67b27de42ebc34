package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Region is a named fixed window of the guest physical address space.
type Region struct {
	Name string
	Base uint32
	Size uint32
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// AddressSpace tracks the RAM bank and the fixed peripheral windows of a
// board and rejects layouts where any two of them collide.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint32
	ramSize uint32

	fixedRegions []Region
}

// NewAddressSpace creates a layout with a single RAM bank.
func NewAddressSpace(ramBase, ramSize uint32) *AddressSpace {
	return &AddressSpace{
		ramBase: ramBase,
		ramSize: ramSize,
	}
}

// RegisterFixed registers a peripheral window. It fails when the window is
// empty, wraps the 32-bit bus, or overlaps RAM or another window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := uint64(base) + uint64(size)
	if regionEnd > 1<<32 {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) wraps the bus", name, base, regionEnd)
	}

	ramEnd := a.RAMEnd()
	if uint64(base) < ramEnd && regionEnd > uint64(a.ramBase) {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	for _, existing := range a.fixedRegions {
		if uint64(base) < existing.End() && uint64(existing.Base) < regionEnd {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, existing.Name, existing.Base, existing.End())
		}
	}

	a.fixedRegions = append(a.fixedRegions, Region{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// FixedRegions returns the registered windows sorted by base address.
func (a *AddressSpace) FixedRegions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	sort.Slice(result, func(i, j int) bool { return result[i].Base < result[j].Base })
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint32 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint32 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return uint64(a.ramBase) + uint64(a.ramSize)
}
