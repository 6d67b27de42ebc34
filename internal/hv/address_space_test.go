package hv

import (
	"errors"
	"testing"
)

func TestAddressSpaceRejectsCollisions(t *testing.T) {
	as := NewAddressSpace(0x30000000, 0x04000000)
	if err := as.RegisterFixed("uart0", 0x50000000, 0x4000); err != nil {
		t.Fatalf("register uart0: %v", err)
	}
	if err := as.RegisterFixed("intc", 0x4a000000, 0x20); err != nil {
		t.Fatalf("register intc: %v", err)
	}

	for _, tc := range []struct {
		name string
		base uint32
		size uint32
	}{
		{"zero size", 0x51000000, 0},
		{"wraps", 0xfffff000, 0x2000},
		{"inside RAM", 0x31000000, 0x100},
		{"straddles RAM start", 0x2ffffff0, 0x20},
		{"overlaps uart0", 0x50003ff0, 0x20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := as.RegisterFixed(tc.name, tc.base, tc.size); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	regions := as.FixedRegions()
	if len(regions) != 2 || regions[0].Name != "intc" || regions[1].Name != "uart0" {
		t.Fatalf("regions = %+v", regions)
	}
}

func TestLayoutHashCoversNames(t *testing.T) {
	a := ComputeLayoutHash(0x30000000, 0x1000, []Region{{Name: "uart0", Base: 0x50000000, Size: 0x4000}})
	b := ComputeLayoutHash(0x30000000, 0x1000, []Region{{Name: "uart1", Base: 0x50000000, Size: 0x4000}})
	c := ComputeLayoutHash(0x30000000, 0x1000, []Region{{Name: "uart0", Base: 0x50000000, Size: 0x4000}})
	if a == b {
		t.Fatalf("hash ignores region names")
	}
	if a != c {
		t.Fatalf("hash is not deterministic")
	}
	if len(a.String()) != 64 {
		t.Fatalf("hex string length %d", len(a.String()))
	}
}

func TestRAMTranslatesGuestAddresses(t *testing.T) {
	ram := NewRAM(0x30000000, 0x100)
	if _, err := ram.WriteAt([]byte{1, 2, 3, 4}, 0x300000fc); err != nil {
		t.Fatalf("write at end: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := ram.ReadAt(buf, 0x300000fc); err != nil || buf[3] != 4 {
		t.Fatalf("read back %v, %v", buf, err)
	}
	if _, err := ram.ReadAt(buf, 0x300000fd); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read past end: %v", err)
	}
	if _, err := ram.ReadAt(buf, 0x2fffffff); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read below base: %v", err)
	}
}

func TestIRQFlagCountsRisingEdges(t *testing.T) {
	var f IRQFlag
	f.SetInterruptPending()
	f.SetInterruptPending()
	f.ClearInterruptPending()
	f.SetInterruptPending()
	if !f.Pending() || f.Raised() != 2 {
		t.Fatalf("pending=%v raised=%d", f.Pending(), f.Raised())
	}
}
