package hv

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrMachineHalted = errors.New("machine halted")
	ErrOutOfRange    = errors.New("guest physical address out of range")
)

// Width is the size of a single guest bus access.
type Width uint8

const (
	WidthByte Width = 1
	WidthHalf Width = 2
	WidthWord Width = 4
)

func (w Width) String() string {
	switch w {
	case WidthByte:
		return "byte"
	case WidthHalf:
		return "half"
	case WidthWord:
		return "word"
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// Mask returns the value mask for the width.
func (w Width) Mask() uint32 {
	switch w {
	case WidthByte:
		return 0xff
	case WidthHalf:
		return 0xffff
	default:
		return 0xffffffff
	}
}

// Valid reports whether w is one of the three ARM bus widths.
func (w Width) Valid() bool {
	return w == WidthByte || w == WidthHalf || w == WidthWord
}

type MMIORegion struct {
	Address uint32
	Size    uint32
}

// End returns the first address past the region.
func (r MMIORegion) End() uint64 {
	return uint64(r.Address) + uint64(r.Size)
}

// Contains reports whether the access [addr, addr+width) lies inside the region.
func (r MMIORegion) Contains(addr uint32, width Width) bool {
	return addr >= r.Address && uint64(addr)+uint64(width) <= r.End()
}

// InterruptTarget is the CPU side of the IRQ line. The interrupt controller
// asserts it while a reported interrupt is outstanding.
type InterruptTarget interface {
	SetInterruptPending()
	ClearInterruptPending()
}

// InterruptTargetFuncs adapts two functions to InterruptTarget.
type InterruptTargetFuncs struct {
	Set   func()
	Clear func()
}

func (f InterruptTargetFuncs) SetInterruptPending() {
	if f.Set != nil {
		f.Set()
	}
}

func (f InterruptTargetFuncs) ClearInterruptPending() {
	if f.Clear != nil {
		f.Clear()
	}
}

// IRQFlag is an InterruptTarget that records the line level. It is what a
// CPU core polls between instructions.
type IRQFlag struct {
	mu      sync.Mutex
	pending bool
	raised  uint64
}

func (f *IRQFlag) SetInterruptPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pending {
		f.raised++
	}
	f.pending = true
}

func (f *IRQFlag) ClearInterruptPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
}

// Pending reports the current line level.
func (f *IRQFlag) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Raised returns how many times the line went from low to high.
func (f *IRQFlag) Raised() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raised
}

// Memory is guest physical memory as seen by bus masters such as DMA.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	Base() uint32
	Size() uint32
}

// RAM is a flat guest memory bank.
type RAM struct {
	base uint32
	data []byte
}

// NewRAM allocates size bytes of guest memory mapped at base.
func NewRAM(base, size uint32) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

func (r *RAM) Base() uint32 { return r.base }
func (r *RAM) Size() uint32 { return uint32(len(r.data)) }

func (r *RAM) translate(off int64, n int) (int64, error) {
	rel := off - int64(r.base)
	if rel < 0 || rel+int64(n) > int64(len(r.data)) {
		return 0, fmt.Errorf("ram: access 0x%x+%d: %w", off, n, ErrOutOfRange)
	}
	return rel, nil
}

// ReadAt reads guest memory at the guest physical address off.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	rel, err := r.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.data[rel:]), nil
}

// WriteAt writes guest memory at the guest physical address off.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	rel, err := r.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.data[rel:], p), nil
}

var (
	_ Memory          = (*RAM)(nil)
	_ InterruptTarget = (*IRQFlag)(nil)
	_ InterruptTarget = InterruptTargetFuncs{}
)
