package chipset

import (
	"errors"
	"fmt"

	"github.com/tinyrange/smdk2410/internal/hv"
)

var (
	// ErrUnsupportedRegister is returned by device handlers for offsets they
	// do not implement.
	ErrUnsupportedRegister = errors.New("unsupported register")
	// ErrUnsupportedValue is returned by device handlers for values the
	// emulation cannot represent (for example FIQ routing).
	ErrUnsupportedValue = errors.New("unsupported register value")
)

// FaultKind classifies an unsupported-hardware fault.
type FaultKind int

const (
	// FaultNoDevice means no table entry covers the access.
	FaultNoDevice FaultKind = iota
	// FaultWidth means the device does not implement this width/direction.
	FaultWidth
	// FaultUnavailable means the device failed to power on.
	FaultUnavailable
	// FaultDevice means the device handler rejected the access.
	FaultDevice
)

func (k FaultKind) String() string {
	switch k {
	case FaultNoDevice:
		return "no device"
	case FaultWidth:
		return "unsupported width"
	case FaultUnavailable:
		return "device unavailable"
	case FaultDevice:
		return "device fault"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// Fault is an unsupported-hardware fault. It marks a gap in the emulation and
// is never converted into a successful access.
type Fault struct {
	Kind   FaultKind
	Addr   uint32
	Width  hv.Width
	Write  bool
	Value  uint32
	Device string
	Err    error
}

func (f *Fault) Error() string {
	dir := "read"
	if f.Write {
		dir = "write"
	}
	msg := fmt.Sprintf("chipset: %s: %s %s at 0x%08x", f.Kind, f.Width, dir, f.Addr)
	if f.Write {
		msg += fmt.Sprintf(" value 0x%x", f.Value)
	}
	if f.Device != "" {
		msg += fmt.Sprintf(" (%s)", f.Device)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// UnsupportedOffset builds the error a handler returns for an unknown offset.
func UnsupportedOffset(device string, offset uint32) error {
	return fmt.Errorf("%s: offset 0x%x: %w", device, offset, ErrUnsupportedRegister)
}

// UnsupportedValue builds the error a handler returns for a value it cannot
// represent.
func UnsupportedValue(device, register string, value uint32) error {
	return fmt.Errorf("%s: %s = 0x%x: %w", device, register, value, ErrUnsupportedValue)
}
