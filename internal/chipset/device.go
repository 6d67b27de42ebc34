package chipset

import (
	"github.com/tinyrange/smdk2410/internal/checkpoint"
)

// Device is the minimal contract every board peripheral satisfies. All other
// capabilities are optional and discovered with the interfaces below; an
// access whose width or direction the device does not implement faults.
type Device interface {
	DeviceID() string
}

// Per-width register handlers. Offsets are relative to the device's base.
type (
	ByteReader interface {
		Read8(offset uint32) (uint8, error)
	}
	HalfReader interface {
		Read16(offset uint32) (uint16, error)
	}
	WordReader interface {
		Read32(offset uint32) (uint32, error)
	}
	ByteWriter interface {
		Write8(offset uint32, value uint8) error
	}
	HalfWriter interface {
		Write16(offset uint32, value uint16) error
	}
	WordWriter interface {
		Write32(offset uint32, value uint32) error
	}
)

// PowerOner allocates host resources (goroutines, handles). It is called
// without the shared lock held.
type PowerOner interface {
	PowerOn() error
}

// PowerOffer releases what PowerOn allocated. It is called without the shared
// lock held so that it can wait for workers which take the lock.
type PowerOffer interface {
	PowerOff() error
}

// Resetter reinitializes registers without releasing host resources. It is
// called with the shared lock held.
type Resetter interface {
	Reset() error
}

// Reconfigurer rebinds a device to a different host resource. It is called
// without the shared lock held; implementations cancel outstanding work on the
// old binding before opening the new one and take the lock only around
// register updates.
type Reconfigurer interface {
	Reconfigure(param string) error
}

// Checkpointer saves and restores device state. Both are called with the
// shared lock held.
type Checkpointer interface {
	SaveState(w *checkpoint.Writer) error
	RestoreState(r *checkpoint.Reader) error
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// Halter receives fatal faults raised off the dispatch path, for example by
// an asynchronous worker whose interrupt raise failed.
type Halter interface {
	Halt(err error)
}

// HaltFunc adapts a function to Halter.
type HaltFunc func(err error)

// Halt implements Halter.
func (f HaltFunc) Halt(err error) {
	if f != nil {
		f(err)
	}
}
