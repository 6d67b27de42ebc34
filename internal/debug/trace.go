// Package debug records a binary trace of bus activity: every dispatched
// access with its result, every change of the CPU IRQ line, and free-form
// notes. Records are appended concurrently by reserving space with an atomic
// offset and writing with WriteAt, so recording never takes a lock of its
// own.
//
// Each record is a 16-byte header followed by the source name and the
// payload:
//
//	2 bytes kind
//	2 bytes source length
//	4 bytes payload length
//	8 bytes timestamp (nanoseconds since the epoch)
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/smdk2410/internal/hv"
)

// Kind identifies a record's payload.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindAccess
	KindIRQ
	KindNote
)

func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindIRQ:
		return "irq"
	case KindNote:
		return "note"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

const (
	headerLen = 16

	// accessLen is the fixed part of an access payload; a fault message
	// follows it.
	accessLen = 10

	accessWrite = 1 << 0
	accessFault = 1 << 1

	sourceBus = "bus"
	sourceCPU = "cpu"
)

// Writer is the destination of a trace.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Trace appends records to a Writer. A nil *Trace records nothing.
type Trace struct {
	w      Writer
	offset atomic.Int64
	failed atomic.Bool
	now    func() time.Time
}

// New returns a Trace writing to w from offset zero.
func New(w Writer) *Trace {
	return &Trace{w: w, now: time.Now}
}

// Create truncates filename and returns a Trace writing to it.
func Create(filename string) (*Trace, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debug: create trace: %w", err)
	}
	return New(f), nil
}

// Close closes the underlying writer.
func (t *Trace) Close() error {
	if t == nil {
		return nil
	}
	t.failed.Store(true)
	return t.w.Close()
}

// Size returns the number of bytes reserved so far.
func (t *Trace) Size() int64 {
	if t == nil {
		return 0
	}
	return t.offset.Load()
}

func (t *Trace) record(kind Kind, source string, payload []byte) {
	if t == nil || t.failed.Load() {
		return
	}
	size := int64(headerLen + len(source) + len(payload))
	off := t.offset.Add(size) - size

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.now().UnixNano()))
	copy(buf[headerLen:], source)
	copy(buf[headerLen+len(source):], payload)

	if _, err := t.w.WriteAt(buf, off); err != nil {
		if t.failed.CompareAndSwap(false, true) {
			slog.Warn("debug: trace write failed, tracing stopped", "err", err)
		}
	}
}

// TraceAccess implements chipset.Tracer.
func (t *Trace) TraceAccess(addr uint32, width hv.Width, write bool, value uint32, err error) {
	if t == nil {
		return
	}
	var msg string
	if err != nil {
		msg = err.Error()
	}
	payload := make([]byte, accessLen+len(msg))
	binary.LittleEndian.PutUint32(payload[0:4], addr)
	binary.LittleEndian.PutUint32(payload[4:8], value)
	payload[8] = byte(width)
	if write {
		payload[9] |= accessWrite
	}
	if err != nil {
		payload[9] |= accessFault
	}
	copy(payload[accessLen:], msg)
	t.record(KindAccess, sourceBus, payload)
}

// Notef records a free-form message under source.
func (t *Trace) Notef(source, format string, args ...any) {
	if t == nil {
		return
	}
	t.record(KindNote, source, fmt.Appendf(nil, format, args...))
}

// InterruptTarget wraps next so that every change of the IRQ line is
// recorded before it is passed on.
func (t *Trace) InterruptTarget(next hv.InterruptTarget) hv.InterruptTarget {
	if t == nil {
		return next
	}
	return &irqTap{t: t, next: next}
}

type irqTap struct {
	t    *Trace
	next hv.InterruptTarget
}

func (i *irqTap) SetInterruptPending() {
	i.t.record(KindIRQ, sourceCPU, []byte{1})
	i.next.SetInterruptPending()
}

func (i *irqTap) ClearInterruptPending() {
	i.t.record(KindIRQ, sourceCPU, []byte{0})
	i.next.ClearInterruptPending()
}

type write struct {
	off  int64
	data []byte
}

// Buffer is an in-memory Writer. Concurrent WriteAt calls are kept as
// separate writes and assembled by Bytes.
type Buffer struct {
	writes  sync.Map
	maxSize atomic.Int64
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.writes.Store(off, write{off: off, data: append([]byte(nil), p...)})
	end := off + int64(len(p))
	for {
		cur := b.maxSize.Load()
		if cur >= end || b.maxSize.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

// Close implements io.Closer.
func (b *Buffer) Close() error { return nil }

// Bytes assembles every write into one slice.
func (b *Buffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.writes.Range(func(_, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}
