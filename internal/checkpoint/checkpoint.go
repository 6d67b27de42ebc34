// Package checkpoint implements the per-device save/restore record format.
//
// Every device record starts with a 4-byte type tag and a version word,
// followed by that device's fields in a fixed order and at fixed widths, all
// little endian. Restore reads the fields back in exactly the order they were
// written, so a record round-trips bit for bit. The chipset frames each
// device record with its byte length.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrTagMismatch     = errors.New("checkpoint: tag mismatch")
	ErrVersionMismatch = errors.New("checkpoint: unsupported record version")
	ErrRecordTooLarge  = errors.New("checkpoint: record too large")
)

// MaxFramedRecord bounds the payload of a framed record.
const MaxFramedRecord = 16 << 20

// Tag identifies the device type owning a record.
type Tag [4]byte

// TagOf builds a tag from a 4 character string.
func TagOf(s string) Tag {
	if len(s) != 4 {
		panic(fmt.Sprintf("checkpoint: tag %q must be 4 bytes", s))
	}
	var t Tag
	copy(t[:], s)
	return t
}

func (t Tag) String() string { return string(t[:]) }

// Writer emits fields to an underlying stream. The first error sticks; later
// calls are no-ops and Err reports it.
type Writer struct {
	w   io.Writer
	err error
	n   int64
	buf [8]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first write error, if any.
func (w *Writer) Err() error { return w.err }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 { return w.n }

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(p)
	w.n += int64(n)
	if err != nil {
		w.err = fmt.Errorf("checkpoint: write: %w", err)
	}
}

// Begin starts a device record.
func (w *Writer) Begin(tag Tag, version uint32) {
	w.write(tag[:])
	w.U32(version)
}

// Framed writes the fields fn emits as one record preceded by its byte
// length, so a reader can step over the record without decoding it.
func (w *Writer) Framed(fn func(*Writer) error) error {
	if w.err != nil {
		return w.err
	}
	var buf bytes.Buffer
	sub := NewWriter(&buf)
	if err := fn(sub); err != nil {
		return err
	}
	if err := sub.Err(); err != nil {
		return err
	}
	if buf.Len() > MaxFramedRecord {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, buf.Len())
	}
	w.U32(uint32(buf.Len()))
	w.write(buf.Bytes())
	return w.err
}

func (w *Writer) U8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *Writer) U16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *Writer) U32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *Writer) U64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// Bytes writes p verbatim. The reader must know len(p) up front.
func (w *Writer) Bytes(p []byte) {
	w.write(p)
}

// U32s writes every element of v.
func (w *Writer) U32s(v []uint32) {
	for _, x := range v {
		w.U32(x)
	}
}

// Reader is the counterpart of Writer with the same sticky error behaviour.
// Reads after an error return zero values.
type Reader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Err returns the first read error, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) read(n int) []byte {
	if r.err != nil {
		clear(r.buf[:n])
		return r.buf[:n]
	}
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		r.err = fmt.Errorf("checkpoint: read: %w", err)
		clear(r.buf[:n])
	}
	return r.buf[:n]
}

// Verify consumes a record header and checks its tag and version. A mismatch
// means the stream is out of step with the board and cannot be continued.
func (r *Reader) Verify(tag Tag, version uint32) error {
	var got Tag
	copy(got[:], r.read(4))
	v := r.U32()
	if r.err != nil {
		return r.err
	}
	if got != tag {
		r.err = fmt.Errorf("%w: want %q, got %q", ErrTagMismatch, tag, got)
		return r.err
	}
	if v != version {
		r.err = fmt.Errorf("%w: %s version %d, want %d", ErrVersionMismatch, tag, v, version)
		return r.err
	}
	return nil
}

// Framed reads a record written by Writer.Framed and returns a Reader
// limited to its payload. The outer reader is positioned after the record
// whatever the caller consumes from the returned one. Stream errors stick to
// both readers.
func (r *Reader) Framed() *Reader {
	n := r.U32()
	if r.err == nil && n > MaxFramedRecord {
		r.err = fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	if r.err != nil {
		return &Reader{err: r.err}
	}
	p := make([]byte, n)
	r.Bytes(p)
	if r.err != nil {
		return &Reader{err: r.err}
	}
	return NewReader(bytes.NewReader(p))
}

func (r *Reader) U8() uint8 {
	return r.read(1)[0]
}

func (r *Reader) U16() uint16 {
	return binary.LittleEndian.Uint16(r.read(2))
}

func (r *Reader) U32() uint32 {
	return binary.LittleEndian.Uint32(r.read(4))
}

func (r *Reader) U64() uint64 {
	return binary.LittleEndian.Uint64(r.read(8))
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Bool() bool {
	return r.U8() != 0
}

// Bytes fills p from the stream.
func (r *Reader) Bytes(p []byte) {
	if r.err != nil {
		clear(p)
		return
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		r.err = fmt.Errorf("checkpoint: read: %w", err)
		clear(p)
	}
}

// U32s fills v from the stream.
func (r *Reader) U32s(v []uint32) {
	for i := range v {
		v[i] = r.U32()
	}
}
