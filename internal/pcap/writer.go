// Package pcap records Ethernet frames seen by the emulated network
// controller in classic libpcap format.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT identifier for Ethernet II frames.
const LinkTypeEthernet uint32 = 1

const (
	magic        = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4

	fileHeaderLen   = 24
	recordHeaderLen = 16

	// DefaultSnapLen covers a full Ethernet frame with a VLAN tag.
	DefaultSnapLen = 1522
)

// Writer emits a libpcap stream. The file header is written when the
// Writer is created.
type Writer struct {
	w       io.Writer
	snapLen uint32
}

// NewWriter writes the file header to out and returns a Writer for the
// packet records.
func NewWriter(out io.Writer, snapLen uint32, linkType uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WritePacket appends one record. Frames longer than the snap length are
// truncated and keep their original length in the record header.
func (w *Writer) WritePacket(ts time.Time, data []byte) error {
	captured := data
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}
	var rec [recordHeaderLen]byte
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > int64(^uint32(0)) {
			return fmt.Errorf("pcap: timestamp %v out of range", ts)
		}
		binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	}
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(data)))
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := w.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// Tap is a Writer that may be shared by several goroutines.
type Tap struct {
	mu     sync.Mutex
	w      *Writer
	closer io.Closer
	now    func() time.Time
	failed bool
}

// NewTap returns a Tap writing Ethernet frames to out. If out is also an
// io.Closer, Close closes it.
func NewTap(out io.Writer) (*Tap, error) {
	w, err := NewWriter(out, DefaultSnapLen, LinkTypeEthernet)
	if err != nil {
		return nil, err
	}
	t := &Tap{w: w, now: time.Now}
	if c, ok := out.(io.Closer); ok {
		t.closer = c
	}
	return t, nil
}

// Create opens path for writing and returns a Tap on it.
func Create(path string) (*Tap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: create capture: %w", err)
	}
	t, err := NewTap(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Capture records frame. After the first write error the tap stops
// recording and every later call returns nil.
func (t *Tap) Capture(frame []byte) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed {
		return nil
	}
	if err := t.w.WritePacket(t.now(), frame); err != nil {
		t.failed = true
		return err
	}
	return nil
}

// Close closes the underlying writer if it can be closed.
func (t *Tap) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	return t.closer.Close()
}
