package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/smdk2410/internal/hv"
)

// Header precedes the device records in a checkpoint file.
type Header struct {
	Layout  hv.LayoutHash
	Devices uint32
}

// WriteHeader writes the file magic, version, layout hash and record count.
func WriteHeader(w io.Writer, hdr Header) error {
	if err := binary.Write(w, binary.LittleEndian, hv.CheckpointMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hv.CheckpointVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if _, err := w.Write(hdr.Layout[:]); err != nil {
		return fmt.Errorf("write layout hash: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.Devices); err != nil {
		return fmt.Errorf("write device count: %w", err)
	}
	return nil
}

// ReadHeader reads and validates a checkpoint file header.
func ReadHeader(r io.Reader) (Header, error) {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return Header{}, fmt.Errorf("read magic: %w", err)
	}
	if magic != hv.CheckpointMagic {
		return Header{}, fmt.Errorf("invalid checkpoint magic: 0x%08x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Header{}, fmt.Errorf("read version: %w", err)
	}
	if version != hv.CheckpointVersion {
		return Header{}, fmt.Errorf("unsupported checkpoint version: %d", version)
	}
	var hdr Header
	if _, err := io.ReadFull(r, hdr.Layout[:]); err != nil {
		return Header{}, fmt.Errorf("read layout hash: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Devices); err != nil {
		return Header{}, fmt.Errorf("read device count: %w", err)
	}
	return hdr, nil
}
