package regfile

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
)

var wdtRegs = []Register{
	{Name: "WTCON", Offset: 0x00, Reset: 0x8021},
	{Name: "WTDAT", Offset: 0x04, Reset: 0x8000},
	{Name: "WTCNT", Offset: 0x08, Reset: 0x8000},
	{Name: "ID", Offset: 0x0c, Reset: 0x2410, ReadOnly: true},
}

func TestRegisterFileResetAndWrite(t *testing.T) {
	d, err := New("wdt", wdtRegs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if v, _ := d.Read32(0x00); v != 0x8021 {
		t.Fatalf("WTCON reset = 0x%x", v)
	}
	if err := d.Write32(0x04, 0x1234); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Write32(0x0c, 0); err != nil {
		t.Fatalf("write read-only: %v", err)
	}
	if v, _ := d.Read32(0x04); v != 0x1234 {
		t.Fatalf("WTDAT = 0x%x", v)
	}
	if v, _ := d.Read32(0x0c); v != 0x2410 {
		t.Fatalf("read-only register changed to 0x%x", v)
	}
	if _, err := d.Read32(0x10); !errors.Is(err, chipset.ErrUnsupportedRegister) {
		t.Fatalf("unknown offset: %v", err)
	}
	_ = d.Reset()
	if v, _ := d.Read32(0x04); v != 0x8000 {
		t.Fatalf("WTDAT after reset = 0x%x", v)
	}
}

func TestRegisterFileRejectsBadLayout(t *testing.T) {
	if _, err := New("bad", []Register{{Name: "A", Offset: 2}}); err == nil {
		t.Fatalf("unaligned offset accepted")
	}
	if _, err := New("bad", []Register{{Name: "A", Offset: 4}, {Name: "B", Offset: 4}}); err == nil {
		t.Fatalf("duplicate offset accepted")
	}
}

func TestRegisterFileCheckpoint(t *testing.T) {
	d, _ := New("wdt", wdtRegs)
	_ = d.Write32(0x08, 0x55)

	var buf bytes.Buffer
	if err := d.SaveState(checkpoint.NewWriter(&buf)); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored, _ := New("wdt", wdtRegs)
	if err := restored.RestoreState(checkpoint.NewReader(bytes.NewReader(buf.Bytes()))); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v, _ := restored.Read32(0x08); v != 0x55 {
		t.Fatalf("WTCNT = 0x%x", v)
	}

	short, _ := New("wdt", wdtRegs[:2])
	if err := short.RestoreState(checkpoint.NewReader(bytes.NewReader(buf.Bytes()))); err == nil {
		t.Fatalf("register count mismatch accepted")
	}
}
