package gpio

import (
	"bytes"
	"testing"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
	"github.com/tinyrange/smdk2410/internal/hv"
)

func newTestBoard(t *testing.T) (*GPIO, *intc.Controller, *hv.IRQFlag) {
	t.Helper()
	cpu := &hv.IRQFlag{}
	ic := intc.New(cpu, nil)
	if err := ic.Write32(intc.INTMSK, 0); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	return New(ic, nil), ic, cpu
}

func mustWrite(t *testing.T, g *GPIO, off, v uint32) {
	t.Helper()
	if err := g.Write32(off, v); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func TestGroupedLineIsLevelTriggered(t *testing.T) {
	g, ic, _ := newTestBoard(t)

	if err := g.SetLine(9, true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	if g.Pending()&(1<<9) == 0 {
		t.Fatalf("EINTPEND not latched")
	}
	if ic.IsPending(intc.EINT8to23.Mask()) {
		t.Fatalf("masked line reached the controller")
	}

	mustWrite(t, g, EINTMASK, eintMaskReset&^(1<<9))
	if !ic.IsPending(intc.EINT8to23.Mask()) {
		t.Fatalf("unmasking did not assert EINT8_23")
	}

	// Clearing EINTPEND while the line is high latches it again.
	mustWrite(t, g, EINTPEND, 1<<9)
	if g.Pending()&(1<<9) == 0 {
		t.Fatalf("held line did not relatch")
	}

	if err := g.SetLine(9, false); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, g, EINTPEND, 1<<9)
	if g.Pending() != 0 {
		t.Fatalf("EINTPEND = 0x%x after release", g.Pending())
	}
	if err := ic.Write32(intc.SRCPND, intc.EINT8to23.Mask()); err != nil {
		t.Fatal(err)
	}
	if err := ic.Write32(intc.INTPND, intc.EINT8to23.Mask()); err != nil {
		t.Fatal(err)
	}
	if ic.IsPending(intc.EINT8to23.Mask()) {
		t.Fatalf("EINT8_23 still pending after release and clear")
	}
}

func TestDirectLinesAreEdgeTriggered(t *testing.T) {
	g, ic, cpu := newTestBoard(t)

	line := g.Line(2)
	line.SetLevel(true)
	if !ic.IsPending(intc.EINT2.Mask()) || !cpu.Pending() {
		t.Fatalf("EINT2 not delivered")
	}
	if err := ic.Write32(intc.SRCPND, intc.EINT2.Mask()); err != nil {
		t.Fatal(err)
	}
	line.SetLevel(true)
	if ic.IsPending(intc.EINT2.Mask()) {
		t.Fatalf("held direct line fired twice")
	}
	line.SetLevel(false)
	line.SetLevel(true)
	if !ic.IsPending(intc.EINT2.Mask()) {
		t.Fatalf("second rising edge lost")
	}
}

func TestStatusRegisters(t *testing.T) {
	g, _, _ := newTestBoard(t)

	if v, _ := g.Read32(GSTATUS1); v != chipID {
		t.Fatalf("GSTATUS1 = 0x%x", v)
	}
	mustWrite(t, g, GSTATUS1, 0)
	if v, _ := g.Read32(GSTATUS1); v != chipID {
		t.Fatalf("GSTATUS1 writable")
	}
	mustWrite(t, g, GSTATUS2, gstatus2PowerOn)
	if v, _ := g.Read32(GSTATUS2); v != 0 {
		t.Fatalf("GSTATUS2 = 0x%x after clear", v)
	}
	mustWrite(t, g, 0x14, 0xaa)
	if v, _ := g.Read32(0x14); v != 0xaa {
		t.Fatalf("GPBDAT = 0x%x", v)
	}
	if _, err := g.Read32(Size); err == nil {
		t.Fatalf("read past end succeeded")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	g, _, _ := newTestBoard(t)
	mustWrite(t, g, EXTINT1, 0x44444444)
	mustWrite(t, g, EINTMASK, 0)
	_ = g.SetLine(5, true)

	var buf bytes.Buffer
	if err := g.SaveState(checkpoint.NewWriter(&buf)); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored, ic, _ := newTestBoard(t)
	if err := restored.RestoreState(checkpoint.NewReader(&buf)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, off := range []uint32{EXTINT1, EINTMASK, EINTPEND} {
		a, _ := g.Read32(off)
		b, _ := restored.Read32(off)
		if a != b {
			t.Fatalf("register 0x%x = 0x%x, want 0x%x", off, b, a)
		}
	}
	if !ic.IsPending(intc.EINT4to7.Mask()) {
		t.Fatalf("restored pending line not reported")
	}
}
