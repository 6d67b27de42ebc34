package dma

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
	"github.com/tinyrange/smdk2410/internal/hv"
)

const ramBase = 0x30000000

type testIRQ struct {
	raised []intc.Source
}

func (r *testIRQ) RaiseInterrupt(src intc.Source) error {
	r.raised = append(r.raised, src)
	return nil
}

// fakeSink holds submitted blocks until the test completes them.
type fakeSink struct {
	ready   bool
	blocks  [][]byte
	pending []func()
}

func (s *fakeSink) Ready() bool { return s.ready && len(s.pending) == 0 }

func (s *fakeSink) Submit(data []byte, done func()) error {
	s.blocks = append(s.blocks, data)
	s.pending = append(s.pending, done)
	return nil
}

func (s *fakeSink) finish() {
	done := s.pending[0]
	s.pending = s.pending[1:]
	done()
}

// discardingSink also drops what it holds when asked.
type discardingSink struct {
	fakeSink
	discards int
}

func (s *discardingSink) Discard() {
	s.discards++
	s.pending = nil
}

func newTestDMA(t *testing.T) (*DMA, *hv.RAM, *testIRQ) {
	t.Helper()
	ram := hv.NewRAM(ramBase, 0x10000)
	irq := &testIRQ{}
	return New(ram, irq, nil), ram, irq
}

func mustWrite(t *testing.T, d *DMA, n int, reg, value uint32) {
	t.Helper()
	if err := d.Write32(uint32(n)*ChannelStride+reg, value); err != nil {
		t.Fatalf("write channel %d reg 0x%x: %v", n, reg, err)
	}
}

func mustRead(t *testing.T, d *DMA, n int, reg uint32) uint32 {
	t.Helper()
	v, err := d.Read32(uint32(n)*ChannelStride + reg)
	if err != nil {
		t.Fatalf("read channel %d reg 0x%x: %v", n, reg, err)
	}
	return v
}

const (
	dconByte   = 0 << 20
	dconWord   = 2 << 20
	dconOneOff = 1 << 22
	dconHW     = 1 << 23
	dconINT    = 1 << 29
)

func TestSoftwareCopy(t *testing.T) {
	d, ram, irq := newTestDMA(t)
	src := []byte("sixteen bytes!!!")
	if _, err := ram.WriteAt(src, ramBase+0x100); err != nil {
		t.Fatal(err)
	}

	mustWrite(t, d, 1, DISRC, ramBase+0x100)
	mustWrite(t, d, 1, DIDST, ramBase+0x800)
	mustWrite(t, d, 1, DCON, dconINT|dconOneOff|dconWord|4)
	mustWrite(t, d, 1, DMASKTRIG, DMASKTRIG_ON|DMASKTRIG_SW_TRIG)

	got := make([]byte, len(src))
	if _, err := ram.ReadAt(got, ramBase+0x800); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("destination = %q, want %q", got, src)
	}
	if len(irq.raised) != 1 || irq.raised[0] != intc.DMA1 {
		t.Fatalf("raised = %v, want [DMA1]", irq.raised)
	}
	if mask := mustRead(t, d, 1, DMASKTRIG); mask&DMASKTRIG_ON != 0 {
		t.Fatal("one-shot channel still on after completion")
	}
	if d.Completions(1) != 1 {
		t.Fatalf("completions = %d", d.Completions(1))
	}
}

func TestSoftwareCopyFixedSource(t *testing.T) {
	d, ram, _ := newTestDMA(t)
	if _, err := ram.WriteAt([]byte{0xaa}, ramBase); err != nil {
		t.Fatal(err)
	}

	mustWrite(t, d, 0, DISRC, ramBase)
	mustWrite(t, d, 0, DISRCC, addrFixed)
	mustWrite(t, d, 0, DIDST, ramBase+0x40)
	mustWrite(t, d, 0, DCON, dconOneOff|dconByte|8)
	mustWrite(t, d, 0, DMASKTRIG, DMASKTRIG_ON|DMASKTRIG_SW_TRIG)

	got := make([]byte, 9)
	if _, err := ram.ReadAt(got, ramBase+0x40); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("destination = %x, want %x", got, want)
	}
}

func TestSoftwareCopyOutOfRangeFaults(t *testing.T) {
	d, _, _ := newTestDMA(t)
	mustWrite(t, d, 0, DISRC, 0x1000)
	mustWrite(t, d, 0, DIDST, ramBase)
	mustWrite(t, d, 0, DCON, dconWord|4)
	err := d.Write32(DMASKTRIG, DMASKTRIG_ON|DMASKTRIG_SW_TRIG)
	if !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
	if mask := mustRead(t, d, 0, DMASKTRIG); mask&DMASKTRIG_ON != 0 {
		t.Fatal("failed channel left on")
	}
}

func TestHardwareChannelFeedsSinkAndReloads(t *testing.T) {
	d, ram, irq := newTestDMA(t)
	sink := &fakeSink{ready: true}
	d.AttachSink(2, 0, sink)
	if _, err := ram.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8}, ramBase); err != nil {
		t.Fatal(err)
	}

	mustWrite(t, d, 2, DISRC, ramBase)
	mustWrite(t, d, 2, DIDST, 0x55000010)
	mustWrite(t, d, 2, DIDSTC, addrFixed)
	mustWrite(t, d, 2, DCON, dconINT|dconHW|dconWord|2)
	mustWrite(t, d, 2, DMASKTRIG, DMASKTRIG_ON)

	if len(sink.blocks) != 1 || !bytes.Equal(sink.blocks[0], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("sink blocks = %v", sink.blocks)
	}
	if stat := mustRead(t, d, 2, DSTAT); stat&dstatBusy == 0 || stat&tcMask != 2 {
		t.Fatalf("DSTAT = %#x, want busy with count 2", stat)
	}

	sink.finish()
	if len(irq.raised) != 1 || irq.raised[0] != intc.DMA2 {
		t.Fatalf("raised = %v, want [DMA2]", irq.raised)
	}
	// Auto-reload fetches the same block again.
	if len(sink.blocks) != 2 {
		t.Fatalf("sink blocks after reload = %d, want 2", len(sink.blocks))
	}

	mustWrite(t, d, 2, DMASKTRIG, DMASKTRIG_STOP)
	sink.finish()
	if len(irq.raised) != 1 {
		t.Fatal("stopped channel completed a block")
	}
}

func TestHardwareChannelWaitsForSink(t *testing.T) {
	d, _, _ := newTestDMA(t)
	sink := &fakeSink{}
	d.AttachSink(2, 0, sink)

	mustWrite(t, d, 2, DISRC, ramBase)
	mustWrite(t, d, 2, DCON, dconHW|dconWord|1)
	mustWrite(t, d, 2, DMASKTRIG, DMASKTRIG_ON)
	if len(sink.blocks) != 0 {
		t.Fatal("block submitted to a sink that was not ready")
	}

	sink.ready = true
	d.Request(2)
	if len(sink.blocks) != 1 {
		t.Fatalf("sink blocks = %d after request", len(sink.blocks))
	}
	d.Request(2)
	if len(sink.blocks) != 1 {
		t.Fatal("busy channel submitted a second block")
	}
}

func TestUnsupportedHardwareSource(t *testing.T) {
	d, _, _ := newTestDMA(t)
	mustWrite(t, d, 0, DCON, dconHW|3<<24|1)
	err := d.Write32(DMASKTRIG, DMASKTRIG_ON)
	if !errors.Is(err, chipset.ErrUnsupportedValue) {
		t.Fatalf("err = %v, want ErrUnsupportedValue", err)
	}
}

func TestStatusRegistersReadOnly(t *testing.T) {
	d, _, _ := newTestDMA(t)
	for _, reg := range []uint32{DSTAT, DCSRC, DCDST} {
		if err := d.Write32(reg, 1); !errors.Is(err, chipset.ErrUnsupportedValue) {
			t.Fatalf("write 0x%x: err = %v", reg, err)
		}
	}
	if _, err := d.Read32(0x24); !errors.Is(err, chipset.ErrUnsupportedRegister) {
		t.Fatalf("read past DMASKTRIG: err = %v", err)
	}
}

func TestCheckpointRefetchesHardwareBlock(t *testing.T) {
	d, ram, _ := newTestDMA(t)
	sink := &fakeSink{ready: true}
	d.AttachSink(2, 0, sink)
	mustWrite(t, d, 2, DISRC, ramBase)
	mustWrite(t, d, 2, DCON, dconHW|dconWord|1)
	mustWrite(t, d, 2, DMASKTRIG, DMASKTRIG_ON)

	var buf bytes.Buffer
	if err := d.SaveState(checkpoint.NewWriter(&buf)); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	fresh := New(ram, &testIRQ{}, nil)
	other := &fakeSink{ready: true}
	fresh.AttachSink(2, 0, other)
	if err := fresh.RestoreState(checkpoint.NewReader(bytes.NewReader(buf.Bytes()))); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if len(other.blocks) != 1 {
		t.Fatalf("restored channel submitted %d blocks, want 1", len(other.blocks))
	}

	// Restoring over a running channel orphans its in-flight block.
	if err := d.RestoreState(checkpoint.NewReader(bytes.NewReader(buf.Bytes()))); err != nil {
		t.Fatalf("RestoreState in place: %v", err)
	}
	sink.finish()
	if d.Completions(2) != 0 {
		t.Fatalf("stale block completed the channel")
	}
	d.Request(2)
	if len(sink.blocks) != 2 {
		t.Fatalf("sink blocks = %d, want the block fetched again", len(sink.blocks))
	}
}

func TestRestoreDiscardsSinkBeforeRefetch(t *testing.T) {
	d, _, _ := newTestDMA(t)
	sink := &discardingSink{fakeSink: fakeSink{ready: true}}
	d.AttachSink(2, 0, sink)
	mustWrite(t, d, 2, DISRC, ramBase)
	mustWrite(t, d, 2, DCON, dconHW|dconWord|1)
	mustWrite(t, d, 2, DMASKTRIG, DMASKTRIG_ON)
	if len(sink.blocks) != 1 {
		t.Fatalf("sink blocks = %d, want 1", len(sink.blocks))
	}

	var buf bytes.Buffer
	if err := d.SaveState(checkpoint.NewWriter(&buf)); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := d.RestoreState(checkpoint.NewReader(bytes.NewReader(buf.Bytes()))); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if sink.discards != 1 {
		t.Fatalf("discards = %d, want 1", sink.discards)
	}
	if len(sink.blocks) != 2 || len(sink.pending) != 1 {
		t.Fatalf("blocks = %d pending = %d, want the block fetched again once", len(sink.blocks), len(sink.pending))
	}
	sink.finish()
	if d.Completions(2) != 1 {
		t.Fatalf("completions = %d, want 1", d.Completions(2))
	}
}

func TestResetStopsChannels(t *testing.T) {
	d, _, irq := newTestDMA(t)
	sink := &fakeSink{ready: true}
	d.AttachSink(2, 0, sink)
	mustWrite(t, d, 2, DISRC, ramBase)
	mustWrite(t, d, 2, DCON, dconINT|dconHW|dconWord|1)
	mustWrite(t, d, 2, DMASKTRIG, DMASKTRIG_ON)

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	sink.finish()
	if len(irq.raised) != 0 {
		t.Fatalf("completion after reset raised %v", irq.raised)
	}
	if mustRead(t, d, 2, DCON) != 0 {
		t.Fatal("DCON survived reset")
	}
}
