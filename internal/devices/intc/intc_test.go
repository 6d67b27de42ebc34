package intc

import (
	"bytes"
	"errors"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
)

type testCPU struct {
	pending bool
	sets    int
	clears  int
}

func (c *testCPU) SetInterruptPending() {
	c.pending = true
	c.sets++
}

func (c *testCPU) ClearInterruptPending() {
	c.pending = false
	c.clears++
}

func newTestController(t *testing.T) (*Controller, *testCPU) {
	t.Helper()
	cpu := &testCPU{}
	return New(cpu, nil), cpu
}

func mustWrite(t *testing.T, c *Controller, off, value uint32) {
	t.Helper()
	if err := c.Write32(off, value); err != nil {
		t.Fatalf("write 0x%x = 0x%x: %v", off, value, err)
	}
}

func mustRead(t *testing.T, c *Controller, off uint32) uint32 {
	t.Helper()
	v, err := c.Read32(off)
	if err != nil {
		t.Fatalf("read 0x%x: %v", off, err)
	}
	return v
}

func mustRaise(t *testing.T, c *Controller, src Source) {
	t.Helper()
	if err := c.RaiseInterrupt(src); err != nil {
		t.Fatalf("raise %s: %v", src, err)
	}
}

// service acknowledges the reported interrupt the way a guest ISR does and
// returns it.
func service(t *testing.T, c *Controller) Source {
	t.Helper()
	pnd := mustRead(t, c, INTPND)
	if pnd == 0 {
		t.Fatalf("no interrupt pending")
	}
	off := mustRead(t, c, INTOFFSET)
	if pnd != 1<<off {
		t.Fatalf("INTOFFSET %d does not match INTPND 0x%08x", off, pnd)
	}
	mustWrite(t, c, SRCPND, pnd)
	mustWrite(t, c, INTPND, pnd)
	return Source(off)
}

func TestPowerOnDefaults(t *testing.T) {
	c, cpu := newTestController(t)
	want := map[uint32]uint32{
		SRCPND:    0,
		INTMOD:    0,
		INTMSK:    0xffffffff,
		PRIORITY:  0,
		INTPND:    0,
		INTOFFSET: 0,
		SUBSRCPND: 0,
		INTSUBMSK: 0x7ff,
	}
	for off, v := range want {
		if got := mustRead(t, c, off); got != v {
			t.Errorf("register 0x%x = 0x%x, want 0x%x", off, got, v)
		}
	}
	if cpu.pending {
		t.Fatalf("CPU flag asserted at power on")
	}
}

func TestMaskedSourceAccumulates(t *testing.T) {
	c, cpu := newTestController(t)
	mustRaise(t, c, Timer0)

	if got := mustRead(t, c, SRCPND); got != Timer0.Mask() {
		t.Fatalf("SRCPND = 0x%x, want TIMER0", got)
	}
	if got := mustRead(t, c, INTPND); got != 0 {
		t.Fatalf("masked source delivered: INTPND = 0x%x", got)
	}
	if cpu.pending {
		t.Fatalf("CPU flag asserted for masked source")
	}
}

func TestSameGroupRotation(t *testing.T) {
	c, cpu := newTestController(t)
	mustRaise(t, c, EINT0)
	mustRaise(t, c, EINT1)
	mustWrite(t, c, INTMSK, ^(EINT0.Mask() | EINT1.Mask()))

	if got := mustRead(t, c, INTPND); got != EINT0.Mask() {
		t.Fatalf("first delivery = 0x%x, want EINT0", got)
	}
	if !cpu.pending {
		t.Fatalf("CPU flag not asserted")
	}

	// The guest clears SRCPND, the device immediately re-raises EINT0 while
	// EINT1 is still waiting, then the guest clears INTPND.
	mustWrite(t, c, SRCPND, EINT0.Mask())
	mustRaise(t, c, EINT0)
	mustWrite(t, c, INTPND, EINT0.Mask())

	if got := mustRead(t, c, INTPND); got != EINT1.Mask() {
		t.Fatalf("second delivery = 0x%x, want EINT1", got)
	}
	if off := mustRead(t, c, INTOFFSET); off != uint32(EINT1) {
		t.Fatalf("INTOFFSET = %d, want %d", off, EINT1)
	}
}

func TestUnmaskDeliversImmediately(t *testing.T) {
	c, cpu := newTestController(t)
	mustRaise(t, c, RTC)
	if cpu.pending {
		t.Fatalf("delivered while masked")
	}

	mustWrite(t, c, INTMSK, ^RTC.Mask())
	if got := mustRead(t, c, INTPND); got != RTC.Mask() {
		t.Fatalf("INTPND = 0x%x after unmask, want RTC", got)
	}
	if !cpu.pending {
		t.Fatalf("CPU flag not asserted on unmask")
	}
}

func TestLevelSourceRefires(t *testing.T) {
	c, cpu := newTestController(t)
	mustWrite(t, c, INTMSK, ^EINT8to23.Mask())
	if err := c.SetLevel(EINT8to23, true); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if got := mustRead(t, c, INTPND); got != EINT8to23.Mask() {
		t.Fatalf("INTPND = 0x%x, want EINT8_23", got)
	}

	clearsBefore := cpu.clears
	mustWrite(t, c, SRCPND, EINT8to23.Mask())
	mustWrite(t, c, INTPND, EINT8to23.Mask())

	if cpu.clears != clearsBefore+1 {
		t.Fatalf("CPU flag was not dropped before the re-fire")
	}
	if got := mustRead(t, c, INTPND); got != EINT8to23.Mask() {
		t.Fatalf("level source did not re-fire: INTPND = 0x%x", got)
	}
	if !cpu.pending {
		t.Fatalf("CPU flag not re-asserted")
	}

	// Once the device drops the line the next acknowledgement sticks.
	if err := c.SetLevel(EINT8to23, false); err != nil {
		t.Fatalf("clear level: %v", err)
	}
	service(t, c)
	if got := mustRead(t, c, INTPND); got != 0 {
		t.Fatalf("INTPND = 0x%x after line dropped", got)
	}
	if cpu.pending {
		t.Fatalf("CPU flag still asserted")
	}
}

func TestSourcePendingWriteOneToClear(t *testing.T) {
	c, _ := newTestController(t)
	for _, src := range []Source{Timer1, LCD, IIC, EINT2} {
		mustRaise(t, c, src)
	}
	before := mustRead(t, c, SRCPND)

	mustWrite(t, c, SRCPND, 0)
	if got := mustRead(t, c, SRCPND); got != before {
		t.Fatalf("writing 0 changed SRCPND: 0x%x -> 0x%x", before, got)
	}

	mustWrite(t, c, SRCPND, LCD.Mask())
	if got := mustRead(t, c, SRCPND); got != before&^LCD.Mask() {
		t.Fatalf("SRCPND = 0x%x, want 0x%x", got, before&^LCD.Mask())
	}

	mustWrite(t, c, SRCPND, mustRead(t, c, SRCPND))
	if got := mustRead(t, c, SRCPND); got != 0 {
		t.Fatalf("writing back SRCPND left 0x%x", got)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	group := childArbiters[2]
	c, _ := newTestController(t)
	var mask uint32
	for _, src := range group {
		mask |= src.Mask()
		mustRaise(t, c, src)
	}
	mustWrite(t, c, INTMSK, ^mask)

	const rounds = 10
	seen := make(map[Source]int)
	for i := 0; i < rounds*len(group); i++ {
		src := service(t, c)
		seen[src]++
		mustRaise(t, c, src)

		if (i+1)%len(group) == 0 {
			for _, s := range group {
				if seen[s] != (i+1)/len(group) {
					t.Fatalf("after %d arbitrations %s serviced %d times", i+1, s, seen[s])
				}
			}
		}
	}
}

func TestTopLevelRotatesAcrossGroups(t *testing.T) {
	c, _ := newTestController(t)
	srcs := []Source{EINT0, Tick, Timer0, DMA0, SPI0, UART0}
	var mask uint32
	for _, src := range srcs {
		mask |= src.Mask()
		mustRaise(t, c, src)
	}
	mustWrite(t, c, INTMSK, ^mask)

	for round := 0; round < 3; round++ {
		for _, want := range srcs {
			got := service(t, c)
			if got != want {
				t.Fatalf("round %d: serviced %s, want %s", round, got, want)
			}
			mustRaise(t, c, got)
		}
	}
}

func TestSubSourceRollup(t *testing.T) {
	c, cpu := newTestController(t)
	mustWrite(t, c, INTMSK, ^UART1.Mask())

	if err := c.RaiseSubInterrupt(SubRXD1); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if got := mustRead(t, c, SUBSRCPND); got != SubRXD1.Mask() {
		t.Fatalf("SUBSRCPND = 0x%x", got)
	}
	if c.IsPending(UART1.Mask()) {
		t.Fatalf("masked sub-source forced its main source")
	}

	mustWrite(t, c, INTSUBMSK, subSourceBits&^SubRXD1.Mask())
	if got := mustRead(t, c, INTPND); got != UART1.Mask() {
		t.Fatalf("INTPND = 0x%x after sub unmask, want UART1", got)
	}

	// Clearing SRCPND while the sub-source is still pending re-forces it.
	mustWrite(t, c, SRCPND, UART1.Mask())
	if !c.IsPending(UART1.Mask()) {
		t.Fatalf("main source not re-forced by pending sub-source")
	}

	mustWrite(t, c, SUBSRCPND, SubRXD1.Mask())
	mustWrite(t, c, SRCPND, UART1.Mask())
	mustWrite(t, c, INTPND, UART1.Mask())
	if cpu.pending || c.IsPending(UART1.Mask()) {
		t.Fatalf("UART1 still pending after full acknowledgement")
	}
}

func TestADCRollup(t *testing.T) {
	c, _ := newTestController(t)
	mustWrite(t, c, INTSUBMSK, 0)
	if err := c.RaiseSubInterrupt(SubTC); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if !c.IsPending(ADC.Mask()) {
		t.Fatalf("TC sub-source did not force ADC")
	}
	if c.IsPending(UART0.Mask() | UART1.Mask() | UART2.Mask()) {
		t.Fatalf("TC forced a UART source")
	}
}

func TestUnsupportedWritesFault(t *testing.T) {
	c, _ := newTestController(t)
	for _, tc := range []struct {
		name  string
		off   uint32
		value uint32
		want  error
	}{
		{"fiq mode", INTMOD, 1 << 3, chipset.ErrUnsupportedValue},
		{"priority", PRIORITY, 0x7f, chipset.ErrUnsupportedValue},
		{"intoffset", INTOFFSET, 0, chipset.ErrUnsupportedRegister},
		{"past end", Size, 0, chipset.ErrUnsupportedRegister},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Write32(tc.off, tc.value)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if err := c.Write32(INTMOD, 0); err != nil {
		t.Fatalf("INTMOD = 0 rejected: %v", err)
	}
}

func TestAtMostOnePending(t *testing.T) {
	c, cpu := newTestController(t)
	rng := rand.New(rand.NewSource(2410))

	for i := 0; i < 20000; i++ {
		var err error
		switch rng.Intn(8) {
		case 0, 1:
			err = c.RaiseInterrupt(Source(rng.Intn(numSources)))
		case 2:
			err = c.RaiseSubInterrupt(SubSource(rng.Intn(numSubSources)))
		case 3:
			err = c.Write32(INTMSK, rng.Uint32())
		case 4:
			err = c.Write32(SRCPND, rng.Uint32())
		case 5:
			err = c.Write32(INTPND, c.intpnd)
		case 6:
			err = c.Write32(INTSUBMSK, rng.Uint32())
		case 7:
			err = c.SetLevel(Source(rng.Intn(numSources)), rng.Intn(2) == 0)
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if n := bits.OnesCount32(c.intpnd); n > 1 {
			t.Fatalf("step %d: INTPND 0x%08x has %d bits set", i, c.intpnd, n)
		}
		if cpu.pending != (c.intpnd != 0) {
			t.Fatalf("step %d: CPU flag %v with INTPND 0x%08x", i, cpu.pending, c.intpnd)
		}
		if c.intpnd != 0 && c.intoffset != uint32(bits.TrailingZeros32(c.intpnd)) {
			t.Fatalf("step %d: INTOFFSET %d with INTPND 0x%08x", i, c.intoffset, c.intpnd)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	c, _ := newTestController(t)
	mustWrite(t, c, INTSUBMSK, 0x3f0)
	mustWrite(t, c, INTMSK, ^(Timer2.Mask() | UART0.Mask()))
	mustRaise(t, c, Timer2)
	mustRaise(t, c, WDT)
	if err := c.RaiseSubInterrupt(SubTXD0); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := c.SetLevel(EINT4to7, true); err != nil {
		t.Fatalf("set level: %v", err)
	}

	var buf bytes.Buffer
	if err := c.SaveState(checkpoint.NewWriter(&buf)); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored, cpu := newTestController(t)
	if err := restored.RestoreState(checkpoint.NewReader(&buf)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, off := range []uint32{SRCPND, INTMOD, INTMSK, PRIORITY, INTPND, INTOFFSET, SUBSRCPND, INTSUBMSK} {
		if a, b := mustRead(t, c, off), mustRead(t, restored, off); a != b {
			t.Errorf("register 0x%x: saved 0x%x restored 0x%x", off, a, b)
		}
	}
	if restored.levels != c.levels || restored.subLevels != c.subLevels {
		t.Errorf("levels not restored")
	}
	if !cpu.pending {
		t.Errorf("CPU flag not re-asserted for in-flight interrupt")
	}
}

func TestRestoreRejectsCorruptFields(t *testing.T) {
	var buf bytes.Buffer
	w := checkpoint.NewWriter(&buf)
	w.Begin(stateTag, stateVersion)
	w.U32(Timer0.Mask() | Timer1.Mask()) // SRCPND
	w.U32(0)                             // INTMOD
	w.U32(0)                             // INTMSK
	w.U32(0xffffffff)                    // PRIORITY, out of range
	w.U32(Timer0.Mask() | Timer1.Mask()) // INTPND, two bits
	w.U32(7)                             // INTOFFSET
	w.U32(0)
	w.U32(subSourceBits)
	w.U32(0)
	w.U32(0)

	c, cpu := newTestController(t)
	if err := c.RestoreState(checkpoint.NewReader(&buf)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	// Selectors restart from zero, then the TIMER0 grant rotates group 2
	// and the top arbiter past it.
	want := priority(0).with(arbTop, 3).with(2, 1)
	if got := mustRead(t, c, PRIORITY); got != uint32(want) {
		t.Fatalf("PRIORITY = 0x%x, want 0x%x", got, uint32(want))
	}
	if got := mustRead(t, c, INTPND); got != Timer0.Mask() {
		t.Fatalf("INTPND = 0x%x, want re-arbitrated TIMER0", got)
	}
	if !cpu.pending {
		t.Fatalf("CPU flag not asserted")
	}
}

func TestRestoreRejectsFIQMode(t *testing.T) {
	var buf bytes.Buffer
	w := checkpoint.NewWriter(&buf)
	w.Begin(stateTag, stateVersion)
	for i := 0; i < 10; i++ {
		w.U32(0)
	}
	raw := buf.Bytes()
	// INTMOD is the second field after the 8-byte header.
	raw[8+4] = 1

	c, _ := newTestController(t)
	err := c.RestoreState(checkpoint.NewReader(bytes.NewReader(raw)))
	if !errors.Is(err, chipset.ErrUnsupportedValue) {
		t.Fatalf("err = %v, want unsupported value", err)
	}
}

func TestLineHandle(t *testing.T) {
	c, cpu := newTestController(t)
	mustWrite(t, c, INTMSK, ^IIC.Mask())
	c.Line(IIC).PulseInterrupt()
	if !cpu.pending || mustRead(t, c, INTPND) != IIC.Mask() {
		t.Fatalf("pulse did not deliver IIC")
	}
}
