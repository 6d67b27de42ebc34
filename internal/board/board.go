// Package board assembles the SMDK2410 peripheral set: it maps every device
// at its fixed window, ties the interrupt lines and DMA request lines
// together, and owns RAM, halting and whole-board checkpoints.
package board

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyrange/smdk2410/internal/audio"
	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/config"
	"github.com/tinyrange/smdk2410/internal/debug"
	"github.com/tinyrange/smdk2410/internal/devices/cs8900"
	"github.com/tinyrange/smdk2410/internal/devices/dma"
	"github.com/tinyrange/smdk2410/internal/devices/gpio"
	"github.com/tinyrange/smdk2410/internal/devices/iis"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
	"github.com/tinyrange/smdk2410/internal/devices/regfile"
	"github.com/tinyrange/smdk2410/internal/devices/rtc"
	"github.com/tinyrange/smdk2410/internal/devices/timer"
	"github.com/tinyrange/smdk2410/internal/devices/uart"
	"github.com/tinyrange/smdk2410/internal/hv"
	"github.com/tinyrange/smdk2410/internal/pcap"
)

const (
	// IISChannel is the DMA channel wired to the IIS transmit FIFO.
	IISChannel = 2
	// IISSource is the DMA hardware source selector for IIS on IISChannel.
	IISSource = 0
	// NetLine is the external interrupt line of the CS8900.
	NetLine = 9
)

const ramVersion = 1

var ramTag = checkpoint.TagOf("SDRM")

// Options configures a board. Zero values select the host defaults.
type Options struct {
	Config config.Config

	// CPU receives the IRQ line.
	CPU hv.InterruptTarget

	UARTOpener  func(param string) (uart.Binding, error)
	NetOpener   func(param string) (cs8900.Backend, error)
	AudioOpener func(name string) (audio.Backend, error)

	TimerFactory chipset.TimerFactory
	Clock        func() time.Time

	Trace   *debug.Trace
	Capture *pcap.Tap
}

// Board is one assembled SMDK2410.
type Board struct {
	Lock    *chipset.SharedLock
	Chipset *chipset.Chipset
	RAM     *hv.RAM
	Layout  hv.LayoutHash

	INTC   *intc.Controller
	GPIO   *gpio.GPIO
	Timers *timer.Timers
	RTC    *rtc.RTC
	UARTs  [config.NumUARTs]*uart.UART
	DMA    *dma.DMA
	IIS    *iis.IIS
	Net    *cs8900.CS8900

	trace *debug.Trace

	mu      sync.Mutex
	haltErr error
	halted  chan struct{}
}

// New builds a board from opts. Devices are constructed but not powered on;
// call Start for that.
func New(opts Options) (*Board, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mac, err := cfg.MAC()
	if err != nil {
		return nil, err
	}

	b := &Board{
		Lock:   &chipset.SharedLock{},
		RAM:    hv.NewRAM(RAMBase, cfg.RAMSize()),
		trace:  opts.Trace,
		halted: make(chan struct{}),
	}

	cpu := opts.CPU
	if cpu == nil {
		cpu = hv.InterruptTargetFuncs{}
	}
	if b.trace != nil {
		cpu = b.trace.InterruptTarget(cpu)
	}

	b.INTC = intc.New(cpu, b)
	b.GPIO = gpio.New(b.INTC, b)

	var timerOpts []timer.Option
	var rtcOpts []rtc.Option
	if opts.TimerFactory != nil {
		timerOpts = append(timerOpts, timer.WithTimerFactory(opts.TimerFactory))
		rtcOpts = append(rtcOpts, rtc.WithTimerFactory(opts.TimerFactory))
	}
	if opts.Clock != nil {
		timerOpts = append(timerOpts, timer.WithClock(opts.Clock))
		rtcOpts = append(rtcOpts, rtc.WithClock(opts.Clock))
	}
	timerOpts = append(timerOpts, timer.WithPCLK(cfg.PCLK))
	b.Timers = timer.New(b.Lock, b.INTC, b, timerOpts...)
	b.RTC = rtc.New(b.Lock, b.INTC, b, rtcOpts...)

	for n := range b.UARTs {
		uopts := []uart.Option{uart.WithPCLK(cfg.PCLK)}
		if opts.UARTOpener != nil {
			uopts = append(uopts, uart.WithOpener(opts.UARTOpener))
		}
		b.UARTs[n] = uart.New(n, cfg.UARTs[n], b.Lock, b.INTC, b, uopts...)
	}

	b.DMA = dma.New(b.RAM, b.INTC, b)

	iisOpts := []iis.Option{iis.WithPCLK(cfg.PCLK)}
	if opts.AudioOpener != nil {
		iisOpts = append(iisOpts, iis.WithOpener(opts.AudioOpener))
	}
	b.IIS = iis.New(cfg.Audio.Backend, b.Lock, iisOpts...)
	b.DMA.AttachSink(IISChannel, IISSource, b.IIS)
	b.IIS.SetRequester(func() { b.DMA.Request(IISChannel) })

	netOpts := []cs8900.Option{cs8900.WithMAC(mac)}
	if opts.NetOpener != nil {
		netOpts = append(netOpts, cs8900.WithOpener(opts.NetOpener))
	}
	if opts.Capture != nil {
		netOpts = append(netOpts, cs8900.WithCapture(opts.Capture))
	}
	b.Net = cs8900.New(cfg.Network.Backend, b.Lock, b.GPIO.Line(NetLine), netOpts...)

	if err := b.build(); err != nil {
		return nil, err
	}
	if b.trace != nil {
		b.Chipset.SetTracer(b.trace)
	}
	return b, nil
}

type mapping struct {
	dev      chipset.Device
	base     uint32
	size     uint32
	critical bool
}

func (b *Board) mappings() ([]mapping, error) {
	out := []mapping{
		{dev: b.Net, base: CS8900Base, size: cs8900.Size},
		{dev: b.INTC, base: INTCBase, size: intc.Size, critical: true},
		{dev: b.DMA, base: DMABase, size: dma.Size},
		{dev: b.Timers, base: PWMBase, size: timer.Size, critical: true},
		{dev: b.IIS, base: IISBase, size: iis.Size},
		{dev: b.GPIO, base: GPIOBase, size: gpio.Size},
		{dev: b.RTC, base: RTCBase, size: rtc.Size},
	}
	for n, u := range b.UARTs {
		out = append(out, mapping{dev: u, base: UART0Base + uint32(n)*UARTStride, size: uart.Size})
	}
	for _, bank := range regBanks {
		dev, err := regfile.New(bank.name, bank.regs)
		if err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		out = append(out, mapping{dev: dev, base: bank.base, size: bank.size})
	}
	return out, nil
}

func (b *Board) build() error {
	maps, err := b.mappings()
	if err != nil {
		return err
	}

	space := hv.NewAddressSpace(RAMBase, b.RAM.Size())
	builder := chipset.NewBuilder()
	for _, m := range maps {
		if err := space.RegisterFixed(m.dev.DeviceID(), m.base, m.size); err != nil {
			return fmt.Errorf("board: %w", err)
		}
		var ropts []chipset.RegisterOption
		if m.critical {
			ropts = append(ropts, chipset.Critical())
		}
		if err := builder.RegisterDevice(m.dev, m.base, m.size, ropts...); err != nil {
			return fmt.Errorf("board: %w", err)
		}
	}

	cs, err := builder.Build(b.Lock)
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	b.Chipset = cs
	b.Layout = hv.ComputeLayoutHash(space.RAMBase(), space.RAMSize(), space.FixedRegions())
	return nil
}

// Map returns the peripheral windows sorted by base address.
func (b *Board) Map() []hv.Region {
	return b.Chipset.Regions()
}

// Start powers every device on. A failing non-critical device is reported
// and left unavailable.
func (b *Board) Start() error {
	slog.Debug("board: power on", "layout", b.Layout.String())
	return b.Chipset.PowerOn()
}

// Stop powers every device off and closes the trace.
func (b *Board) Stop() error {
	err := b.Chipset.PowerOff()
	if b.trace != nil {
		err = errors.Join(err, b.trace.Close())
	}
	return err
}

// Halt stops the machine with err. Only the first fault is kept.
func (b *Board) Halt(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haltErr != nil {
		return
	}
	if err == nil {
		err = errors.New("board: halted")
	}
	b.haltErr = err
	close(b.halted)
	slog.Error("board: machine halted", "err", err)
	b.trace.Notef("board", "halt: %v", err)
}

// Halted returns the fault that stopped the machine, or nil.
func (b *Board) Halted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haltErr
}

// Done is closed once the machine halts.
func (b *Board) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted
}

func (b *Board) haltedErr() error {
	if err := b.Halted(); err != nil {
		return fmt.Errorf("%w: %w", hv.ErrMachineHalted, err)
	}
	return nil
}

func (b *Board) inRAM(addr uint32, width hv.Width) bool {
	return addr >= RAMBase && uint64(addr)+uint64(width) <= uint64(RAMBase)+uint64(b.RAM.Size())
}

// Read performs a guest load. RAM is accessed directly under the shared lock,
// which DMA also holds while it reads guest memory; every other address goes
// through the dispatcher. A fault halts the machine.
func (b *Board) Read(addr uint32, width hv.Width) (uint32, error) {
	if err := b.haltedErr(); err != nil {
		return 0, err
	}
	if b.inRAM(addr, width) {
		var buf [4]byte
		b.Lock.Lock()
		_, err := b.RAM.ReadAt(buf[:width], int64(addr))
		b.Lock.Unlock()
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf[:]) & width.Mask(), nil
	}
	v, err := b.Chipset.Read(addr, width)
	if err != nil {
		b.Halt(err)
		return 0, b.haltedErr()
	}
	return v, nil
}

// Write performs a guest store.
func (b *Board) Write(addr uint32, width hv.Width, value uint32) error {
	if err := b.haltedErr(); err != nil {
		return err
	}
	if b.inRAM(addr, width) {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], value)
		b.Lock.Lock()
		_, err := b.RAM.WriteAt(buf[:width], int64(addr))
		b.Lock.Unlock()
		return err
	}
	if err := b.Chipset.Write(addr, width, value); err != nil {
		b.Halt(err)
		return b.haltedErr()
	}
	return nil
}

// Reset returns every device to its power-on state. RAM is preserved and a
// previous halt is cleared.
func (b *Board) Reset() error {
	if err := b.Chipset.Reset(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.haltErr != nil {
		b.haltErr = nil
		b.halted = make(chan struct{})
	}
	b.mu.Unlock()
	return nil
}

// Save writes a whole-board checkpoint: the header, a RAM record and one
// record per device. The guest CPU must not run while Save is in progress.
func (b *Board) Save(out io.Writer) error {
	hdr := checkpoint.Header{
		Layout:  b.Layout,
		Devices: uint32(b.Chipset.Checkpointers()),
	}
	if err := checkpoint.WriteHeader(out, hdr); err != nil {
		return fmt.Errorf("board: save: %w", err)
	}
	w := checkpoint.NewWriter(out)
	if err := b.saveRAM(w); err != nil {
		return fmt.Errorf("board: save ram: %w", err)
	}
	if err := b.Chipset.SaveState(w); err != nil {
		return fmt.Errorf("board: save: %w", err)
	}
	return nil
}

func (b *Board) saveRAM(w *checkpoint.Writer) error {
	ram := make([]byte, b.RAM.Size())
	b.Lock.Lock()
	_, err := b.RAM.ReadAt(ram, int64(b.RAM.Base()))
	b.Lock.Unlock()
	if err != nil {
		return err
	}
	w.Begin(ramTag, ramVersion)
	w.U32(b.RAM.Base())
	w.U32(b.RAM.Size())
	w.Bytes(ram)
	return w.Err()
}

// Restore loads a checkpoint written by Save onto a board with the same
// layout. RAM is restored before the devices so that a DMA channel
// refetching its block reads the saved contents.
func (b *Board) Restore(in io.Reader) error {
	hdr, err := checkpoint.ReadHeader(in)
	if err != nil {
		return fmt.Errorf("board: restore: %w", err)
	}
	if hdr.Layout != b.Layout {
		return fmt.Errorf("board: restore: layout %s does not match board %s", hdr.Layout, b.Layout)
	}
	if want := uint32(b.Chipset.Checkpointers()); hdr.Devices != want {
		return fmt.Errorf("board: restore: %d device records, board has %d", hdr.Devices, want)
	}

	r := checkpoint.NewReader(in)
	if err := b.restoreRAM(r); err != nil {
		return fmt.Errorf("board: restore ram: %w", err)
	}
	if err := b.Chipset.RestoreState(r); err != nil {
		return fmt.Errorf("board: restore: %w", err)
	}
	return nil
}

func (b *Board) restoreRAM(r *checkpoint.Reader) error {
	if err := r.Verify(ramTag, ramVersion); err != nil {
		return err
	}
	base, size := r.U32(), r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if base != b.RAM.Base() || size != b.RAM.Size() {
		return fmt.Errorf("bank 0x%08x+0x%x does not match 0x%08x+0x%x",
			base, size, b.RAM.Base(), b.RAM.Size())
	}
	ram := make([]byte, size)
	r.Bytes(ram)
	if err := r.Err(); err != nil {
		return err
	}
	b.Lock.Lock()
	defer b.Lock.Unlock()
	_, err := b.RAM.WriteAt(ram, int64(base))
	return err
}

// SaveFile writes a checkpoint to path.
func (b *Board) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("board: save: %w", err)
	}
	if err := b.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RestoreFile restores a checkpoint from path.
func (b *Board) RestoreFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("board: restore: %w", err)
	}
	defer f.Close()
	return b.Restore(f)
}

var _ chipset.Halter = (*Board)(nil)
