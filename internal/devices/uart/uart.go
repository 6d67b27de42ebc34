// Package uart emulates one channel of the S3C2410 UART.
//
// Received bytes land in a 16 byte FIFO filled by a reader goroutine that
// blocks on the host binding outside the shared lock. Transmitted bytes are
// queued to a writer goroutine so a slow host never stalls the guest. Both
// workers take the shared lock to publish their results and raise the
// channel's RXD, TXD and ERR sub-sources.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/intc"
)

// Register offsets.
const (
	ULCON   = 0x00
	UCON    = 0x04
	UFCON   = 0x08
	UMCON   = 0x0c
	UTRSTAT = 0x10
	UERSTAT = 0x14
	UFSTAT  = 0x18
	UMSTAT  = 0x1c
	UTXH    = 0x20
	URXH    = 0x24
	UBRDIV  = 0x28

	Size = 0x2c

	// FIFOSize is the depth of the receive and transmit FIFOs.
	FIFOSize = 16
)

// UTRSTAT bits
const (
	UTRSTAT_RXDR  = 1 << 0
	UTRSTAT_TXFE  = 1 << 1
	UTRSTAT_TXE   = 1 << 2
	UERSTAT_OE    = 1 << 0
	UFSTAT_RXFULL = 1 << 8
	UFSTAT_TXFULL = 1 << 9
	UMSTAT_CTS    = 1 << 0
)

const (
	stateVersion = 1

	modeIRQ = 1
)

var stateTag = checkpoint.TagOf("UART")

// ucon holds UCON. Its accessors decode the mode fields.
type ucon uint32

func (c ucon) rxMode() uint32   { return uint32(c) & 3 }
func (c ucon) txMode() uint32   { return (uint32(c) >> 2) & 3 }
func (c ucon) loopback() bool   { return c&(1<<5) != 0 }
func (c ucon) rxErrorIRQ() bool { return c&(1<<6) != 0 }
func (c ucon) rxTimeout() bool  { return c&(1<<7) != 0 }
func (c ucon) rxLevel() bool    { return c&(1<<8) != 0 }
func (c ucon) txLevel() bool    { return c&(1<<9) != 0 }

// ufcon holds UFCON.
type ufcon uint32

var (
	rxTriggers = [4]int{4, 8, 12, 16}
	txTriggers = [4]int{0, 4, 8, 12}
)

func (c ufcon) fifoEnabled() bool { return c&1 != 0 }
func (c ufcon) resetsRX() bool    { return c&(1<<1) != 0 }
func (c ufcon) resetsTX() bool    { return c&(1<<2) != 0 }
func (c ufcon) rxTrigger() int    { return rxTriggers[(c>>4)&3] }
func (c ufcon) txTrigger() int    { return txTriggers[(c>>6)&3] }

// Interrupts is the part of the interrupt controller a UART drives.
type Interrupts interface {
	RaiseSubInterrupt(sub intc.SubSource) error
	SetSubLevel(sub intc.SubSource, high bool) error
}

// UART is one UART channel.
type UART struct {
	lock *chipset.SharedLock
	irq  Interrupts
	halt chipset.Halter
	port int
	pclk uint32
	open func(param string) (Binding, error)

	rxd, txd, errSub intc.SubSource

	param string

	ulcon   uint32
	ucon    ucon
	ufcon   ufcon
	umcon   uint32
	ubrdiv  uint32
	uerstat uint32

	rx      [FIFOSize]byte
	rxHead  int
	rxCount int

	// txPending counts bytes accepted from UTXH and not yet written to the
	// host.
	txPending int

	binding Binding
	txq     chan []byte
	space   chan struct{}
	gen     uint64
	reader  *chipset.Async
	writer  *chipset.Async
}

// Option customises a UART.
type Option func(*UART)

// WithOpener replaces the binding parser, mainly for tests.
func WithOpener(open func(param string) (Binding, error)) Option {
	return func(u *UART) {
		if open != nil {
			u.open = open
		}
	}
}

// WithPCLK sets the peripheral clock used to turn UBRDIV into a baud rate.
func WithPCLK(hz uint32) Option {
	return func(u *UART) {
		if hz != 0 {
			u.pclk = hz
		}
	}
}

// New returns UART channel port, bound to the host through param once
// powered on.
func New(port int, param string, lock *chipset.SharedLock, irq Interrupts, halt chipset.Halter, opts ...Option) *UART {
	if halt == nil {
		halt = chipset.HaltFunc(nil)
	}
	u := &UART{
		lock:  lock,
		irq:   irq,
		halt:  halt,
		port:  port,
		pclk:  50_000_000,
		open:  Open,
		param: param,
		space: make(chan struct{}, 1),
	}
	u.rxd, u.txd, u.errSub = intc.UARTSubSources(port)
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// DeviceID implements chipset.Device.
func (u *UART) DeviceID() string { return fmt.Sprintf("uart%d", u.port) }

// PowerOn implements chipset.PowerOner. The binding is opened before the
// shared lock is taken.
func (u *UART) PowerOn() error {
	b, err := u.open(u.param)
	if err != nil {
		return err
	}
	u.attach(b)
	return nil
}

// PowerOff implements chipset.PowerOffer.
func (u *UART) PowerOff() error {
	return u.detach()
}

// Reconfigure implements chipset.Reconfigurer. Outstanding host I/O is
// cancelled and the old binding closed before the new one is opened.
func (u *UART) Reconfigure(param string) error {
	if err := u.detach(); err != nil {
		slog.Warn("uart: close previous binding", "port", u.port, "err", err)
	}
	b, err := u.open(param)
	if err != nil {
		return err
	}
	u.lock.Lock()
	u.param = param
	u.lock.Unlock()
	u.attach(b)
	return nil
}

func (u *UART) attach(b Binding) {
	u.lock.Lock()
	defer u.lock.Unlock()

	u.gen++
	gen := u.gen
	u.binding = b
	u.txq = make(chan []byte, FIFOSize)
	u.txPending = 0
	txq := u.txq
	u.reader = chipset.StartAsync(context.Background(), func(ctx context.Context) {
		u.readLoop(ctx, b, gen)
	})
	u.writer = chipset.StartAsync(context.Background(), func(ctx context.Context) {
		u.writeLoop(ctx, b, txq, gen)
	})
	u.applyBaud()
	u.updateTX()
}

func (u *UART) detach() error {
	u.lock.Lock()
	b := u.binding
	reader, writer := u.reader, u.writer
	u.binding = nil
	u.reader, u.writer = nil, nil
	u.txq = nil
	u.txPending = 0
	u.gen++
	u.lock.Unlock()

	if b == nil {
		return nil
	}
	reader.Cancel()
	writer.Cancel()
	err := b.Close()
	reader.Wait()
	writer.Wait()
	return err
}

func (u *UART) readLoop(ctx context.Context, b Binding, gen uint64) {
	buf := make([]byte, 64)
	for {
		n, err := b.Read(buf)
		if n > 0 && !u.receive(ctx, buf[:n], gen) {
			return
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				slog.Warn("uart: host read failed", "port", u.port, "err", err)
			}
			return
		}
	}
}

// receive moves host input into the FIFO, waiting for the guest to make
// room instead of dropping bytes.
func (u *UART) receive(ctx context.Context, data []byte, gen uint64) bool {
	for len(data) > 0 {
		u.lock.Lock()
		if gen != u.gen {
			u.lock.Unlock()
			return false
		}
		n := u.pushRX(data)
		data = data[n:]
		if n > 0 {
			u.updateRX(true)
		}
		u.lock.Unlock()

		if len(data) == 0 {
			break
		}
		select {
		case <-u.space:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (u *UART) writeLoop(ctx context.Context, b Binding, txq <-chan []byte, gen uint64) {
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case data = <-txq:
		}
	drain:
		for {
			select {
			case more := <-txq:
				data = append(data, more...)
			default:
				break drain
			}
		}

		_, err := b.Write(data)
		if err != nil && ctx.Err() == nil {
			slog.Warn("uart: host write failed", "port", u.port, "err", err)
		}

		u.lock.Lock()
		if gen == u.gen {
			u.txPending -= len(data)
			if u.txPending < 0 {
				u.txPending = 0
			}
			u.updateTX()
		}
		u.lock.Unlock()
	}
}

// capacity returns the receive FIFO depth in the current mode.
func (u *UART) capacity() int {
	if u.ufcon.fifoEnabled() {
		return FIFOSize
	}
	return 1
}

// pushRX stores as much of data as fits and returns how much it took.
func (u *UART) pushRX(data []byte) int {
	n := 0
	for n < len(data) && u.rxCount < u.capacity() {
		u.rx[(u.rxHead+u.rxCount)%FIFOSize] = data[n]
		u.rxCount++
		n++
	}
	return n
}

func (u *UART) popRX() uint8 {
	if u.rxCount == 0 {
		return 0
	}
	v := u.rx[u.rxHead]
	u.rxHead = (u.rxHead + 1) % FIFOSize
	u.rxCount--
	select {
	case u.space <- struct{}{}:
	default:
	}
	return v
}

func (u *UART) rxReady() bool {
	if u.rxCount == 0 {
		return false
	}
	if !u.ufcon.fifoEnabled() || u.ucon.rxTimeout() {
		return true
	}
	return u.rxCount >= u.ufcon.rxTrigger()
}

func (u *UART) txReady() bool {
	if u.ufcon.fifoEnabled() {
		return u.txPending <= u.ufcon.txTrigger()
	}
	return u.txPending == 0
}

func (u *UART) updateRX(arrived bool) {
	ready := u.rxReady() && u.ucon.rxMode() == modeIRQ
	var err error
	switch {
	case u.ucon.rxLevel():
		err = u.irq.SetSubLevel(u.rxd, ready)
	case ready && arrived:
		err = u.irq.RaiseSubInterrupt(u.rxd)
	}
	if err != nil {
		u.halt.Halt(err)
	}
}

func (u *UART) updateTX() {
	ready := u.txReady() && u.ucon.txMode() == modeIRQ
	var err error
	switch {
	case u.ucon.txLevel():
		err = u.irq.SetSubLevel(u.txd, ready)
	case ready:
		err = u.irq.RaiseSubInterrupt(u.txd)
	}
	if err != nil {
		u.halt.Halt(err)
	}
}

func (u *UART) overrun() {
	u.uerstat |= UERSTAT_OE
	if !u.ucon.rxErrorIRQ() {
		return
	}
	if err := u.irq.RaiseSubInterrupt(u.errSub); err != nil {
		u.halt.Halt(err)
	}
}

func (u *UART) transmit(c uint8) {
	if u.ucon.loopback() {
		if u.pushRX([]byte{c}) == 0 {
			u.overrun()
			return
		}
		u.updateRX(true)
		return
	}
	if u.txq == nil {
		// No host binding: the byte leaves immediately.
		u.updateTX()
		return
	}
	if u.txPending >= FIFOSize {
		slog.Debug("uart: transmit FIFO full, byte dropped", "port", u.port)
		return
	}
	u.txPending++
	u.txq <- []byte{c}
}

// flushTX discards bytes the writer has not picked up yet.
func (u *UART) flushTX() {
	for {
		select {
		case data := <-u.txq:
			u.txPending -= len(data)
		default:
			if u.txPending < 0 {
				u.txPending = 0
			}
			return
		}
	}
}

// Baud returns the rate programmed through UBRDIV.
func (u *UART) Baud() int {
	return int(u.pclk / ((u.ubrdiv + 1) * 16))
}

func (u *UART) applyBaud() {
	bs, ok := u.binding.(BaudSetter)
	if !ok {
		return
	}
	if err := bs.SetBaud(u.Baud()); err != nil {
		slog.Warn("uart: set host baud rate", "port", u.port, "baud", u.Baud(), "err", err)
	}
}

func fifoCount(n int) uint32 {
	if n >= FIFOSize {
		return 0
	}
	return uint32(n)
}

func (u *UART) readReg(offset uint32) (uint32, error) {
	switch offset {
	case ULCON:
		return u.ulcon, nil
	case UCON:
		return uint32(u.ucon), nil
	case UFCON:
		return uint32(u.ufcon), nil
	case UMCON:
		return u.umcon, nil
	case UTRSTAT:
		var v uint32
		if u.rxCount > 0 {
			v |= UTRSTAT_RXDR
		}
		if u.txPending == 0 {
			v |= UTRSTAT_TXFE | UTRSTAT_TXE
		}
		return v, nil
	case UERSTAT:
		v := u.uerstat
		u.uerstat = 0
		return v, nil
	case UFSTAT:
		v := fifoCount(u.rxCount) | fifoCount(u.txPending)<<4
		if u.rxCount >= FIFOSize {
			v |= UFSTAT_RXFULL
		}
		if u.txPending >= FIFOSize {
			v |= UFSTAT_TXFULL
		}
		return v, nil
	case UMSTAT:
		return UMSTAT_CTS, nil
	case URXH:
		v := u.popRX()
		u.updateRX(false)
		return uint32(v), nil
	case UBRDIV:
		return u.ubrdiv, nil
	case UTXH:
		return 0, nil
	default:
		return 0, chipset.UnsupportedOffset(u.DeviceID(), offset)
	}
}

func (u *UART) writeReg(offset uint32, value uint32) error {
	switch offset {
	case ULCON:
		u.ulcon = value & 0x7f
	case UCON:
		u.ucon = ucon(value & 0x3ff)
		u.updateRX(false)
		u.updateTX()
	case UFCON:
		f := ufcon(value)
		if f.resetsRX() || (u.ufcon.fifoEnabled() && !f.fifoEnabled()) {
			u.rxHead, u.rxCount = 0, 0
		}
		if f.resetsTX() {
			u.flushTX()
		}
		u.ufcon = f &^ (1<<1 | 1<<2)
		u.updateRX(false)
		u.updateTX()
	case UMCON:
		u.umcon = value & 0x11
	case UTXH:
		u.transmit(uint8(value))
	case UBRDIV:
		u.ubrdiv = value & 0xffff
		if u.binding != nil {
			u.applyBaud()
		}
	case UTRSTAT, UERSTAT, UFSTAT, UMSTAT, URXH:
		return chipset.UnsupportedValue(u.DeviceID(), fmt.Sprintf("read-only register 0x%x", offset), value)
	default:
		return chipset.UnsupportedOffset(u.DeviceID(), offset)
	}
	return nil
}

// Read8 implements chipset.ByteReader.
func (u *UART) Read8(offset uint32) (uint8, error) {
	v, err := u.readReg(offset)
	return uint8(v), err
}

// Write8 implements chipset.ByteWriter.
func (u *UART) Write8(offset uint32, value uint8) error {
	return u.writeReg(offset, uint32(value))
}

// Read32 implements chipset.WordReader.
func (u *UART) Read32(offset uint32) (uint32, error) {
	return u.readReg(offset)
}

// Write32 implements chipset.WordWriter.
func (u *UART) Write32(offset uint32, value uint32) error {
	return u.writeReg(offset, value)
}

// Reset implements chipset.Resetter. The host binding stays attached.
func (u *UART) Reset() error {
	u.ulcon = 0
	u.ucon = 0
	u.ufcon = 0
	u.umcon = 0
	u.ubrdiv = 0
	u.uerstat = 0
	u.rxHead, u.rxCount = 0, 0
	if err := u.irq.SetSubLevel(u.rxd, false); err != nil {
		return err
	}
	return u.irq.SetSubLevel(u.txd, false)
}

// SaveState implements chipset.Checkpointer. Bytes already handed to the
// host are not part of the state.
func (u *UART) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.U32(u.ulcon)
	w.U32(uint32(u.ucon))
	w.U32(uint32(u.ufcon))
	w.U32(u.umcon)
	w.U32(u.ubrdiv)
	w.U32(u.uerstat)
	w.U32(uint32(u.rxHead))
	w.U32(uint32(u.rxCount))
	w.Bytes(u.rx[:])
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. FIFO indices outside the
// FIFO's capacity leave the receive FIFO empty.
func (u *UART) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	ulcon := r.U32()
	uc := ucon(r.U32())
	uf := ufcon(r.U32())
	umcon := r.U32()
	ubrdiv := r.U32()
	uerstat := r.U32()
	head := r.U32()
	count := r.U32()
	var rx [FIFOSize]byte
	r.Bytes(rx[:])
	if err := r.Err(); err != nil {
		return err
	}

	u.ulcon = ulcon & 0x7f
	u.ucon = uc & 0x3ff
	u.ufcon = uf &^ (1<<1 | 1<<2)
	u.umcon = umcon & 0x11
	u.ubrdiv = ubrdiv & 0xffff
	u.uerstat = uerstat & UERSTAT_OE
	u.rx = rx
	if head >= FIFOSize || count > uint32(u.capacity()) {
		slog.Warn("uart: checkpoint FIFO indices out of range, receive FIFO emptied",
			"port", u.port, "head", head, "count", count)
		head, count = 0, 0
	}
	u.rxHead, u.rxCount = int(head), int(count)
	if u.binding != nil {
		u.applyBaud()
	}
	u.updateRX(false)
	u.updateTX()
	return nil
}

var (
	_ chipset.Device       = (*UART)(nil)
	_ chipset.ByteReader   = (*UART)(nil)
	_ chipset.ByteWriter   = (*UART)(nil)
	_ chipset.WordReader   = (*UART)(nil)
	_ chipset.WordWriter   = (*UART)(nil)
	_ chipset.PowerOner    = (*UART)(nil)
	_ chipset.PowerOffer   = (*UART)(nil)
	_ chipset.Reconfigurer = (*UART)(nil)
	_ chipset.Resetter     = (*UART)(nil)
	_ chipset.Checkpointer = (*UART)(nil)
)
