// Package cs8900 emulates the Cirrus Logic CS8900A Ethernet controller the
// SMDK2410 wires to nGCS3, operated in 16-bit I/O mode.
//
// The guest reaches the internal PacketPage through the pointer and data
// ports; received frames are read through the RxTxData port as a status
// word, a length word and the frame. A receive goroutine blocks on the host
// backend outside the shared lock, and a send goroutine drains transmitted
// frames to it. INTRQ is a level line, normally GPIO EINT9.
package cs8900

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/pcap"
)

// I/O port offsets.
const (
	PortRxTxData  = 0x00
	PortRxTxData1 = 0x02
	PortTxCMD     = 0x04
	PortTxLength  = 0x06
	PortISQ       = 0x08
	PortPPPtr     = 0x0a
	PortPPData    = 0x0c
	PortPPData1   = 0x0e

	Size = 0x10
)

// PacketPage offsets.
const (
	PPProductID  = 0x0000
	PPProductRev = 0x0002
	PPIOBase     = 0x0020
	PPIntNum     = 0x0022
	PPRxCFG      = 0x0102
	PPRxCTL      = 0x0104
	PPTxCFG      = 0x0106
	PPTxCMDStat  = 0x0108
	PPBufCFG     = 0x010a
	PPLineCTL    = 0x0112
	PPSelfCTL    = 0x0114
	PPBusCTL     = 0x0116
	PPTestCTL    = 0x0118
	PPISQ        = 0x0120
	PPRxEvent    = 0x0124
	PPTxEvent    = 0x0128
	PPBufEvent   = 0x012c
	PPRxMISS     = 0x0130
	PPTxCOL      = 0x0132
	PPLineST     = 0x0134
	PPSelfST     = 0x0136
	PPBusST      = 0x0138
	PPTDR        = 0x013c
	PPTxCMD      = 0x0144
	PPTxLength   = 0x0146
	PPLAF        = 0x0150
	PPIA         = 0x0158
	PPRxStatus   = 0x0400
	PPRxLength   = 0x0402
	PPRxFrame    = 0x0404
	PPTxFrame    = 0x0a00

	ppSpace = 0x1000
)

// Register bits. Every PacketPage register reads back with its register
// number in the low six bits.
const (
	ProductID  = 0x630e
	ProductRev = 0x0a00

	RxCFG_Skip1  = 0x0040
	RxCFG_RxOKiE = 0x0100

	RxCTL_Promiscuous = 0x0080
	RxCTL_RxOK        = 0x0100
	RxCTL_Multicast   = 0x0200
	RxCTL_Individual  = 0x0400
	RxCTL_Broadcast   = 0x0800

	RxEvent_RxOK       = 0x0100
	RxEvent_Hashed     = 0x0200
	RxEvent_Individual = 0x0400
	RxEvent_Broadcast  = 0x0800

	TxEvent_TxOK    = 0x0100
	TxEvent_16Coll  = 0x8000
	TxCMD_PadDis    = 0x2000
	BufEvent_Rdy4Tx = 0x0100
	BufCFG_RxMissiE = 0x0400

	LineCTL_SerRxON = 0x0040
	LineCTL_SerTxON = 0x0080

	SelfCTL_Reset = 0x0040
	SelfST_INITD  = 0x0080

	BusCTL_EnableIRQ = 0x8000

	BusST_TxBidErr  = 0x0080
	BusST_Rdy4TxNOW = 0x0100

	LineST_LinkOK = 0x0080
	LineST_10BT   = 0x0200

	regRxEvent  = 0x04
	regTxEvent  = 0x08
	regBufEvent = 0x0c
	regRxMISS   = 0x10
	regTxCOL    = 0x12
	regLineST   = 0x14
	regSelfST   = 0x16
	regBusST    = 0x18
	regTDR      = 0x1c
)

const (
	// RxQueueDepth is the number of received frames the controller holds.
	RxQueueDepth = 16
	// MaxFrame is the longest frame, without FCS, the controller sends or
	// receives.
	MaxFrame = 1514

	ethHeaderLen = 14
	minFrame     = 60

	// With interrupts off the guest spins on RxEvent; each empty poll gives
	// the receive goroutine this long to publish a frame.
	pollAttempts = 4
	pollInterval = 250 * time.Microsecond

	deviceID     = "cs8900"
	stateVersion = 1
)

var stateTag = checkpoint.TagOf("CS89")

var broadcastAddr = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// DefaultMAC is the individual address loaded at reset unless WithMAC says
// otherwise.
var DefaultMAC = [6]byte{0x00, 0x53, 0x24, 0x10, 0x00, 0x01}

type rxFrame struct {
	status uint16
	data   []byte
}

// CS8900 is the Ethernet controller.
type CS8900 struct {
	lock *chipset.SharedLock
	irq  chipset.LineInterrupt
	open func(param string) (Backend, error)
	tap  *pcap.Tap
	mac  [6]byte

	param string

	ppptr   uint16
	intNum  uint16
	rxcfg   uint16
	rxctl   uint16
	txcfg   uint16
	bufcfg  uint16
	linectl uint16
	selfctl uint16
	busctl  uint16
	testctl uint16

	txEvent  uint16
	bufEvent uint16
	rxMiss   uint16
	txCol    uint16

	laf [8]byte
	ia  [6]byte

	txCmd    uint16
	txLen    int
	txReady  bool
	txBidErr bool
	txBuf    []byte

	rx          []rxFrame
	rxPos       int
	rxAnnounced bool

	irqHigh bool

	backend  Backend
	incoming chan []byte
	txq      chan []byte
	gen      uint64
	reader   *chipset.Async
	sender   *chipset.Async

	sent     uint64
	received uint64
}

// Option customises the controller.
type Option func(*CS8900)

// WithOpener replaces the backend parser, mainly for tests.
func WithOpener(open func(param string) (Backend, error)) Option {
	return func(c *CS8900) {
		if open != nil {
			c.open = open
		}
	}
}

// WithMAC sets the individual address loaded at reset.
func WithMAC(mac [6]byte) Option {
	return func(c *CS8900) { c.mac = mac }
}

// WithCapture records every frame sent or accepted to tap.
func WithCapture(tap *pcap.Tap) Option {
	return func(c *CS8900) { c.tap = tap }
}

// New returns a controller attached to the backend named by param once
// powered on. irq is the INTRQ line.
func New(param string, lock *chipset.SharedLock, irq chipset.LineInterrupt, opts ...Option) *CS8900 {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	c := &CS8900{
		lock:  lock,
		irq:   irq,
		open:  Open,
		mac:   DefaultMAC,
		param: param,
		rx:    make([]rxFrame, 0, RxQueueDepth),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resetChip()
	return c
}

// DeviceID implements chipset.Device.
func (c *CS8900) DeviceID() string { return deviceID }

// Counters returns the number of frames sent to and accepted from the
// backend.
func (c *CS8900) Counters() (sent, received uint64) { return c.sent, c.received }

func (c *CS8900) resetChip() {
	c.ppptr = 0
	c.intNum = 0
	c.rxcfg, c.rxctl, c.txcfg, c.bufcfg = 0, 0, 0, 0
	c.linectl, c.selfctl, c.busctl, c.testctl = 0, 0, 0, 0
	c.txEvent, c.bufEvent, c.rxMiss, c.txCol = 0, 0, 0, 0
	c.laf = [8]byte{}
	c.ia = c.mac
	c.txCmd, c.txLen, c.txReady, c.txBidErr = 0, 0, false, false
	c.txBuf = c.txBuf[:0]
	c.rx = c.rx[:0]
	c.rxPos = 0
	c.rxAnnounced = false
	c.updateIRQ()
}

// Reset implements chipset.Resetter.
func (c *CS8900) Reset() error {
	c.resetChip()
	return nil
}

// PowerOn implements chipset.PowerOner.
func (c *CS8900) PowerOn() error {
	b, err := c.open(c.param)
	if err != nil {
		return err
	}
	c.attach(b)
	return nil
}

// PowerOff implements chipset.PowerOffer.
func (c *CS8900) PowerOff() error {
	return c.detach()
}

// Reconfigure implements chipset.Reconfigurer; param names a new backend.
func (c *CS8900) Reconfigure(param string) error {
	if err := c.detach(); err != nil {
		slog.Warn("cs8900: close previous backend", "err", err)
	}
	b, err := c.open(param)
	if err != nil {
		return err
	}
	c.lock.Lock()
	c.param = param
	c.lock.Unlock()
	c.attach(b)
	return nil
}

func (c *CS8900) attach(b Backend) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.gen++
	gen := c.gen
	c.backend = b
	incoming := make(chan []byte, RxQueueDepth)
	txq := make(chan []byte, RxQueueDepth)
	c.incoming, c.txq = incoming, txq
	c.reader = chipset.StartAsync(context.Background(), func(ctx context.Context) {
		c.readLoop(ctx, b, incoming, gen)
	})
	c.sender = chipset.StartAsync(context.Background(), func(ctx context.Context) {
		c.sendLoop(ctx, b, txq, gen)
	})
}

func (c *CS8900) detach() error {
	c.lock.Lock()
	b, reader, sender := c.backend, c.reader, c.sender
	c.backend, c.reader, c.sender = nil, nil, nil
	c.incoming, c.txq = nil, nil
	c.gen++
	c.lock.Unlock()
	if b == nil {
		return nil
	}
	reader.Cancel()
	sender.Cancel()
	err := b.Close()
	reader.Wait()
	sender.Wait()
	return err
}

func (c *CS8900) readLoop(ctx context.Context, b Backend, incoming chan<- []byte, gen uint64) {
	buf := make([]byte, MaxFrame+4)
	for {
		n, err := b.Recv(buf)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("cs8900: backend receive failed", "err", err)
			}
			return
		}
		if n < ethHeaderLen {
			continue
		}
		if n > MaxFrame {
			// Strip a trailing FCS or drop an oversized frame.
			if n > MaxFrame+4 {
				continue
			}
			n = MaxFrame
		}
		frame := append([]byte(nil), buf[:n]...)
		select {
		case incoming <- frame:
		case <-ctx.Done():
			return
		}

		c.lock.Lock()
		if c.gen == gen {
			c.drainIncoming()
			c.updateIRQ()
		}
		c.lock.Unlock()
	}
}

func (c *CS8900) sendLoop(ctx context.Context, b Backend, txq <-chan []byte, gen uint64) {
	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return
		case frame = <-txq:
		}
		if err := b.Send(frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("cs8900: backend send failed", "err", err)
			c.lock.Lock()
			if c.gen == gen {
				c.txEvent |= TxEvent_16Coll
				c.txCol++
				c.updateIRQ()
			}
			c.lock.Unlock()
		}
	}
}

// drainIncoming moves frames published by the receive goroutine into the
// receive queue and reports whether any arrived.
func (c *CS8900) drainIncoming() bool {
	got := false
	for {
		select {
		case frame := <-c.incoming:
			got = true
			c.deliver(frame)
		default:
			return got
		}
	}
}

// accept applies the RxCTL address filter.
func (c *CS8900) accept(frame []byte) (uint16, bool) {
	if c.rxctl&RxCTL_RxOK == 0 {
		return 0, false
	}
	var dst [6]byte
	copy(dst[:], frame[:6])
	status := uint16(RxEvent_RxOK | regRxEvent)
	switch {
	case dst == broadcastAddr:
		if c.rxctl&(RxCTL_Broadcast|RxCTL_Promiscuous) != 0 {
			return status | RxEvent_Broadcast, true
		}
	case dst[0]&1 != 0:
		if c.rxctl&(RxCTL_Multicast|RxCTL_Promiscuous) != 0 {
			return status | RxEvent_Hashed, true
		}
	case dst == c.ia:
		if c.rxctl&(RxCTL_Individual|RxCTL_Promiscuous) != 0 {
			return status | RxEvent_Individual, true
		}
	default:
		if c.rxctl&RxCTL_Promiscuous != 0 {
			return status, true
		}
	}
	return 0, false
}

func (c *CS8900) deliver(frame []byte) {
	if c.linectl&LineCTL_SerRxON == 0 {
		return
	}
	status, ok := c.accept(frame)
	if !ok {
		return
	}
	if len(c.rx) >= RxQueueDepth {
		if c.rxMiss < 0x3ff {
			c.rxMiss++
		}
		slog.Debug("cs8900: receive queue full, frame dropped", "len", len(frame))
		return
	}
	if err := c.tap.Capture(frame); err != nil {
		slog.Warn("cs8900: capture failed, tap disabled", "err", err)
	}
	c.rx = append(c.rx, rxFrame{status: status, data: frame})
	c.received++
}

// pollReceive gives a guest polling with interrupts off a bounded chance to
// see a frame the receive goroutine is about to publish.
func (c *CS8900) pollReceive() {
	if c.busctl&BusCTL_EnableIRQ != 0 || len(c.rx) != 0 || c.incoming == nil {
		return
	}
	chipset.PollBounded(pollAttempts, pollInterval, c.drainIncoming)
}

func (c *CS8900) popRx() {
	if len(c.rx) == 0 {
		return
	}
	n := copy(c.rx, c.rx[1:])
	c.rx[n] = rxFrame{}
	c.rx = c.rx[:n]
	c.rxPos = 0
	c.rxAnnounced = false
}

func (c *CS8900) rxPending() bool {
	return len(c.rx) != 0 && !c.rxAnnounced
}

// nextEvent pops the highest priority enabled event for the ISQ.
func (c *CS8900) nextEvent() uint16 {
	switch {
	case c.rxPending() && c.rxcfg&RxCFG_RxOKiE != 0:
		c.rxAnnounced = true
		return c.rx[0].status
	case c.txEvent&c.txcfg != 0:
		v := c.txEvent | regTxEvent
		c.txEvent = 0
		return v
	case c.bufEvent&c.bufcfg != 0:
		v := c.bufEvent | regBufEvent
		c.bufEvent = 0
		return v
	case c.rxMiss != 0 && c.bufcfg&BufCFG_RxMissiE != 0:
		v := c.rxMiss<<6 | regRxMISS
		c.rxMiss = 0
		return v
	}
	return 0
}

func (c *CS8900) eventPending() bool {
	return (c.rxPending() && c.rxcfg&RxCFG_RxOKiE != 0) ||
		c.txEvent&c.txcfg != 0 ||
		c.bufEvent&c.bufcfg != 0 ||
		(c.rxMiss != 0 && c.bufcfg&BufCFG_RxMissiE != 0)
}

func (c *CS8900) updateIRQ() {
	high := c.busctl&BusCTL_EnableIRQ != 0 && c.eventPending()
	if high == c.irqHigh {
		return
	}
	c.irqHigh = high
	c.irq.SetLevel(high)
}

func (c *CS8900) readISQ() uint16 {
	c.pollReceive()
	v := c.nextEvent()
	c.updateIRQ()
	return v
}

// readRxData returns the next word of the head frame record: status,
// length, then the frame.
func (c *CS8900) readRxData() uint16 {
	if len(c.rx) == 0 {
		return 0
	}
	f := c.rx[0]
	var v uint16
	switch c.rxPos {
	case 0:
		v = f.status
	case 2:
		v = uint16(len(f.data))
	default:
		v = frameWord(f.data, c.rxPos-4)
	}
	c.rxPos += 2
	if c.rxPos >= 4+len(f.data) {
		c.popRx()
		c.updateIRQ()
	}
	return v
}

func frameWord(data []byte, i int) uint16 {
	var v uint16
	if i < len(data) {
		v = uint16(data[i])
	}
	if i+1 < len(data) {
		v |= uint16(data[i+1]) << 8
	}
	return v
}

func (c *CS8900) writeTxCmd(v uint16) {
	c.txCmd = v
}

func (c *CS8900) writeTxLength(v uint16) {
	c.txBuf = c.txBuf[:0]
	if v < ethHeaderLen || int(v) > MaxFrame {
		c.txReady = false
		c.txBidErr = true
		return
	}
	c.txLen = int(v)
	c.txReady = true
	c.txBidErr = false
	c.bufEvent |= BufEvent_Rdy4Tx
	c.updateIRQ()
}

func (c *CS8900) writeTxData(v uint16) {
	if !c.txReady {
		slog.Debug("cs8900: transmit data without a bid", "value", v)
		return
	}
	c.txBuf = append(c.txBuf, byte(v), byte(v>>8))
	if len(c.txBuf) >= c.txLen {
		c.transmit()
	}
}

func (c *CS8900) transmit() {
	frame := append([]byte(nil), c.txBuf[:c.txLen]...)
	c.txBuf = c.txBuf[:0]
	c.txReady = false
	if c.txCmd&TxCMD_PadDis == 0 && len(frame) < minFrame {
		frame = append(frame, make([]byte, minFrame-len(frame))...)
	}
	if c.linectl&LineCTL_SerTxON == 0 {
		slog.Debug("cs8900: transmitter off, frame dropped", "len", len(frame))
		return
	}
	if err := c.tap.Capture(frame); err != nil {
		slog.Warn("cs8900: capture failed, tap disabled", "err", err)
	}
	if c.txq == nil {
		c.sent++
		c.txEvent |= TxEvent_TxOK
		c.updateIRQ()
		return
	}
	select {
	case c.txq <- frame:
		c.sent++
		c.txEvent |= TxEvent_TxOK
	default:
		slog.Debug("cs8900: send queue full, frame dropped", "len", len(frame))
		c.txEvent |= TxEvent_16Coll
		c.txCol++
	}
	c.updateIRQ()
}

func (c *CS8900) busStatus() uint16 {
	v := uint16(regBusST)
	if c.txReady {
		v |= BusST_Rdy4TxNOW
	}
	if c.txBidErr {
		v |= BusST_TxBidErr
	}
	return v
}

func (c *CS8900) readPP(addr uint16) uint16 {
	switch {
	case addr >= PPRxFrame && addr < PPTxFrame:
		if len(c.rx) == 0 {
			return 0
		}
		return frameWord(c.rx[0].data, int(addr-PPRxFrame))
	case addr >= PPLAF && addr < PPLAF+8 && addr%2 == 0:
		i := addr - PPLAF
		return uint16(c.laf[i]) | uint16(c.laf[i+1])<<8
	case addr >= PPIA && addr < PPIA+6 && addr%2 == 0:
		i := addr - PPIA
		return uint16(c.ia[i]) | uint16(c.ia[i+1])<<8
	}

	switch addr {
	case PPProductID:
		return ProductID
	case PPProductRev:
		return ProductRev
	case PPIOBase:
		return 0x0300
	case PPIntNum:
		return c.intNum
	case PPRxCFG:
		return c.rxcfg | 0x03
	case PPRxCTL:
		return c.rxctl | 0x05
	case PPTxCFG:
		return c.txcfg | 0x07
	case PPTxCMDStat, PPTxCMD:
		return c.txCmd | 0x09
	case PPBufCFG:
		return c.bufcfg | 0x0b
	case PPLineCTL:
		return c.linectl | 0x13
	case PPSelfCTL:
		return c.selfctl | 0x15
	case PPBusCTL:
		return c.busctl | 0x17
	case PPTestCTL:
		return c.testctl | 0x19
	case PPISQ:
		return c.readISQ()
	case PPRxEvent:
		c.pollReceive()
		if len(c.rx) == 0 {
			return regRxEvent
		}
		c.rxAnnounced = true
		c.updateIRQ()
		return c.rx[0].status
	case PPTxEvent:
		v := c.txEvent | regTxEvent
		c.txEvent = 0
		c.updateIRQ()
		return v
	case PPBufEvent:
		v := c.bufEvent | regBufEvent
		c.bufEvent = 0
		c.updateIRQ()
		return v
	case PPRxMISS:
		v := c.rxMiss<<6 | regRxMISS
		c.rxMiss = 0
		c.updateIRQ()
		return v
	case PPTxCOL:
		v := c.txCol<<6 | regTxCOL
		c.txCol = 0
		return v
	case PPLineST:
		v := uint16(regLineST | LineST_10BT)
		if c.backend != nil {
			v |= LineST_LinkOK
		}
		return v
	case PPSelfST:
		return regSelfST | SelfST_INITD
	case PPBusST:
		return c.busStatus()
	case PPTDR:
		return regTDR
	case PPTxLength:
		return uint16(c.txLen)
	case PPRxStatus:
		if len(c.rx) == 0 {
			return 0
		}
		return c.rx[0].status
	case PPRxLength:
		if len(c.rx) == 0 {
			return 0
		}
		return uint16(len(c.rx[0].data))
	}
	return 0
}

func (c *CS8900) writePP(addr, v uint16) error {
	switch {
	case addr >= PPLAF && addr < PPLAF+8 && addr%2 == 0:
		c.laf[addr-PPLAF] = byte(v)
		c.laf[addr-PPLAF+1] = byte(v >> 8)
		return nil
	case addr >= PPIA && addr < PPIA+6 && addr%2 == 0:
		c.ia[addr-PPIA] = byte(v)
		c.ia[addr-PPIA+1] = byte(v >> 8)
		return nil
	case addr >= PPTxFrame && addr < PPTxFrame+MaxFrame:
		c.writeTxData(v)
		return nil
	}

	mask := ^uint16(0x3f)
	switch addr {
	case PPIntNum:
		c.intNum = v & 7
	case PPRxCFG:
		if v&RxCFG_Skip1 != 0 {
			c.popRx()
		}
		c.rxcfg = v & mask &^ RxCFG_Skip1
	case PPRxCTL:
		c.rxctl = v & mask
	case PPTxCFG:
		c.txcfg = v & mask
	case PPBufCFG:
		c.bufcfg = v & mask
	case PPLineCTL:
		c.linectl = v & mask
	case PPSelfCTL:
		if v&SelfCTL_Reset != 0 {
			c.resetChip()
			return nil
		}
		c.selfctl = v & mask
	case PPBusCTL:
		c.busctl = v & mask
	case PPTestCTL:
		c.testctl = v & mask
	case PPTxCMD:
		c.writeTxCmd(v)
	case PPTxLength:
		c.writeTxLength(v)
	default:
		return chipset.UnsupportedValue(deviceID, fmt.Sprintf("PacketPage 0x%04x", addr), uint32(v))
	}
	c.updateIRQ()
	return nil
}

// Read16 implements chipset.HalfReader.
func (c *CS8900) Read16(offset uint32) (uint16, error) {
	switch offset {
	case PortRxTxData, PortRxTxData1:
		return c.readRxData(), nil
	case PortTxCMD:
		return c.txCmd, nil
	case PortTxLength:
		return uint16(c.txLen), nil
	case PortISQ:
		return c.readISQ(), nil
	case PortPPPtr:
		return c.ppptr, nil
	case PortPPData:
		return c.readPP(c.ppptr), nil
	case PortPPData1:
		return c.readPP(c.ppptr + 2), nil
	default:
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
}

// Write16 implements chipset.HalfWriter.
func (c *CS8900) Write16(offset uint32, value uint16) error {
	switch offset {
	case PortRxTxData, PortRxTxData1:
		c.writeTxData(value)
		return nil
	case PortTxCMD:
		c.writeTxCmd(value)
		return nil
	case PortTxLength:
		c.writeTxLength(value)
		return nil
	case PortISQ:
		return chipset.UnsupportedValue(deviceID, "ISQ", uint32(value))
	case PortPPPtr:
		// Bit 15 is the auto-increment flag, which this model ignores.
		c.ppptr = value & (ppSpace - 1)
		return nil
	case PortPPData:
		return c.writePP(c.ppptr, value)
	case PortPPData1:
		return c.writePP(c.ppptr+2, value)
	default:
		return chipset.UnsupportedOffset(deviceID, offset)
	}
}

// SaveState implements chipset.Checkpointer. Frames in flight to the
// backend are not saved.
func (c *CS8900) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	for _, v := range []uint16{
		c.ppptr, c.intNum, c.rxcfg, c.rxctl, c.txcfg, c.bufcfg,
		c.linectl, c.selfctl, c.busctl, c.testctl,
		c.txEvent, c.bufEvent, c.rxMiss, c.txCol, c.txCmd,
	} {
		w.U16(v)
	}
	w.Bytes(c.laf[:])
	w.Bytes(c.ia[:])

	w.Bool(c.txReady)
	w.U16(uint16(c.txLen))
	w.U16(uint16(len(c.txBuf)))
	w.Bytes(c.txBuf)

	w.U32(uint32(len(c.rx)))
	w.U32(uint32(c.rxPos))
	w.Bool(c.rxAnnounced)
	for _, f := range c.rx {
		w.U16(f.status)
		w.U16(uint16(len(f.data)))
		w.Bytes(f.data)
	}
	w.U64(c.sent)
	w.U64(c.received)
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. A receive queue or transmit
// buffer that does not fit the controller is dropped.
func (c *CS8900) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	var regs [15]uint16
	for i := range regs {
		regs[i] = r.U16()
	}
	var laf [8]byte
	var ia [6]byte
	r.Bytes(laf[:])
	r.Bytes(ia[:])

	txReady := r.Bool()
	txLen := int(r.U16())
	txFill := int(r.U16())
	if txFill > MaxFrame {
		return fmt.Errorf("cs8900: checkpoint transmit fill %d exceeds %d", txFill, MaxFrame)
	}
	txBuf := make([]byte, txFill)
	r.Bytes(txBuf)

	count := r.U32()
	rxPos := int(r.U32())
	announced := r.Bool()
	if count > RxQueueDepth {
		return fmt.Errorf("cs8900: checkpoint receive queue of %d frames exceeds %d", count, RxQueueDepth)
	}
	rx := make([]rxFrame, 0, RxQueueDepth)
	for i := uint32(0); i < count; i++ {
		status := r.U16()
		n := int(r.U16())
		if n > MaxFrame {
			return fmt.Errorf("cs8900: checkpoint frame length %d exceeds %d", n, MaxFrame)
		}
		data := make([]byte, n)
		r.Bytes(data)
		rx = append(rx, rxFrame{status: status, data: data})
	}
	sent := r.U64()
	received := r.U64()
	if err := r.Err(); err != nil {
		return err
	}

	c.ppptr, c.intNum, c.rxcfg, c.rxctl, c.txcfg, c.bufcfg = regs[0], regs[1], regs[2], regs[3], regs[4], regs[5]
	c.linectl, c.selfctl, c.busctl, c.testctl = regs[6], regs[7], regs[8], regs[9]
	c.txEvent, c.bufEvent, c.rxMiss, c.txCol, c.txCmd = regs[10], regs[11], regs[12], regs[13], regs[14]
	c.laf, c.ia = laf, ia
	c.sent, c.received = sent, received

	if txReady && (txLen < ethHeaderLen || txLen > MaxFrame || txFill > txLen) {
		slog.Warn("cs8900: checkpoint transmit bid inconsistent, bid dropped", "len", txLen, "fill", txFill)
		txReady, txFill = false, 0
	}
	c.txReady, c.txLen = txReady, txLen
	c.txBuf = append(c.txBuf[:0], txBuf[:txFill]...)

	valid := rxPos%2 == 0 && (len(rx) == 0 && rxPos == 0 || len(rx) > 0 && rxPos < 4+len(rx[0].data))
	for _, f := range rx {
		if len(f.data) < ethHeaderLen {
			valid = false
		}
	}
	if !valid {
		slog.Warn("cs8900: checkpoint receive queue inconsistent, queue emptied", "frames", len(rx), "pos", rxPos)
		rx, rxPos, announced = rx[:0], 0, false
	}
	c.rx, c.rxPos, c.rxAnnounced = rx, rxPos, announced

	c.irqHigh = c.busctl&BusCTL_EnableIRQ != 0 && c.eventPending()
	c.irq.SetLevel(c.irqHigh)
	return nil
}

// Frames returns a copy of the queued receive frames, oldest first.
func (c *CS8900) Frames() [][]byte {
	out := make([][]byte, 0, len(c.rx))
	for _, f := range c.rx {
		out = append(out, bytes.Clone(f.data))
	}
	return out
}

var (
	_ chipset.Device       = (*CS8900)(nil)
	_ chipset.HalfReader   = (*CS8900)(nil)
	_ chipset.HalfWriter   = (*CS8900)(nil)
	_ chipset.PowerOner    = (*CS8900)(nil)
	_ chipset.PowerOffer   = (*CS8900)(nil)
	_ chipset.Reconfigurer = (*CS8900)(nil)
	_ chipset.Resetter     = (*CS8900)(nil)
	_ chipset.Checkpointer = (*CS8900)(nil)
)
