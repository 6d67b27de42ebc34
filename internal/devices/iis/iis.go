// Package iis emulates the S3C2410 IIS bus interface in transmit mode.
//
// PCM reaches the controller either from DMA channel 2 in whole blocks or
// from the CPU through IISFIFO. Blocks wait in a bounded queue that an audio
// goroutine drains into the host backend outside the shared lock; once a
// block has been played the goroutine takes the lock and completes it, which
// lets the DMA channel raise its interrupt and fetch the next block.
package iis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/smdk2410/internal/audio"
	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/chipset"
	"github.com/tinyrange/smdk2410/internal/devices/dma"
)

// Register offsets.
const (
	IISCON  = 0x00
	IISMOD  = 0x04
	IISPSR  = 0x08
	IISFCON = 0x0c
	IISFIFO = 0x10

	Size = 0x14

	// QueueDepth is the number of blocks waiting for the audio goroutine.
	QueueDepth = 4
	// FIFOSize is the depth of the transmit FIFO in bytes.
	FIFOSize = 64
)

// IISCON bits
const (
	IISCON_EN       = 1 << 0
	IISCON_PSR_EN   = 1 << 1
	IISCON_TX_IDLE  = 1 << 3
	IISCON_TX_DMA   = 1 << 5
	IISCON_TX_READY = 1 << 7
)

const (
	deviceID     = "iis"
	stateVersion = 1

	iismodTX  = 2 << 6
	iismod16  = 1 << 3
	iismod384 = 1 << 2

	// A stopped device gives the audio goroutine this long to finish what is
	// queued before the rest is discarded.
	drainAttempts = 20
	drainInterval = 10 * time.Millisecond
)

var stateTag = checkpoint.TagOf("IIS0")

type block struct {
	data []byte
	f    audio.Format
	done func()
	gen  uint64
}

// IIS is the IIS controller.
type IIS struct {
	lock *chipset.SharedLock
	pclk uint32
	open func(name string) (audio.Backend, error)

	backendName string

	iiscon  uint32
	iismod  uint32
	iispsr  uint32
	iisfcon uint32
	fifo    []byte

	request func()

	queue   chan block
	queued  int
	backend audio.Backend
	worker  *chipset.Async
	gen     uint64
	played  uint64
}

// Option customises the controller.
type Option func(*IIS)

// WithOpener replaces the audio backend factory, mainly for tests.
func WithOpener(open func(name string) (audio.Backend, error)) Option {
	return func(s *IIS) {
		if open != nil {
			s.open = open
		}
	}
}

// WithPCLK sets the peripheral clock feeding the prescaler.
func WithPCLK(hz uint32) Option {
	return func(s *IIS) {
		if hz != 0 {
			s.pclk = hz
		}
	}
}

// New returns the controller; backend names the audio backend opened at
// power on.
func New(backend string, lock *chipset.SharedLock, opts ...Option) *IIS {
	s := &IIS{
		lock:        lock,
		pclk:        50_000_000,
		open:        audio.Open,
		backendName: backend,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetRegisters()
	return s
}

func (s *IIS) resetRegisters() {
	s.iiscon = IISCON_TX_IDLE
	s.iismod = 0
	s.iispsr = 0
	s.iisfcon = 0
	s.fifo = s.fifo[:0]
}

// SetRequester installs the DMA request line, called with the lock held
// whenever the controller can take another block.
func (s *IIS) SetRequester(fn func()) {
	s.request = fn
}

// DeviceID implements chipset.Device.
func (s *IIS) DeviceID() string { return deviceID }

// PowerOn implements chipset.PowerOner.
func (s *IIS) PowerOn() error {
	b, err := s.open(s.backendName)
	if err != nil {
		return err
	}
	s.attach(b)
	return nil
}

// PowerOff implements chipset.PowerOffer.
func (s *IIS) PowerOff() error {
	return s.detach()
}

// Reconfigure implements chipset.Reconfigurer; param names a new backend.
func (s *IIS) Reconfigure(param string) error {
	if err := s.detach(); err != nil {
		slog.Warn("iis: close previous backend", "err", err)
	}
	b, err := s.open(param)
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.backendName = param
	s.lock.Unlock()
	s.attach(b)
	return nil
}

func (s *IIS) attach(b audio.Backend) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.gen++
	s.backend = b
	s.queue = make(chan block, QueueDepth)
	s.queued = 0
	queue := s.queue
	s.worker = chipset.StartAsync(context.Background(), func(ctx context.Context) {
		s.playLoop(ctx, b, queue)
	})
	s.signal()
}

func (s *IIS) detach() error {
	chipset.PollBounded(drainAttempts, drainInterval, func() bool {
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.queued == 0
	})

	s.lock.Lock()
	b, worker, queue := s.backend, s.worker, s.queue
	s.backend, s.worker, s.queue = nil, nil, nil
	s.lock.Unlock()
	if b == nil {
		return nil
	}
	worker.Cancel()
	err := b.Close()
	worker.Wait()

	// Blocks the audio goroutine never reached complete unplayed.
	s.lock.Lock()
	defer s.lock.Unlock()
	for {
		select {
		case blk := <-queue:
			s.queued--
			if blk.gen == s.gen && blk.done != nil {
				blk.done()
			}
		default:
			s.queued = 0
			return err
		}
	}
}

func (s *IIS) playLoop(ctx context.Context, b audio.Backend, queue <-chan block) {
	for {
		var blk block
		select {
		case <-ctx.Done():
			return
		case blk = <-queue:
		}
		s.lock.Lock()
		stale := blk.gen != s.gen
		if stale {
			s.queued--
			s.signal()
		}
		s.lock.Unlock()
		if stale {
			continue
		}
		if err := b.Write(blk.data, blk.f); err != nil && ctx.Err() == nil {
			slog.Warn("iis: audio backend write failed", "err", err)
		}

		s.lock.Lock()
		s.queued--
		s.played += uint64(len(blk.data))
		if blk.gen == s.gen && blk.done != nil {
			blk.done()
		}
		s.signal()
		s.lock.Unlock()
	}
}

// Played returns how many bytes have gone to the backend.
func (s *IIS) Played() uint64 { return s.played }

// Format returns the PCM format programmed by IISMOD and IISPSR.
func (s *IIS) Format() audio.Format {
	codec := s.pclk
	if s.iiscon&IISCON_PSR_EN != 0 {
		codec = s.pclk / ((s.iispsr>>5)&0x1f + 1)
	}
	fs := uint32(256)
	if s.iismod&iismod384 != 0 {
		fs = 384
	}
	bits := 8
	if s.iismod&iismod16 != 0 {
		bits = 16
	}
	return audio.Format{SampleRate: int(codec / fs), Channels: 2, BitsPerSample: bits}
}

func (s *IIS) transmitting() bool {
	return s.iiscon&IISCON_EN != 0 && s.iismod&iismodTX != 0
}

// Ready reports whether a DMA block would be accepted now.
func (s *IIS) Ready() bool {
	return s.transmitting() && s.iiscon&IISCON_TX_DMA != 0 && s.queue != nil && s.queued < QueueDepth
}

// Submit queues a DMA block. done runs with the shared lock held once the
// block has been played or discarded.
func (s *IIS) Submit(data []byte, done func()) error {
	if !s.transmitting() {
		return fmt.Errorf("iis: transmitter disabled")
	}
	return s.enqueue(data, done)
}

func (s *IIS) enqueue(data []byte, done func()) error {
	if s.queue == nil {
		// No backend: the block is consumed at once.
		if done != nil {
			done()
		}
		return nil
	}
	if s.queued >= QueueDepth {
		return fmt.Errorf("iis: audio queue full")
	}
	s.queued++
	s.queue <- block{data: data, f: s.Format(), done: done, gen: s.gen}
	return nil
}

// Discard implements dma.Discarder. Blocks still waiting for the audio
// goroutine are dropped without being completed, and so is a block it is
// already playing. The caller holds the shared lock.
func (s *IIS) Discard() {
	s.gen++
	for s.queue != nil {
		select {
		case <-s.queue:
			s.queued--
		default:
			return
		}
	}
}

// signal raises the DMA request if the controller can take a block.
func (s *IIS) signal() {
	if s.request != nil && s.Ready() {
		s.request()
	}
}

func (s *IIS) flushFIFO() {
	if len(s.fifo) == 0 {
		return
	}
	data := append([]byte(nil), s.fifo...)
	s.fifo = s.fifo[:0]
	if err := s.enqueue(data, nil); err != nil {
		slog.Debug("iis: FIFO data dropped", "bytes", len(data), "err", err)
	}
}

// Read32 implements chipset.WordReader.
func (s *IIS) Read32(offset uint32) (uint32, error) {
	switch offset {
	case IISCON:
		v := s.iiscon
		if len(s.fifo) < FIFOSize {
			v |= IISCON_TX_READY
		}
		return v, nil
	case IISMOD:
		return s.iismod, nil
	case IISPSR:
		return s.iispsr, nil
	case IISFCON:
		return s.iisfcon | uint32(len(s.fifo)/2)<<6&0xfc0, nil
	case IISFIFO:
		return 0, nil
	default:
		return 0, chipset.UnsupportedOffset(deviceID, offset)
	}
}

// Write32 implements chipset.WordWriter.
func (s *IIS) Write32(offset uint32, value uint32) error {
	switch offset {
	case IISCON:
		s.iiscon = value & 0x3f
		if !s.transmitting() {
			s.fifo = s.fifo[:0]
		}
		s.signal()
	case IISMOD:
		s.iismod = value & 0x1ff
		s.signal()
	case IISPSR:
		s.iispsr = value & 0x3ff
	case IISFCON:
		s.iisfcon = value & 0xf000
	case IISFIFO:
		return s.writeFIFO(uint16(value))
	default:
		return chipset.UnsupportedOffset(deviceID, offset)
	}
	return nil
}

// Write16 implements chipset.HalfWriter; IISFIFO is normally written as
// halfwords.
func (s *IIS) Write16(offset uint32, value uint16) error {
	if offset != IISFIFO {
		return s.Write32(offset, uint32(value))
	}
	return s.writeFIFO(value)
}

func (s *IIS) writeFIFO(sample uint16) error {
	if !s.transmitting() {
		return nil
	}
	s.fifo = append(s.fifo, byte(sample), byte(sample>>8))
	if len(s.fifo) >= FIFOSize {
		s.flushFIFO()
	}
	return nil
}

// Reset implements chipset.Resetter.
func (s *IIS) Reset() error {
	s.resetRegisters()
	return nil
}

// SaveState implements chipset.Checkpointer. Blocks already queued for the
// backend are not saved; the DMA channel refetches its block on restore.
func (s *IIS) SaveState(w *checkpoint.Writer) error {
	w.Begin(stateTag, stateVersion)
	w.U32(s.iiscon)
	w.U32(s.iismod)
	w.U32(s.iispsr)
	w.U32(s.iisfcon)
	w.U64(s.played)
	w.U32(uint32(len(s.fifo)))
	var fifo [FIFOSize]byte
	copy(fifo[:], s.fifo)
	w.Bytes(fifo[:])
	return w.Err()
}

// RestoreState implements chipset.Checkpointer. A FIFO fill level beyond the
// FIFO's size leaves the FIFO empty.
func (s *IIS) RestoreState(r *checkpoint.Reader) error {
	if err := r.Verify(stateTag, stateVersion); err != nil {
		return err
	}
	iiscon := r.U32()
	iismod := r.U32()
	iispsr := r.U32()
	iisfcon := r.U32()
	played := r.U64()
	n := r.U32()
	var fifo [FIFOSize]byte
	r.Bytes(fifo[:])
	if err := r.Err(); err != nil {
		return err
	}
	s.iiscon = iiscon & 0x3f
	s.iismod = iismod & 0x1ff
	s.iispsr = iispsr & 0x3ff
	s.iisfcon = iisfcon & 0xf000
	s.played = played
	if n > FIFOSize || n%2 != 0 {
		slog.Warn("iis: checkpoint FIFO level out of range, FIFO emptied", "level", n)
		n = 0
	}
	s.fifo = append(s.fifo[:0], fifo[:n]...)
	s.signal()
	return nil
}

var (
	_ chipset.Device       = (*IIS)(nil)
	_ chipset.WordReader   = (*IIS)(nil)
	_ chipset.WordWriter   = (*IIS)(nil)
	_ chipset.HalfWriter   = (*IIS)(nil)
	_ chipset.PowerOner    = (*IIS)(nil)
	_ chipset.PowerOffer   = (*IIS)(nil)
	_ chipset.Reconfigurer = (*IIS)(nil)
	_ chipset.Resetter     = (*IIS)(nil)
	_ chipset.Checkpointer = (*IIS)(nil)
	_ dma.Discarder        = (*IIS)(nil)
)
