// Package audio plays PCM produced by the IIS controller on the host.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format describes interleaved signed little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// FrameSize returns the size of one frame in bytes.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns how long n bytes of f take to play.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.FrameSize() <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && (f.BitsPerSample == 8 || f.BitsPerSample == 16)
}

// Backend plays PCM. Write blocks for roughly the playback time of pcm so
// that the caller is paced by the host.
type Backend interface {
	Write(pcm []byte, f Format) error
	Close() error
}

// Open returns the backend named by name: "none" or "oto".
func Open(name string) (Backend, error) {
	switch name {
	case "", "none", "null":
		return NewNull(DefaultMaxPace), nil
	case "oto":
		return openOto()
	default:
		return nil, fmt.Errorf("audio: unknown backend %q", name)
	}
}

// DefaultMaxPace caps how long the null backend holds a single buffer.
const DefaultMaxPace = 250 * time.Millisecond

// Null discards audio, sleeping for its playback time up to a bound.
type Null struct {
	maxPace time.Duration
	sleep   func(time.Duration)
}

// NewNull returns a null backend that never waits longer than maxPace per
// buffer.
func NewNull(maxPace time.Duration) *Null {
	return &Null{maxPace: maxPace, sleep: time.Sleep}
}

func (n *Null) Write(pcm []byte, f Format) error {
	d := f.Duration(len(pcm))
	if d > n.maxPace {
		d = n.maxPace
	}
	if d > 0 {
		n.sleep(d)
	}
	return nil
}

func (n *Null) Close() error { return nil }

// Convert resamples pcm from f to 16 bit stereo at rate by nearest
// neighbour.
func Convert(pcm []byte, f Format, rate int) ([]byte, error) {
	if !f.valid() {
		return nil, fmt.Errorf("audio: unsupported format %+v", f)
	}
	frameSize := f.FrameSize()
	inFrames := len(pcm) / frameSize
	outFrames := int(int64(inFrames) * int64(rate) / int64(f.SampleRate))
	out := make([]byte, outFrames*4)

	sample := func(frame, ch int) int16 {
		if ch >= f.Channels {
			ch = f.Channels - 1
		}
		off := frame*frameSize + ch*f.BitsPerSample/8
		if f.BitsPerSample == 8 {
			return int16(int8(pcm[off])) << 8
		}
		return int16(binary.LittleEndian.Uint16(pcm[off:]))
	}
	for i := 0; i < outFrames; i++ {
		src := int(int64(i) * int64(f.SampleRate) / int64(rate))
		binary.LittleEndian.PutUint16(out[i*4:], uint16(sample(src, 0)))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(sample(src, 1)))
	}
	return out, nil
}
