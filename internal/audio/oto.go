//go:build !headless

package audio

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// OutputRate is the host playback rate of the oto backend.
const OutputRate = 44100

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func otoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   OutputRate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = fmt.Errorf("audio: oto context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// Oto plays through the host sound device. Writes go through a pipe that
// the oto player drains, so Write blocks at playback speed.
type Oto struct {
	mu     sync.Mutex
	pw     *io.PipeWriter
	player *oto.Player
}

func openOto() (Backend, error) {
	ctx, err := otoContext()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	player := ctx.NewPlayer(pr)
	player.Play()
	return &Oto{pw: pw, player: player}, nil
}

func (o *Oto) Write(pcm []byte, f Format) error {
	out, err := Convert(pcm, f, OutputRate)
	if err != nil {
		return err
	}
	if _, err := o.pw.Write(out); err != nil {
		return fmt.Errorf("audio: oto write: %w", err)
	}
	return nil
}

func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	o.pw.Close()
	err := o.player.Close()
	o.player = nil
	return err
}
