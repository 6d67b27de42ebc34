//go:build linux || darwin

package uart

import (
	"fmt"
	"log/slog"

	tty "github.com/mattn/go-tty"
)

type ttyBinding struct {
	path    string
	t       *tty.TTY
	restore func() error
}

func openTTY(path string) (Binding, error) {
	t, err := tty.OpenDevice(path)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", path, err)
	}
	restore, err := t.Raw()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("uart: raw mode on %s: %w", path, err)
	}
	return &ttyBinding{path: path, t: t, restore: restore}, nil
}

func (b *ttyBinding) Read(p []byte) (int, error) {
	return b.t.Input().Read(p)
}

func (b *ttyBinding) Write(p []byte) (int, error) {
	return b.t.Output().Write(p)
}

func (b *ttyBinding) SetBaud(baud int) error {
	return setBaud(b.t.Input().Fd(), baud)
}

func (b *ttyBinding) Close() error {
	if err := b.restore(); err != nil {
		slog.Warn("uart: restore tty mode", "path", b.path, "err", err)
	}
	return b.t.Close()
}
