package uart

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Binding is the host side of a UART. Read blocks until input arrives or the
// binding is closed; Close must unblock a pending Read.
type Binding interface {
	io.Reader
	io.Writer
	io.Closer
}

// BaudSetter is implemented by bindings backed by a real serial line.
type BaudSetter interface {
	SetBaud(baud int) error
}

// Open parses a binding description:
//
//	null            discard output, no input
//	stdio           process stdin and stdout
//	file:PATH       append output to PATH, no input
//	tty:DEVICE      host serial device, raw mode
func Open(param string) (Binding, error) {
	switch {
	case param == "" || param == "null":
		return newNullBinding(io.Discard), nil
	case param == "stdio":
		return newStdioBinding(), nil
	case strings.HasPrefix(param, "file:"):
		path := strings.TrimPrefix(param, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("uart: open output file: %w", err)
		}
		return &fileBinding{nullBinding: newNullBinding(f), f: f}, nil
	case strings.HasPrefix(param, "tty:"):
		return openTTY(strings.TrimPrefix(param, "tty:"))
	default:
		return nil, fmt.Errorf("uart: unknown binding %q", param)
	}
}

// nullBinding has no input: Read blocks until Close.
type nullBinding struct {
	out    io.Writer
	closed chan struct{}
	once   sync.Once
}

func newNullBinding(out io.Writer) *nullBinding {
	return &nullBinding{out: out, closed: make(chan struct{})}
}

func (b *nullBinding) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *nullBinding) Write(p []byte) (int, error) {
	return b.out.Write(p)
}

func (b *nullBinding) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type fileBinding struct {
	*nullBinding
	f *os.File
}

func (b *fileBinding) Close() error {
	b.nullBinding.Close()
	return b.f.Close()
}

// stdin can only be read by one goroutine for the life of the process, so a
// single pump feeds whichever stdio binding is current.
var (
	stdinOnce sync.Once
	stdinData chan []byte
)

func stdinPump() <-chan []byte {
	stdinOnce.Do(func() {
		stdinData = make(chan []byte)
		go func() {
			for {
				buf := make([]byte, 256)
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					stdinData <- buf[:n]
				}
				if err != nil {
					return
				}
			}
		}()
	})
	return stdinData
}

type stdioBinding struct {
	in      <-chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

func newStdioBinding() *stdioBinding {
	return &stdioBinding{in: stdinPump(), closed: make(chan struct{})}
}

func (b *stdioBinding) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		select {
		case data := <-b.in:
			b.pending = data
		case <-b.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *stdioBinding) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (b *stdioBinding) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
