package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/smdk2410/internal/board"
	"github.com/tinyrange/smdk2410/internal/hv"
)

// script replays bus accesses against a board. One command per line:
//
//	r <width> <addr>            read and print
//	w <width> <addr> <value>    write
//	expect <width> <addr> <value>
//	wait <duration>
//	save <file>
//	restore <file>
//	reconfigure <device> <param>
//	reset
//
// Width is b, h or w (or 8, 16, 32). Blank lines and lines starting with #
// are ignored.
type script struct {
	b   *board.Board
	out io.Writer

	save    func(*board.Board, string) error
	restore func(*board.Board, string) error
}

func (s *script) run(in io.Reader) error {
	sc := bufio.NewScanner(in)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.exec(strings.Fields(line)); err != nil {
			return fmt.Errorf("script line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func (s *script) exec(f []string) error {
	switch f[0] {
	case "r":
		if len(f) != 3 {
			return fmt.Errorf("usage: r <width> <addr>")
		}
		width, addr, err := parseAccess(f[1], f[2])
		if err != nil {
			return err
		}
		v, err := s.b.Read(addr, width)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "0x%08x %s = 0x%0*x\n", addr, width, int(width)*2, v)
		return nil
	case "w", "expect":
		if len(f) != 4 {
			return fmt.Errorf("usage: %s <width> <addr> <value>", f[0])
		}
		width, addr, err := parseAccess(f[1], f[2])
		if err != nil {
			return err
		}
		v, err := parseU32(f[3])
		if err != nil {
			return err
		}
		if f[0] == "w" {
			return s.b.Write(addr, width, v)
		}
		got, err := s.b.Read(addr, width)
		if err != nil {
			return err
		}
		if got != v&width.Mask() {
			return fmt.Errorf("0x%08x %s = 0x%x, want 0x%x", addr, width, got, v)
		}
		return nil
	case "wait":
		if len(f) != 2 {
			return fmt.Errorf("usage: wait <duration>")
		}
		d, err := time.ParseDuration(f[1])
		if err != nil {
			return err
		}
		select {
		case <-time.After(d):
			return nil
		case <-s.b.Done():
			return s.b.Halted()
		}
	case "save", "restore":
		if len(f) != 2 {
			return fmt.Errorf("usage: %s <file>", f[0])
		}
		if f[0] == "save" {
			return s.save(s.b, f[1])
		}
		return s.restore(s.b, f[1])
	case "reconfigure":
		if len(f) != 3 {
			return fmt.Errorf("usage: reconfigure <device> <param>")
		}
		return s.b.Chipset.Reconfigure(f[1], f[2])
	case "reset":
		return s.b.Reset()
	default:
		return fmt.Errorf("unknown command %q", f[0])
	}
}

func parseAccess(w, a string) (hv.Width, uint32, error) {
	var width hv.Width
	switch w {
	case "b", "8", "byte":
		width = hv.WidthByte
	case "h", "16", "half":
		width = hv.WidthHalf
	case "w", "32", "word":
		width = hv.WidthWord
	default:
		return 0, 0, fmt.Errorf("unknown width %q", w)
	}
	addr, err := parseU32(a)
	if err != nil {
		return 0, 0, err
	}
	return width, addr, nil
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(v), nil
}
