package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/smdk2410/internal/board"
	"github.com/tinyrange/smdk2410/internal/config"
	"github.com/tinyrange/smdk2410/internal/hv"
)

func newScriptBoard(t *testing.T) (*script, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.RAM.SizeMB = 1
	cfg.UARTs = []string{"null", "null", "null"}
	b, err := board.New(board.Options{Config: cfg})
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })

	var out bytes.Buffer
	save := func(b *board.Board, path string) error { return b.SaveFile(path) }
	restore := func(b *board.Board, path string) error { return b.RestoreFile(path) }
	return &script{b: b, out: &out, save: save, restore: restore}, &out
}

func TestScriptReadWrite(t *testing.T) {
	s, out := newScriptBoard(t)
	err := s.run(strings.NewReader(`
# watchdog data register
w w 0x53000004 0x1234
r w 0x53000004
expect h 0x30000000 0
w b 0x30000001 0xab
expect w 0x30000000 0xab00
`))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.String(); got != "0x53000004 word = 0x00001234\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestScriptExpectMismatch(t *testing.T) {
	s, _ := newScriptBoard(t)
	err := s.run(strings.NewReader("expect w 0x53000000 0\n"))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("err = %v, want mismatch on line 1", err)
	}
}

func TestScriptFaultStopsReplay(t *testing.T) {
	s, _ := newScriptBoard(t)
	err := s.run(strings.NewReader("r w 0x60000000\nw w 0x30000000 1\n"))
	if !errors.Is(err, hv.ErrMachineHalted) {
		t.Fatalf("err = %v, want halt", err)
	}
}

func TestScriptSaveRestore(t *testing.T) {
	s, _ := newScriptBoard(t)
	path := t.TempDir() + "/ckpt"
	err := s.run(strings.NewReader(
		"w w 0x30000010 7\n" +
			"save " + path + "\n" +
			"w w 0x30000010 9\n" +
			"restore " + path + "\n" +
			"expect w 0x30000010 7\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestParseAccess(t *testing.T) {
	for _, tc := range []struct {
		w, a  string
		width hv.Width
		addr  uint32
		ok    bool
	}{
		{"b", "0x10", hv.WidthByte, 0x10, true},
		{"16", "0x5000_0000", hv.WidthHalf, 0x50000000, true},
		{"word", "4096", hv.WidthWord, 4096, true},
		{"q", "0", 0, 0, false},
		{"w", "0x1_0000_0000", 0, 0, false},
	} {
		width, addr, err := parseAccess(tc.w, tc.a)
		if (err == nil) != tc.ok {
			t.Errorf("parseAccess(%q, %q) err = %v", tc.w, tc.a, err)
			continue
		}
		if tc.ok && (width != tc.width || addr != tc.addr) {
			t.Errorf("parseAccess(%q, %q) = %s 0x%x", tc.w, tc.a, width, addr)
		}
	}
}
