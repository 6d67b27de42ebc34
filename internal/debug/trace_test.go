package debug

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tinyrange/smdk2410/internal/hv"
)

func readBack(t *testing.T, buf *Buffer) *Reader {
	t.Helper()
	data := buf.Bytes()
	r, err := NewReader(bytes.NewReader(data), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestTraceRecordsAccesses(t *testing.T) {
	buf := &Buffer{}
	tr := New(buf)
	tr.TraceAccess(0x4a000010, hv.WidthWord, false, 0x400, nil)
	tr.TraceAccess(0x50000020, hv.WidthByte, true, 0x41, nil)
	tr.TraceAccess(0x4a000003, hv.WidthWord, false, 0, errors.New("misaligned"))

	r := readBack(t, buf)
	var recs []Record
	if err := r.Each(func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Addr != 0x4a000010 || recs[0].Value != 0x400 || recs[0].Write || recs[0].Width != hv.WidthWord {
		t.Fatalf("first record = %+v", recs[0])
	}
	if !recs[1].Write || recs[1].Width != hv.WidthByte {
		t.Fatalf("second record = %+v", recs[1])
	}
	if recs[2].Fault != "misaligned" {
		t.Fatalf("fault = %q", recs[2].Fault)
	}
	if s := recs[1].String(); !strings.Contains(s, "w byte 0x50000020 = 0x41") {
		t.Fatalf("String() = %q", s)
	}
	if n := r.Count(SearchOptions{FaultsOnly: true}); n != 1 {
		t.Fatalf("fault count = %d", n)
	}
}

func TestTraceInterruptTarget(t *testing.T) {
	buf := &Buffer{}
	tr := New(buf)
	flag := &hv.IRQFlag{}
	target := tr.InterruptTarget(flag)
	target.SetInterruptPending()
	target.ClearInterruptPending()
	tr.Notef("board", "checkpoint saved to %s", "a.ckpt")

	if flag.Pending() || flag.Raised() != 1 {
		t.Fatalf("wrapped target pending=%v raised=%d", flag.Pending(), flag.Raised())
	}
	r := readBack(t, buf)
	var lines []string
	if err := r.Search(SearchOptions{Kinds: []Kind{KindIRQ, KindNote}}, func(rec Record) error {
		lines = append(lines, rec.String())
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 || !strings.HasSuffix(lines[0], "cpu irq set") || !strings.HasSuffix(lines[1], "cpu irq clear") ||
		!strings.HasSuffix(lines[2], "board checkpoint saved to a.ckpt") {
		t.Fatalf("lines = %q", lines)
	}
	if got := r.Sources(); len(got) != 2 || got[0] != "board" || got[1] != "cpu" {
		t.Fatalf("sources = %v", got)
	}
}

func TestTraceConcurrentWritersKeepOrderPerWriter(t *testing.T) {
	buf := &Buffer{}
	tr := New(buf)
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				tr.Notef(fmt.Sprintf("w%d", w), "%d", i)
			}
		}()
	}
	wg.Wait()

	r := readBack(t, buf)
	next := map[string]int{}
	if err := r.Each(func(rec Record) error {
		if want := fmt.Sprint(next[rec.Source]); rec.Text != want {
			return fmt.Errorf("%s: got %s, want %s", rec.Source, rec.Text, want)
		}
		next[rec.Source]++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if n := r.Count(SearchOptions{}); n != 100 {
		t.Fatalf("count = %d", n)
	}
}

func TestTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.trace")
	tr, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	tr.TraceAccess(0x19000300, hv.WidthHalf, false, 0x630e, nil)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	tr.Notef("late", "ignored after close")

	r, closer, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer closer.Close()
	if n := r.Count(SearchOptions{}); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestNilTraceIsInert(t *testing.T) {
	var tr *Trace
	tr.TraceAccess(0, hv.WidthWord, false, 0, nil)
	tr.Notef("x", "y")
	flag := &hv.IRQFlag{}
	if tr.InterruptTarget(flag) != hv.InterruptTarget(flag) {
		t.Fatal("nil trace wrapped the interrupt target")
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
}

func BenchmarkTraceAccess(b *testing.B) {
	tr := New(&Buffer{})
	for b.Loop() {
		tr.TraceAccess(0x4a000010, hv.WidthWord, false, 0, nil)
	}
}
