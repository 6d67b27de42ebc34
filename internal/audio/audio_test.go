package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 2, BitsPerSample: 16}
	if got := f.Duration(8000 * 4); got != time.Second {
		t.Fatalf("duration = %v", got)
	}
	if got := (Format{}).Duration(100); got != 0 {
		t.Fatalf("zero format duration = %v", got)
	}
}

func TestNullBackendPacesWithinBound(t *testing.T) {
	n := NewNull(10 * time.Millisecond)
	var slept []time.Duration
	n.sleep = func(d time.Duration) { slept = append(slept, d) }

	f := Format{SampleRate: 1000, Channels: 1, BitsPerSample: 16}
	_ = n.Write(make([]byte, 2*4), f)   // 4ms
	_ = n.Write(make([]byte, 2*500), f) // 500ms, capped
	if len(slept) != 2 || slept[0] != 4*time.Millisecond || slept[1] != 10*time.Millisecond {
		t.Fatalf("slept %v", slept)
	}
}

func TestConvertUpsamplesMonoToStereo(t *testing.T) {
	in := make([]byte, 4)
	binary.LittleEndian.PutUint16(in[0:], 0x1234)
	binary.LittleEndian.PutUint16(in[2:], 0xfedc)
	out, err := Convert(in, Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}, 44100)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 4*4 {
		t.Fatalf("output %d bytes", len(out))
	}
	want := []uint16{0x1234, 0x1234, 0x1234, 0x1234, 0xfedc, 0xfedc, 0xfedc, 0xfedc}
	for i, w := range want {
		if got := binary.LittleEndian.Uint16(out[i*2:]); got != w {
			t.Fatalf("sample %d = 0x%x, want 0x%x", i, got, w)
		}
	}
	if _, err := Convert(in, Format{SampleRate: 8000, Channels: 1, BitsPerSample: 12}, 44100); err == nil {
		t.Fatalf("12 bit format accepted")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open("alsa"); err == nil {
		t.Fatalf("unknown backend accepted")
	}
	b, err := Open("none")
	if err != nil {
		t.Fatalf("open none: %v", err)
	}
	b.Close()
}
