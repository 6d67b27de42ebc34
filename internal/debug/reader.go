package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/tinyrange/smdk2410/internal/hv"
)

// Record is one decoded trace record. Fields not used by its Kind are zero.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string

	Addr  uint32
	Width hv.Width
	Write bool
	Value uint32
	Fault string

	Pending bool

	Text string
}

func (r Record) String() string {
	ts := r.Time.UTC().Format("15:04:05.000000")
	switch r.Kind {
	case KindAccess:
		op := "r"
		if r.Write {
			op = "w"
		}
		line := fmt.Sprintf("%s %s %s %s 0x%08x = 0x%0*x", ts, r.Source, op, r.Width, r.Addr, int(r.Width)*2, r.Value)
		if r.Fault != "" {
			line += " fault: " + r.Fault
		}
		return line
	case KindIRQ:
		state := "clear"
		if r.Pending {
			state = "set"
		}
		return fmt.Sprintf("%s %s irq %s", ts, r.Source, state)
	default:
		return fmt.Sprintf("%s %s %s", ts, r.Source, r.Text)
	}
}

// SearchOptions narrows Search and Count.
type SearchOptions struct {
	Start time.Time
	End   time.Time

	// Kinds, if set, keeps only records of these kinds.
	Kinds []Kind

	// FaultsOnly keeps only accesses that faulted.
	FaultsOnly bool

	// Limit keeps only the first Limit matches.
	Limit int
}

type indexEntry struct {
	offset   int64
	unixNano int64
	kind     Kind
	fault    bool
}

// Reader indexes a trace and iterates over it in recording order.
type Reader struct {
	r io.ReaderAt

	entries  []indexEntry
	sources  map[uint64]string
	earliest int64
	latest   int64

	hash hash.Hash64
}

// NewReader indexes the trace read sequentially from index and later reads
// records from r.
func NewReader(r io.ReaderAt, index io.Reader) (*Reader, error) {
	ret := &Reader{
		r:       r,
		sources: make(map[uint64]string),
		hash:    fnv.New64a(),
	}
	if err := ret.indexAll(index); err != nil {
		return nil, fmt.Errorf("debug: index trace: %w", err)
	}
	return ret, nil
}

// OpenFile opens and indexes the trace in filename.
func OpenFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("debug: open trace: %w", err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) indexAll(in io.Reader) error {
	br := bufio.NewReaderSize(in, 1<<20)
	var hdr [headerLen]byte
	var source [1 << 16]byte
	var offset int64
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("record header at %d: %w", offset, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			// A zero header is space reserved by a writer that never
			// finished; nothing after it can be trusted.
			return nil
		}
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		dataLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))

		if _, err := io.ReadFull(br, source[:srcLen]); err != nil {
			return fmt.Errorf("record source at %d: %w", offset, err)
		}
		h := r.hashBytes(source[:srcLen])
		if _, ok := r.sources[h]; !ok {
			r.sources[h] = string(source[:srcLen])
		}

		fault := false
		if kind == KindAccess && dataLen >= accessLen {
			var fixed [accessLen]byte
			if _, err := io.ReadFull(br, fixed[:]); err != nil {
				return fmt.Errorf("record payload at %d: %w", offset, err)
			}
			fault = fixed[9]&accessFault != 0
			if _, err := br.Discard(int(dataLen - accessLen)); err != nil {
				return fmt.Errorf("record payload at %d: %w", offset, err)
			}
		} else if _, err := br.Discard(int(dataLen)); err != nil {
			return fmt.Errorf("record payload at %d: %w", offset, err)
		}

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}
		r.entries = append(r.entries, indexEntry{offset: offset, unixNano: ts, kind: kind, fault: fault})
		offset += headerLen + int64(srcLen) + dataLen
	}
}

func (r *Reader) hashBytes(b []byte) uint64 {
	r.hash.Reset()
	r.hash.Write(b)
	return r.hash.Sum64()
}

func (r *Reader) match(opts SearchOptions, e indexEntry) bool {
	ts := time.Unix(0, e.unixNano)
	if !opts.Start.IsZero() && ts.Before(opts.Start) {
		return false
	}
	if !opts.End.IsZero() && ts.After(opts.End) {
		return false
	}
	if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.kind) {
		return false
	}
	if opts.FaultsOnly && !e.fault {
		return false
	}
	return true
}

// Search calls fn for every matching record in recording order.
func (r *Reader) Search(opts SearchOptions, fn func(Record) error) error {
	n := 0
	for _, e := range r.entries {
		if !r.match(opts, e) {
			continue
		}
		if opts.Limit > 0 && n >= opts.Limit {
			return nil
		}
		rec, err := r.decode(e)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		n++
	}
	return nil
}

// Each calls fn for every record in recording order.
func (r *Reader) Each(fn func(Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of records matching opts.
func (r *Reader) Count(opts SearchOptions) int {
	n := 0
	for _, e := range r.entries {
		if r.match(opts, e) {
			n++
		}
	}
	if opts.Limit > 0 && n > opts.Limit {
		n = opts.Limit
	}
	return n
}

// Sources returns every source name in the trace, sorted.
func (r *Reader) Sources() []string {
	out := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

func (r *Reader) decode(e indexEntry) (Record, error) {
	var hdr [headerLen]byte
	if _, err := r.r.ReadAt(hdr[:], e.offset); err != nil {
		return Record{}, fmt.Errorf("debug: read record at %d: %w", e.offset, err)
	}
	srcLen := int64(binary.LittleEndian.Uint16(hdr[2:4]))
	dataLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	body := make([]byte, srcLen+dataLen)
	if _, err := r.r.ReadAt(body, e.offset+headerLen); err != nil {
		return Record{}, fmt.Errorf("debug: read record at %d: %w", e.offset, err)
	}
	rec := Record{
		Time:   time.Unix(0, e.unixNano),
		Kind:   e.kind,
		Source: string(body[:srcLen]),
	}
	payload := body[srcLen:]
	switch e.kind {
	case KindAccess:
		if len(payload) < accessLen {
			return Record{}, fmt.Errorf("debug: short access record at %d", e.offset)
		}
		rec.Addr = binary.LittleEndian.Uint32(payload[0:4])
		rec.Value = binary.LittleEndian.Uint32(payload[4:8])
		rec.Width = hv.Width(payload[8])
		rec.Write = payload[9]&accessWrite != 0
		if payload[9]&accessFault != 0 {
			rec.Fault = string(payload[accessLen:])
			if rec.Fault == "" {
				rec.Fault = "fault"
			}
		}
	case KindIRQ:
		rec.Pending = len(payload) > 0 && payload[0] != 0
	default:
		rec.Text = strings.ToValidUTF8(string(payload), "?")
	}
	return rec, nil
}
