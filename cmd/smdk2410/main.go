package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/smdk2410/internal/board"
	"github.com/tinyrange/smdk2410/internal/checkpoint"
	"github.com/tinyrange/smdk2410/internal/config"
	"github.com/tinyrange/smdk2410/internal/debug"
	"github.com/tinyrange/smdk2410/internal/pcap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "smdk2410: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `smdk2410 - SMDK2410 peripheral board

USAGE:
  smdk2410 <command> [flags]

COMMANDS:
  map                 Print the peripheral address map
  run                 Power the board on and replay a bus script, or run until stopped
  checkpoint inspect  Print a checkpoint header and check it against the board
  trace dump          Print a bus trace

Run 'smdk2410 <command> -h' for the flags of a command.
`)
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return errors.New("no command given")
	}
	switch args[0] {
	case "map":
		return cmdMap(args[1:])
	case "run":
		return cmdRun(args[1:])
	case "checkpoint":
		if len(args) < 2 || args[1] != "inspect" {
			return errors.New("usage: smdk2410 checkpoint inspect [flags] <file>")
		}
		return cmdInspect(args[2:])
	case "trace":
		if len(args) < 2 || args[1] != "dump" {
			return errors.New("usage: smdk2410 trace dump [flags] <file>")
		}
		return cmdTraceDump(args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// boardFlags are shared by every command that builds a board.
type boardFlags struct {
	configPath string
	debug      bool
	ramMB      uint
	uart0      string
	network    string
	audio      string
	capture    string
	trace      string
}

func (f *boardFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "board config file (YAML)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.UintVar(&f.ramMB, "ram", 0, "SDRAM size in MB (overrides config)")
	fs.StringVar(&f.uart0, "uart0", "", "UART0 binding: null, stdio, file:PATH, tty:DEVICE")
	fs.StringVar(&f.network, "net", "", "network backend: none, loopback, mcast[:GROUP:PORT]")
	fs.StringVar(&f.audio, "audio", "", "audio backend: none, oto")
	fs.StringVar(&f.capture, "capture", "", "write network frames to this pcap file")
	fs.StringVar(&f.trace, "trace", "", "record bus accesses to this trace file")
}

func (f *boardFlags) config() (config.Config, error) {
	setupLogging(f.debug)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.ramMB != 0 {
		cfg.RAM.SizeMB = uint32(f.ramMB)
	}
	if f.uart0 != "" {
		cfg.UARTs[0] = f.uart0
	}
	if f.network != "" {
		cfg.Network.Backend = f.network
	}
	if f.audio != "" {
		cfg.Audio.Backend = f.audio
	}
	if f.capture != "" {
		cfg.Network.Capture = f.capture
	}
	if f.trace != "" {
		cfg.Trace = f.trace
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// newBoard builds a board from cfg and opens the trace and capture files it
// names. The returned cleanup closes the capture.
func newBoard(cfg config.Config) (*board.Board, func(), error) {
	opts := board.Options{Config: cfg}
	cleanup := func() {}

	if cfg.Trace != "" {
		tr, err := debug.Create(cfg.Trace)
		if err != nil {
			return nil, nil, fmt.Errorf("create trace: %w", err)
		}
		opts.Trace = tr
	}
	if cfg.Network.Capture != "" {
		tap, err := pcap.Create(cfg.Network.Capture)
		if err != nil {
			opts.Trace.Close()
			return nil, nil, fmt.Errorf("create capture: %w", err)
		}
		opts.Capture = tap
		cleanup = func() {
			if err := tap.Close(); err != nil {
				slog.Warn("close capture", "err", err)
			}
		}
	}

	b, err := board.New(opts)
	if err != nil {
		opts.Trace.Close()
		cleanup()
		return nil, nil, err
	}
	return b, cleanup, nil
}

func cmdMap(args []string) error {
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	var bf boardFlags
	bf.register(fs)
	fs.Parse(args)

	cfg, err := bf.config()
	if err != nil {
		return err
	}
	cfg.Trace = ""
	cfg.Network.Capture = ""
	b, cleanup, err := newBoard(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("%-10s 0x%08x-0x%08x\n", "sdram", board.RAMBase, uint64(board.RAMBase)+uint64(cfg.RAMSize())-1)
	for _, r := range b.Map() {
		fmt.Printf("%-10s 0x%08x-0x%08x\n", r.Name, r.Base, r.End()-1)
	}
	fmt.Printf("layout     %s\n", b.Layout)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var bf boardFlags
	bf.register(fs)
	scriptPath := fs.String("script", "", "bus script to replay (- for stdin)")
	restore := fs.String("restore", "", "restore this checkpoint before running")
	save := fs.String("save", "", "save a checkpoint to this file on exit")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	raw := fs.Bool("raw", false, "put the terminal in raw mode when UART0 is on stdio; stop with SIGTERM")
	fs.Parse(args)

	cfg, err := bf.config()
	if err != nil {
		return err
	}
	if *save == "" {
		*save = cfg.Checkpoint
	}

	b, cleanup, err := newBoard(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := b.Start(); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	defer func() {
		if err := b.Stop(); err != nil {
			slog.Warn("power off", "err", err)
		}
	}()

	if *restore != "" {
		if err := restoreFile(b, *restore); err != nil {
			return err
		}
	}

	if *scriptPath != "" {
		in := os.Stdin
		if *scriptPath != "-" {
			f, err := os.Open(*scriptPath)
			if err != nil {
				return fmt.Errorf("open script: %w", err)
			}
			defer f.Close()
			in = f
		}
		s := &script{b: b, out: os.Stdout, save: saveFile, restore: restoreFile}
		if err := s.run(in); err != nil {
			return err
		}
	} else {
		if *raw && cfg.UARTs[0] == "stdio" && term.IsTerminal(int(os.Stdin.Fd())) {
			oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("enable raw mode: %w", err)
			}
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
		if err := wait(b, *duration); err != nil {
			return err
		}
	}

	if *save != "" {
		return saveFile(b, *save)
	}
	return nil
}

// wait blocks until the board halts, a signal arrives or d elapses.
func wait(b *board.Board, d time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	select {
	case <-b.Done():
		return b.Halted()
	case <-ctx.Done():
		slog.Info("smdk2410: stopping")
		return nil
	}
}

func saveFile(b *board.Board, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	bar := progressbar.DefaultBytes(-1, "saving checkpoint")
	if err := b.Save(io.MultiWriter(f, bar)); err != nil {
		f.Close()
		return err
	}
	bar.Finish()
	return f.Close()
}

func restoreFile(b *board.Board, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	bar := progressbar.DefaultBytes(size, "restoring checkpoint")
	if err := b.Restore(io.TeeReader(f, bar)); err != nil {
		return err
	}
	bar.Finish()
	return nil
}

func cmdInspect(args []string) error {
	fs := flag.NewFlagSet("checkpoint inspect", flag.ExitOnError)
	var bf boardFlags
	bf.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: smdk2410 checkpoint inspect [flags] <file>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	hdr, err := checkpoint.ReadHeader(f)
	if err != nil {
		return err
	}
	fmt.Printf("layout   %s\n", hdr.Layout)
	fmt.Printf("devices  %d\n", hdr.Devices)

	cfg, err := bf.config()
	if err != nil {
		return err
	}
	cfg.Trace = ""
	cfg.Network.Capture = ""
	b, cleanup, err := newBoard(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if hdr.Layout != b.Layout {
		fmt.Printf("board    %s (layout differs, checkpoint cannot be restored)\n", b.Layout)
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := b.Restore(f); err != nil {
		fmt.Printf("restore  failed: %v\n", err)
		return nil
	}
	fmt.Printf("restore  ok\n")
	return nil
}

func cmdTraceDump(args []string) error {
	fs := flag.NewFlagSet("trace dump", flag.ExitOnError)
	faults := fs.Bool("faults", false, "only show accesses that faulted")
	kind := fs.String("kind", "", "only show records of this kind: access, irq, note")
	limit := fs.Int("limit", 0, "show at most this many records (0 for all)")
	list := fs.Bool("list", false, "list sources instead of records")
	timeRange := fs.Bool("range", false, "print the earliest and latest timestamps")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: smdk2410 trace dump [flags] <file>")
	}

	reader, closer, err := debug.OpenFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}
	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	opts := debug.SearchOptions{FaultsOnly: *faults, Limit: *limit}
	if *kind != "" {
		k, err := parseKind(*kind)
		if err != nil {
			return err
		}
		opts.Kinds = []debug.Kind{k}
	}
	return reader.Search(opts, func(r debug.Record) error {
		fmt.Println(r)
		return nil
	})
}

func parseKind(s string) (debug.Kind, error) {
	for _, k := range []debug.Kind{debug.KindAccess, debug.KindIRQ, debug.KindNote} {
		if k.String() == s {
			return k, nil
		}
	}
	return debug.KindInvalid, fmt.Errorf("unknown record kind %q", s)
}
