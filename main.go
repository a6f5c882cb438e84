// sdboot - SD card boot loader toolbox working on card images
//
// The image is driven through a simulated sdspi controller, so every
// command exercises the same card engine and EXT2 reader the boot loader
// runs.
//
// Usage:
//
//	sdboot [flags] <image> info
//	sdboot [flags] <image> ls [-l] [-a] [path]
//	sdboot [flags] <image> cat <path>
//	sdboot [flags] <image> stat <path>
//	sdboot [flags] <image> load <path>
//	sdboot [flags] <image> console
//	sdboot [flags] <image> serve
//	sdboot -rw [flags] <image> selftest
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

	"golang.org/x/term"

	"github.com/lvdlvd/sdboot/cmd"
	"github.com/lvdlvd/sdboot/fsys"
	"github.com/lvdlvd/sdboot/fsys/ext2"
	"github.com/lvdlvd/sdboot/nbd"
	"github.com/lvdlvd/sdboot/sdcard"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "sdboot: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	part    int
	verbose bool
	socket  string
	export  string
	rw      bool
	modes   string
	max     int64
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var o options
	fl := flag.NewFlagSet("sdboot", flag.ContinueOnError)
	fl.SetOutput(stderr)
	fl.IntVar(&o.part, "part", -1, "partition to mount: 0 for sector 0, 1-4 for an MBR slot, -1 to scan")
	fl.BoolVar(&o.verbose, "v", false, "debug logging")
	fl.StringVar(&o.socket, "socket", "/tmp/sdboot.sock", "NBD unix socket for serve")
	fl.StringVar(&o.export, "export", "sd", "NBD export name for serve")
	fl.BoolVar(&o.rw, "rw", false, "open the image read-write (serve, selftest)")
	fl.StringVar(&o.modes, "modes", "sdr25,sdr50", "speed modes the simulated card offers")
	fl.Int64Var(&o.max, "max", 64<<20, "largest file load accepts, in bytes")
	fl.Usage = func() {
		fmt.Fprintln(stderr, "usage: sdboot [flags] <image> info|ls|cat|stat|load|console|serve|selftest [args]")
		fl.PrintDefaults()
	}
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() < 2 {
		fl.Usage()
		return fmt.Errorf("missing image or command")
	}
	imagePath, command, cmdArgs := fl.Arg(0), fl.Arg(1), fl.Args()[2:]

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	modes, err := sdcard.ParseSpeedModes(o.modes)
	if err != nil {
		return err
	}
	if command == "selftest" && !o.rw {
		return fmt.Errorf("selftest writes to the card, use -rw")
	}

	mode := os.O_RDONLY
	if o.rw {
		mode = os.O_RDWR
	}
	file, err := os.OpenFile(imagePath, mode, 0)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	sim := sdcard.NewSim(file, info.Size())
	sim.Modes = modes
	card := sdcard.New(sim, sdcard.WithLogger(log))
	if err := card.Init(); err != nil {
		if command == "serve" || command == "selftest" {
			return fmt.Errorf("card init: %w", err)
		}
		log.Warn("continuing without a card", slog.String("err", err.Error()))
	}

	vol := ext2.NewVolume(card, ext2.WithLogger(log))
	switch command {
	case "serve", "selftest":
	default:
		if err := mount(vol, o.part); err != nil {
			if command != "info" && command != "console" {
				return err
			}
			log.Warn("no filesystem selected", slog.String("err", err.Error()))
		}
	}

	switch command {
	case "info":
		return cmd.Info(stdout, card, vol)
	case "ls":
		return runLs(vol, cmdArgs, stdout)
	case "cat":
		return withPath(vol, cmdArgs, stdout, cmd.Cat)
	case "stat":
		return withPath(vol, cmdArgs, stdout, cmd.Stat)
	case "load":
		return runLoad(vol, cmdArgs, o.max, stdout)
	case "console":
		con := cmd.NewConsole(vol, cmd.WithCard(card), cmd.WithLogger(log), cmd.WithLoadLimit(o.max))
		return runConsole(con, stdin, stdout)
	case "serve":
		return runServe(card, o, log)
	case "selftest":
		return cmd.SelfTest(card, stdout)
	default:
		return fmt.Errorf("unknown command: %s (use info, ls, cat, stat, load, console, serve or selftest)", command)
	}
}

func mount(vol *ext2.Volume, idx int) error {
	if idx < 0 {
		_, err := vol.Scan()
		return err
	}
	return vol.Select(idx)
}

func runLs(vol *ext2.Volume, args []string, out io.Writer) error {
	fl := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := fl.Bool("l", false, "use long listing format")
	all := fl.Bool("a", false, "show dot files")
	if err := fl.Parse(args); err != nil {
		return err
	}
	return cmd.Ls(vol, fl.Arg(0), out, cmd.LsOptions{Long: *long, All: *all})
}

func withPath(vol *ext2.Volume, args []string, out io.Writer, fn func(fsys.FS, string, io.Writer) error) error {
	if len(args) < 1 {
		return fmt.Errorf("missing path argument")
	}
	return fn(vol, args[0], out)
}

func runLoad(vol *ext2.Volume, args []string, limit int64, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("load requires a path argument")
	}
	data, err := cmd.Load(vol, args[0], limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %d bytes, crc32 %08x\n", len(data), cmd.Checksum(data))
	return nil
}

func runConsole(con *cmd.Console, stdin io.Reader, stdout io.Writer) error {
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return con.Run(stdin, stdout)
	}
	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		return err
	}
	defer term.Restore(int(f.Fd()), state)
	return con.RunTerminal(struct {
		io.Reader
		io.Writer
	}{stdin, stdout})
}

func runServe(card *sdcard.Card, o options, log *slog.Logger) error {
	srv := nbd.NewServer(nbd.WithLogger(log))
	if err := srv.AddExport(&nbd.Export{Name: o.export, Device: card, ReadOnly: !o.rw}); err != nil {
		return err
	}
	l, err := nbd.Listen(o.socket)
	if err != nil {
		return err
	}
	defer os.Remove(o.socket)
	log.Info(fmt.Sprintf("Connect with: sudo nbd-client -N %s -unix %s /dev/nbdX", o.export, o.socket))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Serve(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
