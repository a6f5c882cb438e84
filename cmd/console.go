package cmd

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/lvdlvd/sdboot/fsys/ext2"
	"github.com/lvdlvd/sdboot/sdcard"
)

var (
	// ErrUnknownCommand reports a console line naming no command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidArgs reports a command given the wrong arguments.
	ErrInvalidArgs = errors.New("invalid args")
	// ErrNothingLoaded reports crc32 before any load.
	ErrNothingLoaded = errors.New("nothing loaded")
)

// Prompt is shown before every console line.
const Prompt = "> "

type command struct {
	name string
	args string
	desc string
	run  func(c *Console, out io.Writer, args []string) error
}

func commandTable() []command {
	return []command{
		{"help", "", "show help", (*Console).help},
		{"disk", "[sd|sd1|sd2|sd3|sd4]", "select sdcard partition for file access (only EXT2 supported)", (*Console).disk},
		{"ls", "[-l] [-a] [path]", "show files", (*Console).ls},
		{"cat", "path", "print text file", (*Console).cat},
		{"stat", "path", "show inode details", (*Console).stat},
		{"load", "path", "load file content to RAM", (*Console).load},
		{"crc32", "[expected]", "calculate crc32 of loaded data", (*Console).crc32},
		{"info", "", "show card, partitions and mounted volume", (*Console).info},
	}
}

// Console runs boot console commands against one volume.
type Console struct {
	vol    *ext2.Volume
	card   *sdcard.Card
	log    *slog.Logger
	limit  int64
	loaded []byte
	cmds   []command
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithCard makes info report the card identification.
func WithCard(card *sdcard.Card) ConsoleOption {
	return func(c *Console) { c.card = card }
}

// WithLogger sets the logger; nil discards.
func WithLogger(l *slog.Logger) ConsoleOption {
	return func(c *Console) {
		if l != nil {
			c.log = l
		}
	}
}

// WithLoadLimit caps the size of files load accepts.
func WithLoadLimit(n int64) ConsoleOption {
	return func(c *Console) { c.limit = n }
}

// NewConsole returns a console on vol.
func NewConsole(vol *ext2.Volume, opts ...ConsoleOption) *Console {
	c := &Console{vol: vol, log: slog.New(slog.DiscardHandler), cmds: commandTable()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Loaded returns the data of the last successful load.
func (c *Console) Loaded() []byte { return c.loaded }

// Exec runs one command line. Blank lines do nothing.
func (c *Console) Exec(out io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	for i := range c.cmds {
		cmd := &c.cmds[i]
		if cmd.name != fields[0] {
			continue
		}
		err := cmd.run(c, out, fields[1:])
		if errors.Is(err, ErrInvalidArgs) {
			fmt.Fprintf(out, "Invalid args\nUsage: %s %s\t- %s\n", cmd.name, cmd.args, cmd.desc)
		}
		return err
	}
	fmt.Fprintln(out, "Unknown command")
	c.printAvailable(out)
	return fmt.Errorf("%s: %w", fields[0], ErrUnknownCommand)
}

// Run reads command lines from in until EOF or "exit". Command errors are
// printed and do not stop the console.
func (c *Console) Run(in io.Reader, out io.Writer) error {
	c.banner(out)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, Prompt)
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		if c.step(out, sc.Text()) {
			return nil
		}
	}
}

// RunTerminal is Run with line editing and history, for a terminal in raw
// mode.
func (c *Console) RunTerminal(rw io.ReadWriter) error {
	t := term.NewTerminal(rw, Prompt)
	c.banner(t)
	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if c.step(t, line) {
			return nil
		}
	}
}

// step runs one line and reports whether the console should exit.
func (c *Console) step(out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "exit" || line == "quit" {
		return true
	}
	if err := c.Exec(out, line); err != nil && !errors.Is(err, ErrUnknownCommand) && !errors.Is(err, ErrInvalidArgs) {
		c.log.Debug("console command failed", slog.String("line", line), slog.String("err", err.Error()))
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}

func (c *Console) banner(out io.Writer) {
	fmt.Fprintln(out, "\nStarting sdboot console")
	c.printAvailable(out)
}

func (c *Console) printAvailable(out io.Writer) {
	names := make([]string, len(c.cmds))
	for i, cmd := range c.cmds {
		names[i] = cmd.name
	}
	fmt.Fprintf(out, "Available commands: %s\n", strings.Join(names, ", "))
}

func (c *Console) help(out io.Writer, _ []string) error {
	width := 0
	for _, cmd := range c.cmds {
		width = max(width, len(cmd.name)+1+len(cmd.args))
	}
	for _, cmd := range c.cmds {
		usage := cmd.name + " " + cmd.args
		fmt.Fprintf(out, "\t%-*s - %s\n", width, usage, cmd.desc)
	}
	return nil
}

func (c *Console) disk(out io.Writer, args []string) error {
	switch {
	case len(args) == 0:
		idx, err := c.vol.Scan()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Selected %s\n", PartitionName(idx))
		return nil
	case len(args) > 1 || !strings.HasPrefix(args[0], "sd"):
		return ErrInvalidArgs
	}
	idx := 0
	if rest := strings.TrimPrefix(args[0], "sd"); rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 || n > 4 {
			return ErrInvalidArgs
		}
		idx = n
	}
	if err := c.vol.Select(idx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Selected %s\n", PartitionName(idx))
	return nil
}

func (c *Console) ls(out io.Writer, args []string) error {
	fl := flag.NewFlagSet("ls", flag.ContinueOnError)
	fl.SetOutput(io.Discard)
	long := fl.Bool("l", false, "use long listing format")
	all := fl.Bool("a", false, "show dot files")
	if err := fl.Parse(args); err != nil || fl.NArg() > 1 {
		return ErrInvalidArgs
	}
	return Ls(c.vol, fl.Arg(0), out, LsOptions{Long: *long, All: *all})
}

func (c *Console) cat(out io.Writer, args []string) error {
	if len(args) != 1 {
		return ErrInvalidArgs
	}
	return Cat(c.vol, args[0], out)
}

func (c *Console) stat(out io.Writer, args []string) error {
	if len(args) != 1 {
		return ErrInvalidArgs
	}
	return Stat(c.vol, args[0], out)
}

func (c *Console) load(out io.Writer, args []string) error {
	if len(args) != 1 {
		return ErrInvalidArgs
	}
	data, err := Load(c.vol, args[0], c.limit)
	if err != nil {
		return err
	}
	c.loaded = data
	fmt.Fprintf(out, "Loaded %d bytes, crc32 %08x\n", len(data), Checksum(data))
	return nil
}

func (c *Console) crc32(out io.Writer, args []string) error {
	if len(args) > 1 {
		return ErrInvalidArgs
	}
	var expected uint64
	if len(args) == 1 {
		var err error
		if expected, err = strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32); err != nil {
			return ErrInvalidArgs
		}
	}
	if c.loaded == nil {
		return ErrNothingLoaded
	}
	crc := Checksum(c.loaded)
	fmt.Fprintf(out, "%08x", crc)
	if len(args) == 1 {
		if uint64(crc) != expected {
			fmt.Fprintln(out, " ERROR")
			return fmt.Errorf("crc32 %08x, expected %08x", crc, expected)
		}
		fmt.Fprint(out, " OK")
	}
	fmt.Fprintln(out)
	return nil
}

func (c *Console) info(out io.Writer, _ []string) error {
	return Info(out, c.card, c.vol)
}
