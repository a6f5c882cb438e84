package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/lvdlvd/sdboot/fsys/ext2"
)

func TestConsoleExec(t *testing.T) {
	dev := disk(t)
	con := NewConsole(ext2.NewVolume(dev), WithCard(card(t, dev)), WithLoadLimit(1<<20))
	readmeCRC := fmt.Sprintf("%08x", Checksum([]byte("hello\n")))

	// steps share the console, so order matters
	steps := []struct {
		line    string
		want    []string
		wantErr error
	}{
		{line: "", want: nil},
		{line: "help", want: []string{"\tdisk [sd|sd1|sd2|sd3|sd4] - select sdcard partition", "\t" + fmt.Sprintf("%-25s", "help ") + " - show help"}},
		{line: "frob", want: []string{"Unknown command", "Available commands: help, disk, ls, cat, stat, load, crc32, info"}, wantErr: ErrUnknownCommand},
		{line: "ls", wantErr: ext2.ErrNotMounted},
		{line: "crc32", wantErr: ErrNothingLoaded},
		{line: "cat", want: []string{"Invalid args\nUsage: cat path\t- print text file"}, wantErr: ErrInvalidArgs},
		{line: "disk sd9", want: []string{"Usage: disk"}, wantErr: ErrInvalidArgs},
		{line: "disk hd1", wantErr: ErrInvalidArgs},
		{line: "disk sd1", wantErr: ext2.ErrBadSuperblock},
		{line: "disk sd3", wantErr: ext2.ErrNoPartition},
		{line: "disk", want: []string{"Selected sd2"}},
		{line: "disk sd2", want: []string{"Selected sd2"}},
		{line: "ls", want: []string{"boot/\nreadme\n"}},
		{line: "ls -l -a boot", want: []string{"kernel"}},
		{line: "ls -x", wantErr: ErrInvalidArgs},
		{line: "cat readme", want: []string{"hello\n"}},
		{line: "stat boot/kernel", want: []string{"Inode:"}},
		{line: "load readme", want: []string{"Loaded 6 bytes, crc32 " + readmeCRC}},
		{line: "crc32", want: []string{readmeCRC + "\n"}},
		{line: "crc32 " + readmeCRC, want: []string{readmeCRC + " OK\n"}},
		{line: "crc32 0x" + readmeCRC, want: []string{" OK"}},
		{line: "crc32 deadbeef", want: []string{" ERROR"}, wantErr: errors.New("any")},
		{line: "crc32 zz", wantErr: ErrInvalidArgs},
		{line: "info", want: []string{"Product:   SDSIM", "Mounted:   sd2"}},
	}
	for _, st := range steps {
		var out bytes.Buffer
		err := con.Exec(&out, st.line)
		switch {
		case st.wantErr == nil && err != nil:
			t.Errorf("%q: error = %v", st.line, err)
		case st.wantErr != nil && err == nil:
			t.Errorf("%q: no error, want %v", st.line, st.wantErr)
		case st.wantErr != nil && st.wantErr.Error() != "any" && !errors.Is(err, st.wantErr):
			t.Errorf("%q: error = %v, want %v", st.line, err, st.wantErr)
		}
		for _, w := range st.want {
			if !strings.Contains(out.String(), w) {
				t.Errorf("%q: output lacks %q:\n%s", st.line, w, out.String())
			}
		}
	}
	if string(con.Loaded()) != "hello\n" {
		t.Errorf("Loaded() = %q", con.Loaded())
	}
}

func TestConsoleLoadLimit(t *testing.T) {
	v := mounted(t)
	con := NewConsole(v, WithLoadLimit(100))
	var out bytes.Buffer
	if err := con.Exec(&out, "load boot/kernel"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("load error = %v, want ErrTooLarge", err)
	}
	if con.Loaded() != nil {
		t.Errorf("failed load kept data")
	}
}

func TestConsoleRun(t *testing.T) {
	con := NewConsole(ext2.NewVolume(disk(t)))
	in := strings.NewReader("cat readme\ndisk\ncat readme\nfrob\n\nexit\ncat readme\n")
	var out bytes.Buffer
	if err := con.Run(in, &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "\nStarting sdboot console\nAvailable commands:") {
		t.Errorf("banner = %q", got)
	}
	if !strings.Contains(got, "ext2: no filesystem mounted") {
		t.Errorf("unmounted cat not reported:\n%s", got)
	}
	if n := strings.Count(got, "hello\n"); n != 1 {
		t.Errorf("readme printed %d times, want once (exit stops the console):\n%s", n, got)
	}
	if n := strings.Count(got, Prompt); n != 6 {
		t.Errorf("%d prompts, want 6", n)
	}
}

type pipeRW struct {
	io.Reader
	io.Writer
}

func TestConsoleRunTerminal(t *testing.T) {
	con := NewConsole(mounted(t))
	var out bytes.Buffer
	rw := pipeRW{strings.NewReader("cat readme\rload readme\r"), &out}
	if err := con.RunTerminal(rw); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Starting sdboot console", "hello", "Loaded 6 bytes"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("terminal output lacks %q:\n%q", want, out.String())
		}
	}
}
