// Package cmd implements the sdboot file commands and the interactive console.
package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/lvdlvd/sdboot/fsys"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // -l: inode, mode, size, time
	All  bool // -a: include dot files
}

// Ls lists a directory, or names a single file.
func Ls(filesystem fsys.FS, fsPath string, out io.Writer, opts LsOptions) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		printEntry(out, info, opts.Long)
		return nil
	}

	entries, err := fs.ReadDir(filesystem, fsPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !opts.All && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !opts.Long {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			fmt.Fprintln(out, name)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(out, "%8s %-10s %10s %12s %s\n", "?", "?????????", "?", "?", entry.Name())
			continue
		}
		printEntry(out, info, true)
	}
	return nil
}

// normalizePath maps a console path onto an io/fs name.
func normalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func printEntry(out io.Writer, info fs.FileInfo, long bool) {
	if !long {
		fmt.Fprintln(out, info.Name())
		return
	}
	var inode uint64
	if fi, ok := info.(fsys.FileInfo); ok {
		inode = fi.Inode()
	}
	fmt.Fprintf(out, "%8d %s %10d %s %s\n",
		inode, info.Mode(), info.Size(), info.ModTime().UTC().Format("Jan _2 15:04"), info.Name())
}
